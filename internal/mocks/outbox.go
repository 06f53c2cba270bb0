package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-session/internal/models"
)

type RoomOutboxMock struct {
	mock.Mock
}

func (m *RoomOutboxMock) JoinRoom(ctx context.Context, room models.ChatRoom) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomOutboxMock) LeaveRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *RoomOutboxMock) PublishMessage(ctx context.Context, msg models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *RoomOutboxMock) PublishRead(ctx context.Context, roomID, upToMessageID string) error {
	args := m.Called(ctx, roomID, upToMessageID)
	return args.Error(0)
}

func (m *RoomOutboxMock) PublishTyping(ctx context.Context, roomID string, typing bool) error {
	args := m.Called(ctx, roomID, typing)
	return args.Error(0)
}

type RequestOutboxMock struct {
	mock.Mock
}

func (m *RequestOutboxMock) SendRequest(ctx context.Context, req models.ChatRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *RequestOutboxMock) SendAccepted(ctx context.Context, req models.ChatRequest, room models.ChatRoom) error {
	args := m.Called(ctx, req, room)
	return args.Error(0)
}

func (m *RequestOutboxMock) SendRejected(ctx context.Context, req models.ChatRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type RoomOpenerMock struct {
	mock.Mock
}

func (m *RoomOpenerMock) Open(ctx context.Context, room models.ChatRoom) (models.ChatRoom, bool) {
	args := m.Called(ctx, room)
	var out models.ChatRoom
	if val := args.Get(0); val != nil {
		out = val.(models.ChatRoom)
	}
	return out, args.Bool(1)
}

func (m *RoomOpenerMock) Close(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

type ResolverMock struct {
	mock.Mock
}

func (m *ResolverMock) Resolve(ctx context.Context, participantID string) (models.Participant, error) {
	args := m.Called(ctx, participantID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}
