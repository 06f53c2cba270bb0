package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-session/internal/models"
)

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) Participants(ctx context.Context) ([]models.Participant, error) {
	args := m.Called(ctx)
	var list []models.Participant
	if val := args.Get(0); val != nil {
		list = val.([]models.Participant)
	}
	return list, args.Error(1)
}

type NotificationStoreMock struct {
	mock.Mock
}

func (m *NotificationStoreMock) List(ctx context.Context) ([]models.NotificationItem, error) {
	args := m.Called(ctx)
	var items []models.NotificationItem
	if val := args.Get(0); val != nil {
		items = val.([]models.NotificationItem)
	}
	return items, args.Error(1)
}

func (m *NotificationStoreMock) MarkRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *NotificationStoreMock) MarkAllRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type RequestCounterMock struct {
	mock.Mock
}

func (m *RequestCounterMock) PendingCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
