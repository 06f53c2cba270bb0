package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-session/internal/models"
)

// HistoryStoreMock satisfies dispatch.HistoryStore and
// repositories.HistoryRepository.
type HistoryStoreMock struct {
	mock.Mock
}

func (m *HistoryStoreMock) Append(ctx context.Context, msg models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *HistoryStoreMock) ListRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomID, limit)
	var msgs []models.ChatMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.ChatMessage)
	}
	return msgs, args.Error(1)
}

type ReporterMock struct {
	mock.Mock
}

func (m *ReporterMock) Report(ctx context.Context, report models.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// PublisherMock satisfies the AMQP publisher used by moderation.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
