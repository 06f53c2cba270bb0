package repositories

import (
	"context"
	"errors"

	"chat-session/internal/models"
)

var ErrHistoryDisabled = errors.New("history store disabled")

// HistoryRepository is the append-only log of sent chat messages.
type HistoryRepository interface {
	Append(ctx context.Context, msg models.ChatMessage) error
	ListRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
}

// NoopHistory discards every message; used when no store is configured.
type NoopHistory struct{}

func (NoopHistory) Append(context.Context, models.ChatMessage) error { return nil }

func (NoopHistory) ListRoom(context.Context, string, int) ([]models.ChatMessage, error) {
	return nil, ErrHistoryDisabled
}
