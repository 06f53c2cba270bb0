package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-session/internal/models"
)

func TestMessageStreamEncoding(t *testing.T) {
	msg := models.ChatMessage{
		ID:       "m1",
		RoomID:   "r1",
		SenderID: "a",
		Content:  "hello",
		SentAt:   time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC),
	}

	got, err := decodeMessage(encodeMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeMessageRejectsBadTimestamp(t *testing.T) {
	_, err := decodeMessage(map[string]any{"id": "m1", "sent_at": "yesterday"})
	assert.Error(t, err)
}

func TestNoopHistory(t *testing.T) {
	var repo HistoryRepository = NoopHistory{}
	assert.NoError(t, repo.Append(context.Background(), models.ChatMessage{ID: "m1"}))
	_, err := repo.ListRoom(context.Background(), "r1", 10)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}
