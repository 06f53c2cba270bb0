package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-session/internal/models"
)

// PostgresHistory is a sqlx-backed HistoryRepository.
type PostgresHistory struct {
	db *sqlx.DB
}

// NewPostgresHistory constructs PostgresHistory.
func NewPostgresHistory(db *sqlx.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

// Append stores a message once; replays of the same id are ignored.
func (r *PostgresHistory) Append(ctx context.Context, msg models.ChatMessage) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_history (id, room_id, sender_id, content, sent_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO NOTHING`, msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.SentAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// ListRoom returns the newest limit messages of a room in send order.
func (r *PostgresHistory) ListRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, room_id, sender_id, content, sent_at FROM (
            SELECT id, room_id, sender_id, content, sent_at
            FROM message_history
            WHERE room_id=$1
            ORDER BY sent_at DESC
            LIMIT $2
        ) recent
        ORDER BY sent_at ASC`
	var msgs []models.ChatMessage
	if err := r.db.SelectContext(ctx, &msgs, query, roomID, limit); err != nil {
		return nil, fmt.Errorf("list room %s: %w", roomID, err)
	}
	return msgs, nil
}
