package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-session/internal/models"
)

const (
	historyStreamPrefix = "chat:history:"
	historySeenPrefix   = "chat:history:seen:"
	historySeenTTL      = 24 * time.Hour
)

// RedisHistory keeps one capped stream per room.
type RedisHistory struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisHistory constructs RedisHistory. maxLen caps each room stream
// approximately; zero means uncapped.
func NewRedisHistory(rdb *redis.Client, maxLen int64) *RedisHistory {
	return &RedisHistory{rdb: rdb, maxLen: maxLen}
}

// Append adds the message to its room stream unless the id was already seen.
func (r *RedisHistory) Append(ctx context.Context, msg models.ChatMessage) error {
	fresh, err := r.rdb.SetNX(ctx, historySeenPrefix+msg.ID, 1, historySeenTTL).Result()
	if err != nil {
		return fmt.Errorf("mark message %s: %w", msg.ID, err)
	}
	if !fresh {
		return nil
	}

	args := &redis.XAddArgs{
		Stream: historyStreamPrefix + msg.RoomID,
		Values: encodeMessage(msg),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd message %s: %w", msg.ID, err)
	}
	return nil
}

// ListRoom returns the newest limit messages of a room in send order.
func (r *RedisHistory) ListRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := r.rdb.XRevRangeN(ctx, historyStreamPrefix+roomID, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	msgs := make([]models.ChatMessage, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		msg, err := decodeMessage(entries[i].Values)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", entries[i].ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func encodeMessage(msg models.ChatMessage) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"room_id":   msg.RoomID,
		"sender_id": msg.SenderID,
		"content":   msg.Content,
		"sent_at":   msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeMessage(values map[string]any) (models.ChatMessage, error) {
	str := func(key string) string {
		s, _ := values[key].(string)
		return s
	}
	sentAt, err := time.Parse(time.RFC3339Nano, str("sent_at"))
	if err != nil {
		return models.ChatMessage{}, err
	}
	return models.ChatMessage{
		ID:       str("id"),
		RoomID:   str("room_id"),
		SenderID: str("sender_id"),
		Content:  str("content"),
		SentAt:   sentAt,
	}, nil
}
