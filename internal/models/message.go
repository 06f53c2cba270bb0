package models

import "time"

// ChatMessage represents a message inside a room.
type ChatMessage struct {
	ID       string    `json:"id" db:"id"`
	RoomID   string    `json:"room_id" db:"room_id"`
	SenderID string    `json:"sender_id" db:"sender_id"`
	Content  string    `json:"content" db:"content"`
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
	Read     bool      `json:"read" db:"-"`
}
