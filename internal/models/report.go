package models

import "time"

// Report flags a participant or a single message for moderation review.
type Report struct {
	ID         string    `json:"id"`
	ReporterID string    `json:"reporter_id"`
	TargetID   string    `json:"target_user_id"`
	RoomID     string    `json:"room_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
