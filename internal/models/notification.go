package models

import "time"

// NotificationItem is a system notification shown in the bell list.
type NotificationItem struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
	Local     bool      `json:"local,omitempty"`
}

// NotificationKey identifies a notification independently of its id.
type NotificationKey struct {
	Message   string
	CreatedAt int64
}

// Key returns the dedup key of the item.
func (n NotificationItem) Key() NotificationKey {
	return NotificationKey{Message: n.Message, CreatedAt: n.CreatedAt.UnixMilli()}
}
