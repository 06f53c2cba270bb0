package rest

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"chat-session/internal/models"
)

type notificationDTO struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// NotificationClient talks to the notification store.
type NotificationClient struct {
	c client
}

func NewNotificationClient(baseURL, token string, timeout time.Duration) *NotificationClient {
	return &NotificationClient{c: newClient(baseURL, token, timeout)}
}

func (n *NotificationClient) List(ctx context.Context) ([]models.NotificationItem, error) {
	var dtos []notificationDTO
	if err := n.c.do(ctx, http.MethodGet, "/notifications", nil, &dtos); err != nil {
		return nil, err
	}
	items := make([]models.NotificationItem, 0, len(dtos))
	for _, d := range dtos {
		items = append(items, models.NotificationItem{
			ID:        d.ID,
			Message:   d.Message,
			CreatedAt: d.CreatedAt,
			Read:      d.Read,
		})
	}
	return items, nil
}

func (n *NotificationClient) MarkRead(ctx context.Context, id string) error {
	return n.c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (n *NotificationClient) MarkAllRead(ctx context.Context) error {
	return n.c.do(ctx, http.MethodPost, "/notifications/read-all", nil, nil)
}
