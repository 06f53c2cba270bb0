package rest

import (
	"context"
	"net/http"
	"time"

	"chat-session/internal/identity"
	"chat-session/internal/models"
)

type directoryUser struct {
	ID      string `json:"id"`
	LoginID string `json:"login_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Subject string `json:"subject"`
	Avatar  string `json:"avatar"`
}

// DirectoryClient lists participants and their online state.
type DirectoryClient struct {
	users client
	chat  client
}

// NewDirectoryClient reads users from directoryURL and the online set from
// chatURL.
func NewDirectoryClient(directoryURL, chatURL, token string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		users: newClient(directoryURL, token, timeout),
		chat:  newClient(chatURL, token, timeout),
	}
}

// Participants implements presence.Directory. Online ids may be participant
// ids or login ids.
func (c *DirectoryClient) Participants(ctx context.Context) ([]models.Participant, error) {
	var users []directoryUser
	if err := c.users.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	var online []string
	if err := c.chat.do(ctx, http.MethodGet, "/online", nil, &online); err != nil {
		return nil, err
	}
	onlineSet := make(map[string]bool, len(online))
	for _, id := range online {
		onlineSet[id] = true
	}

	out := make([]models.Participant, 0, len(users))
	for _, u := range users {
		p := identity.NewParticipant(u.ID, u.LoginID, u.Name, u.Role, u.Subject)
		if u.Avatar != "" {
			p.Avatar = u.Avatar
		}
		p.Online = onlineSet[u.ID] || (u.LoginID != "" && onlineSet[u.LoginID])
		out = append(out, p)
	}
	return out, nil
}
