package models

import "time"

// Role distinguishes the two sides of a mentoring conversation.
type Role string

const (
	RoleSeeker    Role = "seeker"
	RoleResponder Role = "responder"
)

// Participant is a directory entry. Online is best-effort and may be stale.
type Participant struct {
	ID      string `json:"id"`
	LoginID string `json:"login_id,omitempty"`
	Name    string `json:"name"`
	Avatar  string `json:"avatar"`
	Online  bool   `json:"online"`
	Subject string `json:"subject,omitempty"`
	Role    Role   `json:"role,omitempty"`
}

// SessionContext carries the identity of the local session.
type SessionContext struct {
	Self  Participant
	Token string
}

// SelfID returns the id of the session's own participant.
func (s SessionContext) SelfID() string {
	return s.Self.ID
}

// ChatRoom is an accepted two-party conversation.
type ChatRoom struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	Messages     []ChatMessage  `json:"messages"`
	Minimized    bool           `json:"minimized"`
	UnreadCount  int            `json:"unread_count"`
	TypingUsers  []string       `json:"typing_users,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
}

// OtherParticipant returns the participant that is not selfID. When both
// entries carry selfID the first entry is returned.
func (r ChatRoom) OtherParticipant(selfID string) Participant {
	for _, p := range r.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return r.Participants[0]
}

// HasParticipant reports whether id is one of the room's participants.
func (r ChatRoom) HasParticipant(id string) bool {
	return r.Participants[0].ID == id || r.Participants[1].ID == id
}

// Clone returns a deep copy safe to hand to observers.
func (r ChatRoom) Clone() ChatRoom {
	out := r
	out.Messages = append([]ChatMessage(nil), r.Messages...)
	out.TypingUsers = append([]string(nil), r.TypingUsers...)
	return out
}
