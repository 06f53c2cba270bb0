package models

import "time"

// Frame types carried on broker topics.
const (
	FrameMessage         = "message"
	FrameTyping          = "typing"
	FrameRead            = "read"
	FrameRequest         = "request"
	FrameRequestAccepted = "request_accepted"
	FrameRequestRejected = "request_rejected"
	FrameJoin            = "join"
	FrameLeave           = "leave"
	FrameNotification    = "notification"
	FramePresence        = "presence"
)

// Frame is the JSON envelope published on room and session topics.
type Frame struct {
	Type         string            `json:"type"`
	RoomID       string            `json:"room_id,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	SenderID     string            `json:"sender_id,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	Message      *ChatMessage      `json:"message,omitempty"`
	Request      *ChatRequest      `json:"request,omitempty"`
	Room         *RoomSnapshot     `json:"room,omitempty"`
	Notification *NotificationPush `json:"notification,omitempty"`
	Presence     *PresenceEvent    `json:"presence,omitempty"`
	Typing       bool              `json:"typing,omitempty"`
	SentAt       time.Time         `json:"sent_at"`
}

// RoomSnapshot describes a newly created room to the requesting party.
type RoomSnapshot struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
}

// NotificationPush is a near-real-time notification delta.
type NotificationPush struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceEvent reports a participant going online or offline.
type PresenceEvent struct {
	ParticipantID string `json:"participant_id,omitempty"`
	LoginID       string `json:"login_id,omitempty"`
	Status        string `json:"status"`
}

// Presence statuses.
const (
	PresenceOnline  = "ONLINE"
	PresenceOffline = "OFFLINE"
)

// Topic helpers.
const PresenceTopic = "presence"

// RoomTopic returns the per-room topic name.
func RoomTopic(roomID string) string {
	return "rooms." + roomID
}

// UserTopic returns the per-session personal topic name.
func UserTopic(participantID string) string {
	return "users." + participantID
}
