package models

import "time"

// RequestStatus is the lifecycle state of a chat request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// ChatRequest is an invitation to open a room.
type ChatRequest struct {
	ID        string        `json:"id"`
	From      Participant   `json:"from"`
	To        Participant   `json:"to"`
	CreatedAt time.Time     `json:"created_at"`
	Status    RequestStatus `json:"status"`
}
