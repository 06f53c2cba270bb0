// Package requests negotiates chat requests between a seeker and a responder.
package requests

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-session/internal/models"
)

// Resolver looks up a participant by id.
type Resolver interface {
	Resolve(ctx context.Context, participantID string) (models.Participant, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, participantID string) (models.Participant, error)

func (f ResolverFunc) Resolve(ctx context.Context, participantID string) (models.Participant, error) {
	return f(ctx, participantID)
}

// ChainResolver tries each resolver in order and returns the first hit.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, participantID string) (models.Participant, error) {
	err := fmt.Errorf("participant %s: no resolver", participantID)
	for _, r := range c {
		if r == nil {
			continue
		}
		p, rerr := r.Resolve(ctx, participantID)
		if rerr == nil {
			return p, nil
		}
		err = rerr
	}
	return models.Participant{}, err
}

// Outbox publishes negotiation frames.
type Outbox interface {
	SendRequest(ctx context.Context, req models.ChatRequest) error
	SendAccepted(ctx context.Context, req models.ChatRequest, room models.ChatRoom) error
	SendRejected(ctx context.Context, req models.ChatRequest) error
}

// RoomOpener receives rooms created by an accepted request.
type RoomOpener interface {
	Open(ctx context.Context, room models.ChatRoom) (models.ChatRoom, bool)
	Close(ctx context.Context, roomID string) error
}

type Negotiator struct {
	session  models.SessionContext
	resolver Resolver
	rooms    RoomOpener
	outbox   Outbox
	now      func() time.Time
	newID    func() string

	mu            sync.Mutex
	incoming      map[string]*models.ChatRequest
	incomingOrder []string
	outgoing      map[string]models.ChatRequest
	outgoingOrder []string
}

func NewNegotiator(session models.SessionContext, resolver Resolver, rooms RoomOpener, outbox Outbox) *Negotiator {
	return &Negotiator{
		session:  session,
		resolver: resolver,
		rooms:    rooms,
		outbox:   outbox,
		now:      time.Now,
		newID:    uuid.NewString,
		incoming: make(map[string]*models.ChatRequest),
		outgoing: make(map[string]models.ChatRequest),
	}
}

// SendRequest creates a pending request to targetID and publishes it to the
// target's personal topic. An unresolvable target yields nil, nil.
func (n *Negotiator) SendRequest(ctx context.Context, targetID string) (*models.ChatRequest, error) {
	target, err := n.resolver.Resolve(ctx, targetID)
	if err != nil {
		log.Printf("requests: target=%s not resolvable: %v", targetID, err)
		return nil, nil
	}

	req := models.ChatRequest{
		ID:        n.newID(),
		From:      n.session.Self,
		To:        target,
		CreatedAt: n.now(),
		Status:    models.RequestPending,
	}

	n.mu.Lock()
	n.outgoing[req.ID] = req
	n.outgoingOrder = append(n.outgoingOrder, req.ID)
	n.mu.Unlock()

	if err := n.outbox.SendRequest(ctx, req); err != nil {
		n.mu.Lock()
		n.dropOutgoingLocked(req.ID)
		n.mu.Unlock()
		return nil, fmt.Errorf("send request to %s: %w", targetID, err)
	}
	return &req, nil
}

// Receive records an inbound request addressed to this session. Redelivery of
// a known id is ignored.
func (n *Negotiator) Receive(req models.ChatRequest) bool {
	if req.To.ID != n.session.SelfID() {
		log.Printf("requests: request=%s addressed to %s dropped", req.ID, req.To.ID)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.incoming[req.ID]; ok {
		return false
	}
	req.Status = models.RequestPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = n.now()
	}
	n.incoming[req.ID] = &req
	n.incomingOrder = append(n.incomingOrder, req.ID)
	return true
}

// Accept turns a pending request into a room shared by both participants.
// Accepting anything but a pending request addressed to this session is a
// no-op returning nil. When the requester cannot be told, the room is closed
// again and the request goes back to pending so Accept can be retried.
func (n *Negotiator) Accept(ctx context.Context, requestID string) (*models.ChatRoom, error) {
	n.mu.Lock()
	req, ok := n.incoming[requestID]
	if !ok || req.Status != models.RequestPending || req.To.ID != n.session.SelfID() {
		n.mu.Unlock()
		log.Printf("requests: accept request=%s ignored", requestID)
		return nil, nil
	}
	req.Status = models.RequestAccepted
	accepted := *req
	n.mu.Unlock()

	room := models.ChatRoom{
		ID:           n.newID(),
		Participants: [2]models.Participant{accepted.From, accepted.To},
		OpenedAt:     n.now(),
	}
	opened, created := n.rooms.Open(ctx, room)

	if err := n.outbox.SendAccepted(ctx, accepted, opened); err != nil {
		n.mu.Lock()
		if req.Status == models.RequestAccepted {
			req.Status = models.RequestPending
		}
		n.mu.Unlock()
		if created {
			if cerr := n.rooms.Close(context.WithoutCancel(ctx), opened.ID); cerr != nil {
				log.Printf("requests: close room=%s after failed accept: %v", opened.ID, cerr)
			}
		}
		return nil, fmt.Errorf("notify %s of acceptance: %w", accepted.From.ID, err)
	}
	return &opened, nil
}

// Reject declines a pending request. It reports whether anything changed.
func (n *Negotiator) Reject(ctx context.Context, requestID string) (bool, error) {
	n.mu.Lock()
	req, ok := n.incoming[requestID]
	if !ok || req.Status != models.RequestPending || req.To.ID != n.session.SelfID() {
		n.mu.Unlock()
		log.Printf("requests: reject request=%s ignored", requestID)
		return false, nil
	}
	req.Status = models.RequestRejected
	rejected := *req
	n.mu.Unlock()

	if err := n.outbox.SendRejected(ctx, rejected); err != nil {
		return true, fmt.Errorf("notify %s of rejection: %w", rejected.From.ID, err)
	}
	return true, nil
}

// ResolveAccepted handles the responder's acceptance on the sender side.
func (n *Negotiator) ResolveAccepted(ctx context.Context, requestID string, room models.ChatRoom) (models.ChatRoom, bool) {
	n.mu.Lock()
	n.dropOutgoingLocked(requestID)
	n.mu.Unlock()

	if !room.HasParticipant(n.session.SelfID()) {
		log.Printf("requests: accepted room=%s does not include this session", room.ID)
		return models.ChatRoom{}, false
	}
	return n.rooms.Open(ctx, room)
}

// ResolveRejected drops a sent request after the responder declined it.
func (n *Negotiator) ResolveRejected(requestID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropOutgoingLocked(requestID)
}

// Pending returns pending requests addressed to this session in arrival order.
func (n *Negotiator) Pending() []models.ChatRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.ChatRequest, 0, len(n.incomingOrder))
	for _, id := range n.incomingOrder {
		req := n.incoming[id]
		if req.Status == models.RequestPending && req.To.ID == n.session.SelfID() {
			out = append(out, *req)
		}
	}
	return out
}

// Outgoing returns requests this session sent that are still unanswered.
func (n *Negotiator) Outgoing() []models.ChatRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.ChatRequest, 0, len(n.outgoingOrder))
	for _, id := range n.outgoingOrder {
		out = append(out, n.outgoing[id])
	}
	return out
}

// Reset forgets every request.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = make(map[string]*models.ChatRequest)
	n.incomingOrder = nil
	n.outgoing = make(map[string]models.ChatRequest)
	n.outgoingOrder = nil
}

func (n *Negotiator) dropOutgoingLocked(id string) bool {
	if _, ok := n.outgoing[id]; !ok {
		return false
	}
	delete(n.outgoing, id)
	for i, oid := range n.outgoingOrder {
		if oid == id {
			n.outgoingOrder = append(n.outgoingOrder[:i], n.outgoingOrder[i+1:]...)
			break
		}
	}
	return true
}
