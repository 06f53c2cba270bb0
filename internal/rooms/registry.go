// Package rooms keeps the session's active conversations, their message logs
// and read state.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-session/internal/models"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrEmptyMessage   = errors.New("empty message")
	ErrDeliveryFailed = errors.New("message delivery failed")
)

const sideEffectTimeout = 5 * time.Second

// Outbox carries registry side effects to the transport.
type Outbox interface {
	JoinRoom(ctx context.Context, room models.ChatRoom) error
	LeaveRoom(ctx context.Context, roomID string) error
	PublishMessage(ctx context.Context, msg models.ChatMessage) error
	PublishRead(ctx context.Context, roomID, upToMessageID string) error
	PublishTyping(ctx context.Context, roomID string, typing bool) error
}

type room struct {
	models.ChatRoom
	ids map[string]struct{}
	// lastReceipt is the newest message of the other participant a read
	// receipt was already published for.
	lastReceipt string
}

// Registry owns the set of open rooms for one session.
type Registry struct {
	session models.SessionContext
	outbox  Outbox
	now     func() time.Time
	newID   func() string

	mu         sync.RWMutex
	rooms      map[string]*room
	order      []string
	foreground string
}

// NewRegistry constructs an empty Registry bound to the session identity.
func NewRegistry(session models.SessionContext, outbox Outbox) *Registry {
	return &Registry{
		session: session,
		outbox:  outbox,
		now:     time.Now,
		newID:   uuid.NewString,
		rooms:   make(map[string]*room),
	}
}

// Open registers a room and subscribes its topic. Opening an id that is
// already open returns the existing room and false.
func (r *Registry) Open(ctx context.Context, snapshot models.ChatRoom) (models.ChatRoom, bool) {
	r.mu.Lock()
	if existing, ok := r.rooms[snapshot.ID]; ok {
		out := existing.Clone()
		r.mu.Unlock()
		return out, false
	}

	rm := &room{ChatRoom: snapshot.Clone(), ids: make(map[string]struct{})}
	if rm.OpenedAt.IsZero() {
		rm.OpenedAt = r.now()
	}
	msgs := rm.Messages
	rm.Messages = nil
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	for _, m := range msgs {
		if _, dup := rm.ids[m.ID]; dup {
			continue
		}
		m.RoomID = rm.ID
		rm.ids[m.ID] = struct{}{}
		rm.Messages = append(rm.Messages, m)
	}
	r.rooms[rm.ID] = rm
	r.order = append([]string{rm.ID}, r.order...)
	r.foreground = rm.ID
	out := rm.Clone()
	r.mu.Unlock()

	if err := r.outbox.JoinRoom(ctx, out); err != nil {
		log.Printf("rooms: join room=%s failed: %v", out.ID, err)
	}
	return out, true
}

// Send appends a message to the local log before handing it to the outbox.
// A delivery failure leaves the message in the log and is returned wrapped
// in ErrDeliveryFailed; callers may surface it and re-issue the send.
func (r *Registry) Send(ctx context.Context, roomID, content string) (models.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return models.ChatMessage{}, ErrRoomNotFound
	}
	msg := models.ChatMessage{
		ID:       r.newID(),
		RoomID:   roomID,
		SenderID: r.session.SelfID(),
		Content:  content,
		SentAt:   r.now(),
	}
	rm.insert(msg)
	r.mu.Unlock()

	if err := r.outbox.PublishMessage(ctx, msg); err != nil {
		log.Printf("rooms: send room=%s message=%s not delivered: %v", roomID, msg.ID, err)
		return msg, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return msg, nil
}

// Receive appends a remote message. It returns false when the room is unknown,
// the message has no id or the id is already in the log.
func (r *Registry) Receive(roomID string, msg models.ChatMessage) bool {
	if msg.ID == "" {
		log.Printf("rooms: receive without message id room=%s", roomID)
		return false
	}
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		log.Printf("rooms: receive for unknown room=%s message=%s", roomID, msg.ID)
		return false
	}
	if _, dup := rm.ids[msg.ID]; dup {
		r.mu.Unlock()
		return false
	}
	msg.RoomID = roomID
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
	}
	rm.insert(msg)

	receipt := ""
	if msg.SenderID != r.session.SelfID() {
		if r.visibleLocked(rm) {
			receipt = r.markReadLocked(rm)
		} else {
			rm.UnreadCount++
		}
	}
	r.mu.Unlock()

	r.publishReceipt(roomID, receipt)
	return true
}

// Minimize collapses a room; new messages then count as unread.
func (r *Registry) Minimize(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rm.Minimized = true
	return nil
}

// Restore expands a room, brings it to the foreground and marks it read when
// it holds unread messages.
func (r *Registry) Restore(roomID string) error {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	rm.Minimized = false
	r.foreground = roomID
	receipt := ""
	if rm.UnreadCount > 0 {
		receipt = r.markReadLocked(rm)
	}
	r.mu.Unlock()

	r.publishReceipt(roomID, receipt)
	return nil
}

// Focus makes roomID the foreground room without changing its minimized flag.
func (r *Registry) Focus(roomID string) error {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	r.foreground = roomID
	receipt := ""
	if !rm.Minimized && rm.UnreadCount > 0 {
		receipt = r.markReadLocked(rm)
	}
	r.mu.Unlock()

	r.publishReceipt(roomID, receipt)
	return nil
}

// MarkAsRead resets the unread counter. It reports whether a read receipt was
// fired; marking an already read room fires nothing.
func (r *Registry) MarkAsRead(roomID string) (bool, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false, ErrRoomNotFound
	}
	receipt := r.markReadLocked(rm)
	r.mu.Unlock()

	r.publishReceipt(roomID, receipt)
	return receipt != "", nil
}

// Close removes the room locally and leaves its topic. The other
// participant's view is unaffected. Closing an unknown room is a no-op.
func (r *Registry) Close(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if _, ok := r.rooms[roomID]; !ok {
		r.mu.Unlock()
		log.Printf("rooms: close of unknown room=%s ignored", roomID)
		return nil
	}
	delete(r.rooms, roomID)
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.foreground == roomID {
		r.foreground = ""
		if len(r.order) > 0 {
			r.foreground = r.order[0]
		}
	}
	r.mu.Unlock()

	if err := r.outbox.LeaveRoom(ctx, roomID); err != nil {
		log.Printf("rooms: leave room=%s failed: %v", roomID, err)
	}
	return nil
}

// SetTyping publishes an advisory typing hint for the room.
func (r *Registry) SetTyping(ctx context.Context, roomID string, typing bool) error {
	r.mu.RLock()
	_, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}
	return r.outbox.PublishTyping(ctx, roomID, typing)
}

// ApplyTyping records a typing hint from another participant.
func (r *Registry) ApplyTyping(roomID, userID string, typing bool) {
	if userID == r.session.SelfID() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	users := rm.TypingUsers[:0]
	for _, id := range rm.TypingUsers {
		if id != userID {
			users = append(users, id)
		}
	}
	if typing {
		users = append(users, userID)
	}
	rm.TypingUsers = users
}

// ApplyReadReceipt marks own messages up to upToMessageID as read by the
// other participant.
func (r *Registry) ApplyReadReceipt(roomID, readerID, upToMessageID string) {
	if readerID == r.session.SelfID() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	limit := -1
	for i, m := range rm.Messages {
		if m.ID == upToMessageID {
			limit = i
			break
		}
	}
	for i := 0; i <= limit; i++ {
		if rm.Messages[i].SenderID == r.session.SelfID() {
			rm.Messages[i].Read = true
		}
	}
}

// Rooms returns copies of every open room, most recently opened first.
func (r *Registry) Rooms() []models.ChatRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ChatRoom, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rooms[id].Clone())
	}
	return out
}

// Room returns a copy of one open room.
func (r *Registry) Room(roomID string) (models.ChatRoom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return models.ChatRoom{}, false
	}
	return rm.Clone(), true
}

// Has reports whether roomID is open.
func (r *Registry) Has(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Foreground returns the id of the foreground room, if any.
func (r *Registry) Foreground() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.foreground
}

// TotalUnread sums unread counters across rooms.
func (r *Registry) TotalUnread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, rm := range r.rooms {
		total += rm.UnreadCount
	}
	return total
}

// Reset drops every room without publishing anything; used on logout after
// the transport is torn down.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]*room)
	r.order = nil
	r.foreground = ""
}

func (r *Registry) visibleLocked(rm *room) bool {
	return !rm.Minimized && r.foreground == rm.ID
}

// markReadLocked clears unread state and returns the message id a receipt
// should be published for, or "" when nothing new was read.
func (r *Registry) markReadLocked(rm *room) string {
	rm.UnreadCount = 0
	newest := ""
	for i := range rm.Messages {
		if rm.Messages[i].SenderID == r.session.SelfID() {
			continue
		}
		rm.Messages[i].Read = true
		newest = rm.Messages[i].ID
	}
	if newest == "" || newest == rm.lastReceipt {
		return ""
	}
	rm.lastReceipt = newest
	return newest
}

func (r *Registry) publishReceipt(roomID, messageID string) {
	if messageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := r.outbox.PublishRead(ctx, roomID, messageID); err != nil {
		log.Printf("rooms: read receipt room=%s message=%s failed: %v", roomID, messageID, err)
	}
}

// insert keeps Messages in non-decreasing SentAt order; equal timestamps keep
// arrival order.
func (rm *room) insert(msg models.ChatMessage) {
	idx := sort.Search(len(rm.Messages), func(i int) bool {
		return rm.Messages[i].SentAt.After(msg.SentAt)
	})
	rm.Messages = append(rm.Messages, models.ChatMessage{})
	copy(rm.Messages[idx+1:], rm.Messages[idx:])
	rm.Messages[idx] = msg
	rm.ids[msg.ID] = struct{}{}
}
