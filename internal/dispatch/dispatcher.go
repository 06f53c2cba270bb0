// Package dispatch routes frames between the transport channel and the
// session's domain components.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-session/internal/models"
	"chat-session/internal/observability"
	"chat-session/internal/transport"
)

const defaultSideEffectTimeout = 5 * time.Second

var ErrNotBound = errors.New("dispatcher sinks not bound")

// Channel is the subset of transport.Channel the dispatcher drives.
type Channel interface {
	Subscribe(topic string, handler transport.Handler) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

type RoomSink interface {
	Has(roomID string) bool
	Receive(roomID string, msg models.ChatMessage) bool
	ApplyTyping(roomID, userID string, typing bool)
	ApplyReadReceipt(roomID, readerID, upToMessageID string)
}

type RequestSink interface {
	Receive(req models.ChatRequest) bool
	ResolveAccepted(ctx context.Context, requestID string, room models.ChatRoom) (models.ChatRoom, bool)
	ResolveRejected(requestID string) bool
}

type PresenceSink interface {
	ApplyPush(message string, createdAt time.Time) bool
	ApplyPresence(id string, online bool) bool
}

// HistoryStore persists sent messages.
type HistoryStore interface {
	Append(ctx context.Context, msg models.ChatMessage) error
}

// Reporter forwards moderation reports.
type Reporter interface {
	Report(ctx context.Context, report models.Report) error
}

type Option func(*Dispatcher)

func WithHistory(store HistoryStore) Option {
	return func(d *Dispatcher) { d.history = store }
}

func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

func WithSideEffectTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

type Dispatcher struct {
	session  models.SessionContext
	channel  Channel
	history  HistoryStore
	reporter Reporter
	timeout  time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	rooms    RoomSink
	requests RequestSink
	presence PresenceSink

	wg sync.WaitGroup
}

func New(session models.SessionContext, channel Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		session: session,
		channel: channel,
		timeout: defaultSideEffectTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind attaches the inbound sinks. The registry and negotiator take the
// dispatcher as their outbox, so binding happens after they are built.
func (d *Dispatcher) Bind(rooms RoomSink, requests RequestSink, presence PresenceSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = rooms
	d.requests = requests
	d.presence = presence
}

// Start subscribes the session's personal topic and the presence broadcast.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	bound := d.rooms != nil && d.requests != nil && d.presence != nil
	d.mu.RUnlock()
	if !bound {
		return ErrNotBound
	}
	if err := d.channel.Subscribe(models.UserTopic(d.session.SelfID()), d.handleUser); err != nil {
		return fmt.Errorf("subscribe personal topic: %w", err)
	}
	if err := d.channel.Subscribe(models.PresenceTopic, d.handlePresence); err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	return nil
}

// Wait blocks until background history and report deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// JoinRoom subscribes the room topic and announces the join.
func (d *Dispatcher) JoinRoom(ctx context.Context, room models.ChatRoom) error {
	if err := d.channel.Subscribe(models.RoomTopic(room.ID), d.handleRoom); err != nil {
		return fmt.Errorf("subscribe room %s: %w", room.ID, err)
	}
	d.advise(ctx, models.RoomTopic(room.ID), models.Frame{Type: models.FrameJoin, RoomID: room.ID})
	return nil
}

// LeaveRoom announces the leave and drops the room subscription.
func (d *Dispatcher) LeaveRoom(ctx context.Context, roomID string) error {
	d.advise(ctx, models.RoomTopic(roomID), models.Frame{Type: models.FrameLeave, RoomID: roomID})
	if err := d.channel.Unsubscribe(models.RoomTopic(roomID)); err != nil {
		return fmt.Errorf("unsubscribe room %s: %w", roomID, err)
	}
	return nil
}

// PublishMessage sends a chat message and appends it to history once the
// broker accepted it.
func (d *Dispatcher) PublishMessage(ctx context.Context, msg models.ChatMessage) error {
	frame := models.Frame{Type: models.FrameMessage, RoomID: msg.RoomID, Message: &msg}
	if err := d.publish(ctx, models.RoomTopic(msg.RoomID), frame); err != nil {
		return err
	}
	d.appendHistory(msg)
	return nil
}

func (d *Dispatcher) PublishRead(ctx context.Context, roomID, upToMessageID string) error {
	return d.publish(ctx, models.RoomTopic(roomID), models.Frame{
		Type:      models.FrameRead,
		RoomID:    roomID,
		MessageID: upToMessageID,
	})
}

func (d *Dispatcher) PublishTyping(ctx context.Context, roomID string, typing bool) error {
	return d.publish(ctx, models.RoomTopic(roomID), models.Frame{
		Type:   models.FrameTyping,
		RoomID: roomID,
		Typing: typing,
	})
}

// SendRequest delivers a chat request to the target's personal topic along
// with a notification push.
func (d *Dispatcher) SendRequest(ctx context.Context, req models.ChatRequest) error {
	err := d.publish(ctx, models.UserTopic(req.To.ID), models.Frame{
		Type:      models.FrameRequest,
		RequestID: req.ID,
		Request:   &req,
	})
	if err != nil {
		return err
	}
	d.advise(ctx, models.UserTopic(req.To.ID), models.Frame{
		Type: models.FrameNotification,
		Notification: &models.NotificationPush{
			Message:   fmt.Sprintf("New chat request from %s", req.From.Name),
			CreatedAt: req.CreatedAt,
		},
	})
	return nil
}

func (d *Dispatcher) SendAccepted(ctx context.Context, req models.ChatRequest, room models.ChatRoom) error {
	return d.publish(ctx, models.UserTopic(req.From.ID), models.Frame{
		Type:      models.FrameRequestAccepted,
		RequestID: req.ID,
		RoomID:    room.ID,
		Room:      &models.RoomSnapshot{ID: room.ID, Participants: room.Participants},
	})
}

func (d *Dispatcher) SendRejected(ctx context.Context, req models.ChatRequest) error {
	return d.publish(ctx, models.UserTopic(req.From.ID), models.Frame{
		Type:      models.FrameRequestRejected,
		RequestID: req.ID,
	})
}

// Report hands a moderation report to the reporter in the background and
// returns it immediately.
func (d *Dispatcher) Report(targetID, roomID, messageID, reason string) models.Report {
	report := models.Report{
		ID:         uuid.NewString(),
		ReporterID: d.session.SelfID(),
		TargetID:   targetID,
		RoomID:     roomID,
		MessageID:  messageID,
		Reason:     reason,
		CreatedAt:  d.now(),
	}
	if d.reporter == nil {
		log.Printf("dispatch: report=%s dropped, no reporter configured", report.ID)
		return report
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.reporter.Report(ctx, report); err != nil {
			log.Printf("dispatch: report=%s target=%s failed: %v", report.ID, targetID, err)
		}
	}()
	return report
}

func (d *Dispatcher) appendHistory(msg models.ChatMessage) {
	if d.history == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.history.Append(ctx, msg); err != nil {
			log.Printf("dispatch: history append room=%s message=%s failed: %v", msg.RoomID, msg.ID, err)
		}
	}()
}

func (d *Dispatcher) publish(ctx context.Context, topic string, frame models.Frame) error {
	frame.SenderID = d.session.SelfID()
	if frame.SentAt.IsZero() {
		frame.SentAt = d.now()
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	if err := d.channel.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", frame.Type, topic, err)
	}
	return nil
}

// advise publishes a frame whose loss is tolerated.
func (d *Dispatcher) advise(ctx context.Context, topic string, frame models.Frame) {
	if err := d.publish(ctx, topic, frame); err != nil {
		log.Printf("dispatch: advisory %s on %s not sent: %v", frame.Type, topic, err)
	}
}

func (d *Dispatcher) sinks() (RoomSink, RequestSink, PresenceSink) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms, d.requests, d.presence
}

func decode(topic string, payload []byte) (models.Frame, bool) {
	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("dispatch: undecodable frame on %s: %v", topic, err)
		observability.IncFrameDropped("decode")
		return frame, false
	}
	return frame, true
}

func drop(topic string, frame models.Frame, reason string) {
	log.Printf("dispatch: dropped %s frame on %s room=%s reason=%s", frame.Type, topic, frame.RoomID, reason)
	observability.IncFrameDropped(reason)
}

func (d *Dispatcher) handleUser(topic string, payload []byte) {
	frame, ok := decode(topic, payload)
	if !ok {
		return
	}
	_, requests, presence := d.sinks()

	switch frame.Type {
	case models.FrameRequest:
		if frame.Request == nil {
			drop(topic, frame, "malformed")
			return
		}
		requests.Receive(*frame.Request)
	case models.FrameRequestAccepted:
		if frame.Room == nil {
			drop(topic, frame, "malformed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		requests.ResolveAccepted(ctx, frame.RequestID, models.ChatRoom{
			ID:           frame.Room.ID,
			Participants: frame.Room.Participants,
		})
	case models.FrameRequestRejected:
		requests.ResolveRejected(frame.RequestID)
	case models.FrameNotification:
		if frame.Notification == nil {
			drop(topic, frame, "malformed")
			return
		}
		presence.ApplyPush(frame.Notification.Message, frame.Notification.CreatedAt)
	case models.FramePresence:
		d.applyPresence(topic, frame)
	default:
		drop(topic, frame, "unexpected_type")
	}
}

func (d *Dispatcher) handlePresence(topic string, payload []byte) {
	frame, ok := decode(topic, payload)
	if !ok {
		return
	}
	if frame.Type != models.FramePresence {
		drop(topic, frame, "unexpected_type")
		return
	}
	d.applyPresence(topic, frame)
}

func (d *Dispatcher) applyPresence(topic string, frame models.Frame) {
	if frame.Presence == nil {
		drop(topic, frame, "malformed")
		return
	}
	_, _, presence := d.sinks()
	online := strings.EqualFold(frame.Presence.Status, models.PresenceOnline)
	id := frame.Presence.ParticipantID
	if id == "" {
		id = frame.Presence.LoginID
	}
	if !presence.ApplyPresence(id, online) && frame.Presence.LoginID != "" && frame.Presence.LoginID != id {
		presence.ApplyPresence(frame.Presence.LoginID, online)
	}
}

func (d *Dispatcher) handleRoom(topic string, payload []byte) {
	frame, ok := decode(topic, payload)
	if !ok {
		return
	}
	roomID := strings.TrimPrefix(topic, models.RoomTopic(""))
	if roomID == "" {
		drop(topic, frame, "malformed")
		return
	}
	if frame.RoomID != roomID {
		drop(topic, frame, "room_mismatch")
		return
	}
	rooms, _, presence := d.sinks()
	if !rooms.Has(roomID) {
		drop(topic, frame, "unknown_room")
		return
	}

	switch frame.Type {
	case models.FrameMessage:
		if frame.Message == nil || frame.Message.ID == "" {
			drop(topic, frame, "malformed")
			return
		}
		msg := *frame.Message
		if msg.SenderID == "" {
			msg.SenderID = frame.SenderID
		}
		rooms.Receive(roomID, msg)
	case models.FrameTyping:
		rooms.ApplyTyping(roomID, frame.SenderID, frame.Typing)
	case models.FrameRead:
		rooms.ApplyReadReceipt(roomID, frame.SenderID, frame.MessageID)
	case models.FrameJoin:
		if frame.SenderID != d.session.SelfID() {
			presence.ApplyPresence(frame.SenderID, true)
		}
	case models.FrameLeave:
		log.Printf("dispatch: participant=%s left room=%s", frame.SenderID, roomID)
	default:
		drop(topic, frame, "unexpected_type")
	}
}
