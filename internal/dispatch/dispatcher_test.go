package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-session/internal/mocks"
	"chat-session/internal/models"
	"chat-session/internal/presence"
	"chat-session/internal/requests"
	"chat-session/internal/rooms"
	"chat-session/internal/transport"
)

type published struct {
	topic string
	frame models.Frame
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]transport.Handler
	sent      []published
	publishFn func(topic string) error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]transport.Handler)}
}

func (f *fakeChannel) Subscribe(topic string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeChannel) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeChannel) Publish(_ context.Context, topic string, payload []byte) error {
	if f.publishFn != nil {
		if err := f.publishFn(topic); err != nil {
			return err
		}
	}
	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, published{topic: topic, frame: frame})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) deliver(t *testing.T, topic string, frame models.Frame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	f.deliverRaw(t, topic, payload)
}

func (f *fakeChannel) deliverRaw(t *testing.T, topic string, payload []byte) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	require.True(t, ok, "no handler for %s", topic)
	h(topic, payload)
}

func (f *fakeChannel) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *fakeChannel) framesOf(kind string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.frame.Type == kind {
			out = append(out, p)
		}
	}
	return out
}

var (
	alice = models.Participant{ID: "a", Name: "Alice"}
	bob   = models.Participant{ID: "b", Name: "Bob"}
)

type harness struct {
	ch       *fakeChannel
	d        *Dispatcher
	rooms    *rooms.Registry
	requests *requests.Negotiator
	presence *presence.Poller
}

func newHarness(t *testing.T, self models.Participant, opts ...Option) harness {
	t.Helper()
	session := models.SessionContext{Self: self}
	ch := newFakeChannel()
	d := New(session, ch, opts...)
	reg := rooms.NewRegistry(session, d)
	poller := presence.NewPoller(presence.Sources{}, time.Second)
	neg := requests.NewNegotiator(session, requests.ChainResolver{poller}, reg, d)
	d.Bind(reg, neg, poller)
	require.NoError(t, d.Start(context.Background()))
	return harness{ch: ch, d: d, rooms: reg, requests: neg, presence: poller}
}

func TestStartRequiresBinding(t *testing.T) {
	d := New(models.SessionContext{Self: alice}, newFakeChannel())
	assert.ErrorIs(t, d.Start(context.Background()), ErrNotBound)
}

func TestStartSubscribesPersonalAndPresenceTopics(t *testing.T) {
	h := newHarness(t, alice)
	assert.True(t, h.ch.subscribed("users.a"))
	assert.True(t, h.ch.subscribed(models.PresenceTopic))
}

func TestInboundRequestReachesNegotiator(t *testing.T) {
	h := newHarness(t, bob)
	req := models.ChatRequest{ID: "r1", From: alice, To: bob, Status: models.RequestPending}

	h.ch.deliver(t, "users.b", models.Frame{Type: models.FrameRequest, RequestID: "r1", Request: &req, SenderID: "a"})
	h.ch.deliver(t, "users.b", models.Frame{Type: models.FrameRequest, RequestID: "r1", Request: &req, SenderID: "a"})

	assert.Len(t, h.requests.Pending(), 1)
}

func TestAcceptPublishesToRequesterAndJoinsRoom(t *testing.T) {
	h := newHarness(t, bob)
	req := models.ChatRequest{ID: "r1", From: alice, To: bob, Status: models.RequestPending}
	h.ch.deliver(t, "users.b", models.Frame{Type: models.FrameRequest, Request: &req})

	room, err := h.requests.Accept(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, room)

	assert.True(t, h.ch.subscribed(models.RoomTopic(room.ID)))
	accepted := h.ch.framesOf(models.FrameRequestAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "users.a", accepted[0].topic)
	assert.Equal(t, room.ID, accepted[0].frame.Room.ID)
	assert.Len(t, h.ch.framesOf(models.FrameJoin), 1)
}

func TestAcceptDuringOutageCanBeRetried(t *testing.T) {
	h := newHarness(t, bob)
	req := models.ChatRequest{ID: "r1", From: alice, To: bob, Status: models.RequestPending}
	h.ch.deliver(t, "users.b", models.Frame{Type: models.FrameRequest, Request: &req})

	h.ch.publishFn = func(topic string) error {
		if topic == "users.a" {
			return transport.ErrNotConnected
		}
		return nil
	}
	room, err := h.requests.Accept(context.Background(), "r1")
	require.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Nil(t, room)
	assert.Empty(t, h.rooms.Rooms())
	assert.Len(t, h.requests.Pending(), 1)

	h.ch.publishFn = nil
	room, err = h.requests.Accept(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.True(t, h.rooms.Has(room.ID))
	accepted := h.ch.framesOf(models.FrameRequestAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, room.ID, accepted[0].frame.Room.ID)
}

func TestAcceptedFrameOpensRoomForRequester(t *testing.T) {
	h := newHarness(t, alice)
	snapshot := models.RoomSnapshot{ID: "room-1", Participants: [2]models.Participant{alice, bob}}

	h.ch.deliver(t, "users.a", models.Frame{Type: models.FrameRequestAccepted, RequestID: "r1", Room: &snapshot})

	assert.True(t, h.rooms.Has("room-1"))
	assert.True(t, h.ch.subscribed("rooms.room-1"))
}

func TestRoomMessageRouting(t *testing.T) {
	h := newHarness(t, bob)
	h.rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})
	require.NoError(t, h.rooms.Minimize("r1"))

	msg := models.ChatMessage{ID: "m1", RoomID: "r1", SenderID: "a", Content: "hi", SentAt: time.Now()}
	h.ch.deliver(t, "rooms.r1", models.Frame{Type: models.FrameMessage, RoomID: "r1", SenderID: "a", Message: &msg})

	room, _ := h.rooms.Room("r1")
	require.Len(t, room.Messages, 1)
	assert.Equal(t, 1, room.UnreadCount)
}

func TestRoomFrameWithMismatchedRoomIsDropped(t *testing.T) {
	h := newHarness(t, bob)
	h.rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})

	msg := models.ChatMessage{ID: "m1", SenderID: "a", Content: "hi", SentAt: time.Now()}
	h.ch.deliver(t, "rooms.r1", models.Frame{Type: models.FrameMessage, RoomID: "r2", SenderID: "a", Message: &msg})
	h.ch.deliverRaw(t, "rooms.r1", []byte("{not json"))

	room, _ := h.rooms.Room("r1")
	assert.Empty(t, room.Messages)
}

func TestRoomMessageWithoutIDIsDropped(t *testing.T) {
	h := newHarness(t, bob)
	h.rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})

	for _, content := range []string{"one", "two"} {
		msg := models.ChatMessage{SenderID: "a", Content: content, SentAt: time.Now()}
		h.ch.deliver(t, "rooms.r1", models.Frame{Type: models.FrameMessage, RoomID: "r1", SenderID: "a", Message: &msg})
	}
	msg := models.ChatMessage{ID: "m1", SenderID: "a", Content: "three", SentAt: time.Now()}
	h.ch.deliver(t, "rooms.r1", models.Frame{Type: models.FrameMessage, RoomID: "r1", SenderID: "a", Message: &msg})

	room, _ := h.rooms.Room("r1")
	require.Len(t, room.Messages, 1)
	assert.Equal(t, "three", room.Messages[0].Content)
}

func TestRoomFrameForClosedRoomIsDropped(t *testing.T) {
	h := newHarness(t, bob)
	handler := h.d.handleRoom

	msg := models.ChatMessage{ID: "m1", SenderID: "a", Content: "hi", SentAt: time.Now()}
	payload, err := json.Marshal(models.Frame{Type: models.FrameMessage, RoomID: "gone", Message: &msg})
	require.NoError(t, err)
	handler("rooms.gone", payload)

	assert.False(t, h.rooms.Has("gone"))
}

func TestPublishMessageAppendsHistoryAfterDelivery(t *testing.T) {
	history := new(mocks.HistoryStoreMock)
	h := newHarness(t, bob, WithHistory(history))
	h.rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})
	history.On("Append", mock.Anything, mock.MatchedBy(func(m models.ChatMessage) bool {
		return m.RoomID == "r1" && m.Content == "hello"
	})).Return(nil).Once()

	_, err := h.rooms.Send(context.Background(), "r1", "hello")
	require.NoError(t, err)
	h.d.Wait()

	msgs := h.ch.framesOf(models.FrameMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "rooms.r1", msgs[0].topic)
	assert.Equal(t, "b", msgs[0].frame.SenderID)
	history.AssertExpectations(t)
}

func TestPublishFailureSkipsHistory(t *testing.T) {
	history := new(mocks.HistoryStoreMock)
	h := newHarness(t, bob, WithHistory(history))
	h.rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})
	h.ch.publishFn = func(string) error { return transport.ErrNotConnected }

	_, err := h.rooms.Send(context.Background(), "r1", "hello")
	require.ErrorIs(t, err, rooms.ErrDeliveryFailed)
	require.ErrorIs(t, err, transport.ErrNotConnected)
	h.d.Wait()

	history.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestPresenceAndNotificationFrames(t *testing.T) {
	h := newHarness(t, bob)
	h.presence.PollOnce(context.Background())

	h.ch.deliver(t, "users.b", models.Frame{
		Type:         models.FrameNotification,
		Notification: &models.NotificationPush{Message: "ping", CreatedAt: time.Now()},
	})
	assert.Equal(t, 1, h.presence.UnreadNotifications())

	h.ch.deliver(t, models.PresenceTopic, models.Frame{
		Type:     models.FramePresence,
		Presence: &models.PresenceEvent{LoginID: "alice", Status: models.PresenceOnline},
	})
	assert.Equal(t, 0, h.presence.OnlineCount())
}

func TestSendRequestAlsoPushesNotification(t *testing.T) {
	h := newHarness(t, alice)

	err := h.d.SendRequest(context.Background(), models.ChatRequest{ID: "r1", From: alice, To: bob, CreatedAt: time.Now()})
	require.NoError(t, err)

	reqs := h.ch.framesOf(models.FrameRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "users.b", reqs[0].topic)
	notes := h.ch.framesOf(models.FrameNotification)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].frame.Notification.Message, "Alice")
}

func TestReportIsForwardedInBackground(t *testing.T) {
	reporter := new(mocks.ReporterMock)
	h := newHarness(t, alice, WithReporter(reporter))
	reporter.On("Report", mock.Anything, mock.MatchedBy(func(r models.Report) bool {
		return r.ReporterID == "a" && r.TargetID == "b" && r.Reason == "spam"
	})).Return(assert.AnError).Once()

	report := h.d.Report("b", "r1", "m1", "spam")
	h.d.Wait()

	assert.NotEmpty(t, report.ID)
	reporter.AssertExpectations(t)
}
