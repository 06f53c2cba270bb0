package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-session/internal/chat"
	"chat-session/internal/middleware"
	"chat-session/internal/mocks"
	"chat-session/internal/models"
	"chat-session/internal/repositories"
	"chat-session/internal/requests"
	"chat-session/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	alice = models.Participant{ID: "a", Name: "Alice", Role: models.RoleSeeker}
	bob   = models.Participant{ID: "b", Name: "Bob", Role: models.RoleResponder}
)

type fixture struct {
	router   *gin.Engine
	broker   *transport.MemoryBroker
	self     *chat.Session
	peer     *chat.Session
	history  *mocks.HistoryStoreMock
	reporter *mocks.ReporterMock
}

func lookup() requests.Resolver {
	return requests.ResolverFunc(func(_ context.Context, id string) (models.Participant, error) {
		switch id {
		case alice.ID:
			return alice, nil
		case bob.ID:
			return bob, nil
		}
		return models.Participant{}, errors.New("unknown participant")
	})
}

func newSession(t *testing.T, broker *transport.MemoryBroker, self models.Participant, deps chat.Dependencies) *chat.Session {
	t.Helper()
	deps.Dialer = broker
	deps.Transport = transport.Config{
		HeartbeatInterval:   20 * time.Millisecond,
		MaxMissedHeartbeats: 2,
		InitialBackoff:      5 * time.Millisecond,
		MaxBackoff:          20 * time.Millisecond,
		DialTimeout:         time.Second,
	}
	deps.PollInterval = time.Hour
	deps.UserLookup = lookup()
	s := chat.NewSession(models.SessionContext{Self: self, Token: "token-" + self.ID}, deps)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Logout() })
	return s
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		broker:   transport.NewMemoryBroker(),
		history:  new(mocks.HistoryStoreMock),
		reporter: new(mocks.ReporterMock),
	}
	f.history.On("Append", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.self = newSession(t, f.broker, alice, chat.Dependencies{History: f.history, Reporter: f.reporter})
	f.peer = newSession(t, f.broker, bob, chat.Dependencies{})

	f.router = gin.New()
	api := f.router.Group("/api", middleware.SessionAuth(f.self.Context))
	NewSessionHandler(f.self, f.history).Register(api)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api"+path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.self.Context.Token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// openRoom negotiates a room from self to peer through the API.
func (f *fixture) openRoom(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/requests", gin.H{"target_id": bob.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent models.ChatRequest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sent))

	require.Eventually(t, func() bool { return len(f.peer.Requests.Pending()) == 1 }, waitFor, tick)
	room, err := f.peer.Requests.Accept(context.Background(), sent.ID)
	require.NoError(t, err)
	require.NotNil(t, room)
	require.Eventually(t, func() bool { return f.self.Rooms.Has(room.ID) }, waitFor, tick)
	return room.ID
}

func TestRoutesRequireSessionToken(t *testing.T) {
	f := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer token-b")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStateReportsConnection(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state chat.State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, alice.ID, state.Self.ID)
	assert.Equal(t, models.StateConnected, state.Connection)
	assert.Empty(t, state.Rooms)
}

func TestSendRequestValidation(t *testing.T) {
	f := setup(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/requests", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/requests", gin.H{"target_id": alice.ID}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/requests", gin.H{"target_id": "ghost"}).Code)

	rec := f.do(t, http.MethodGet, "/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pending  []models.ChatRequest `json:"pending"`
		Outgoing []models.ChatRequest `json:"outgoing"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body.Outgoing)
}

func TestAcceptedRequestOpensRoomAndDelivers(t *testing.T) {
	f := setup(t)
	roomID := f.openRoom(t)

	rec := f.do(t, http.MethodPost, "/rooms/"+roomID+"/messages", gin.H{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		room, ok := f.peer.Rooms.Room(roomID)
		return ok && len(room.Messages) == 1 && room.Messages[0].Content == "hi bob"
	}, waitFor, tick)

	rec = f.do(t, http.MethodGet, "/rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Rooms      []models.ChatRoom `json:"rooms"`
		Foreground string            `json:"foreground"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, roomID, body.Foreground)
}

func TestAcceptIncomingRequest(t *testing.T) {
	f := setup(t)

	req, err := f.peer.Requests.SendRequest(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.self.Requests.Pending()) == 1 }, waitFor, tick)

	rec := f.do(t, http.MethodPost, "/requests/"+req.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var room models.ChatRoom
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&room))
	assert.True(t, room.HasParticipant(alice.ID))
	assert.True(t, room.HasParticipant(bob.ID))

	require.Eventually(t, func() bool { return f.peer.Rooms.Has(room.ID) }, waitFor, tick)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/requests/"+req.ID+"/accept", nil).Code)
}

func TestRejectIncomingRequest(t *testing.T) {
	f := setup(t)

	req, err := f.peer.Requests.SendRequest(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.self.Requests.Pending()) == 1 }, waitFor, tick)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/requests/"+req.ID+"/reject", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/requests/"+req.ID+"/reject", nil).Code)
	require.Eventually(t, func() bool { return len(f.peer.Requests.Outgoing()) == 0 }, waitFor, tick)
}

func TestRoomErrors(t *testing.T) {
	f := setup(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/rooms/nope/messages", gin.H{"content": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/rooms/nope/minimize", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/rooms/nope/read", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/rooms/nope/typing", gin.H{"typing": true}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/rooms/nope", nil).Code)

	roomID := f.openRoom(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/rooms/"+roomID+"/messages", gin.H{"content": "  "}).Code)
}

func TestMinimizeRestoreAndClose(t *testing.T) {
	f := setup(t)
	roomID := f.openRoom(t)

	rec := f.do(t, http.MethodPost, "/rooms/"+roomID+"/minimize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"foreground":""}`, rec.Body.String())

	_, err := f.peer.Rooms.Send(context.Background(), roomID, "ping")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.self.Rooms.TotalUnread() == 1 }, waitFor, tick)

	rec = f.do(t, http.MethodPost, "/rooms/"+roomID+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.self.Rooms.TotalUnread())

	rec = f.do(t, http.MethodPost, "/rooms/"+roomID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":false}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/rooms/"+roomID+"/typing", gin.H{"typing": true}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/rooms/"+roomID, nil).Code)
	assert.False(t, f.self.Rooms.Has(roomID))
	assert.True(t, f.peer.Rooms.Has(roomID))
}

func TestPostMessageWhileDisconnected(t *testing.T) {
	f := setup(t)
	roomID := f.openRoom(t)

	f.broker.FailDials(errors.New("broker down"))
	f.broker.DropAll()
	require.Eventually(t, func() bool { return f.self.Channel.State() != models.StateConnected }, waitFor, tick)

	rec := f.do(t, http.MethodPost, "/rooms/"+roomID+"/messages", gin.H{"content": "lost"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Message models.ChatMessage `json:"message"`
		Error   string             `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "lost", body.Message.Content)
	assert.NotEmpty(t, body.Error)

	room, _ := f.self.Rooms.Room(roomID)
	require.Len(t, room.Messages, 1)
}

func TestRoomHistory(t *testing.T) {
	f := setup(t)
	roomID := f.openRoom(t)

	stored := []models.ChatMessage{{ID: "m1", RoomID: roomID, SenderID: bob.ID, Content: "old"}}
	f.history.On("ListRoom", mock.Anything, roomID, 10).Return(stored, nil).Once()

	rec := f.do(t, http.MethodGet, "/rooms/"+roomID+"/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "old", body.Messages[0].Content)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/rooms/"+roomID+"/history?limit=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/rooms/nope/history", nil).Code)
	f.history.AssertExpectations(t)
}

func TestRoomHistoryDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	broker := transport.NewMemoryBroker()
	s := newSession(t, broker, alice, chat.Dependencies{})
	s.Rooms.Open(context.Background(), models.ChatRoom{ID: "r1", Participants: [2]models.Participant{alice, bob}})

	r := gin.New()
	NewSessionHandler(s, repositories.NoopHistory{}).Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/r1/history", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestNotificationRoutes(t *testing.T) {
	f := setup(t)
	require.True(t, f.self.Presence.ApplyPush("New chat request from Bob", time.Now()))

	rec := f.do(t, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Notifications []models.NotificationItem `json:"notifications"`
		Unread        int                       `json:"unread"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, 1, body.Unread)

	id := body.Notifications[0].ID
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/notifications/"+id+"/read", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/notifications/"+id+"/read", nil).Code)
	assert.Equal(t, 0, f.self.Presence.UnreadNotifications())

	require.True(t, f.self.Presence.ApplyPush("another", time.Now().Add(time.Second)))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/notifications/read-all", nil).Code)
	assert.Equal(t, 0, f.self.Presence.UnreadNotifications())
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/alerts/clear", nil).Code)
}

func TestReport(t *testing.T) {
	f := setup(t)
	done := make(chan models.Report, 1)
	f.reporter.On("Report", mock.Anything, mock.AnythingOfType("models.Report")).
		Run(func(args mock.Arguments) { done <- args.Get(1).(models.Report) }).
		Return(nil).Once()

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/reports", gin.H{"target_user_id": bob.ID}).Code)

	rec := f.do(t, http.MethodPost, "/reports", gin.H{"target_user_id": bob.ID, "reason": "spam"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case got := <-done:
		assert.Equal(t, alice.ID, got.ReporterID)
		assert.Equal(t, bob.ID, got.TargetID)
		assert.Equal(t, "spam", got.Reason)
	case <-time.After(waitFor):
		t.Fatal("report not delivered")
	}
}

func TestDebugRoutes(t *testing.T) {
	f := setup(t)
	r := gin.New()
	RegisterDebugRoutes(r, f.self, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/transport", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"connected"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/poll", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := gin.New()
	RegisterDebugRoutes(disabled, f.self, false)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/transport", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
