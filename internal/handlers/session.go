package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-session/internal/chat"
	"chat-session/internal/middleware"
	"chat-session/internal/observability"
	"chat-session/internal/repositories"
	"chat-session/internal/rooms"
	"chat-session/internal/transport"
)

const defaultHistoryLimit = 50

// SessionHandler exposes the logged-in session to the local UI.
type SessionHandler struct {
	session *chat.Session
	history repositories.HistoryRepository
}

// NewSessionHandler builds a SessionHandler. A nil history disables the
// history endpoint.
func NewSessionHandler(session *chat.Session, history repositories.HistoryRepository) *SessionHandler {
	if history == nil {
		history = repositories.NoopHistory{}
	}
	return &SessionHandler{session: session, history: history}
}

// Register mounts the session routes on r.
func (h *SessionHandler) Register(r gin.IRoutes) {
	r.GET("/state", h.State)
	r.GET("/participants", h.ListParticipants)

	r.GET("/requests", h.ListRequests)
	r.POST("/requests", h.SendRequest)
	r.POST("/requests/:id/accept", h.AcceptRequest)
	r.POST("/requests/:id/reject", h.RejectRequest)

	r.GET("/rooms", h.ListRooms)
	r.GET("/rooms/:id/history", h.RoomHistory)
	r.POST("/rooms/:id/messages", h.PostMessage)
	r.POST("/rooms/:id/minimize", h.MinimizeRoom)
	r.POST("/rooms/:id/restore", h.RestoreRoom)
	r.POST("/rooms/:id/focus", h.FocusRoom)
	r.POST("/rooms/:id/read", h.MarkRoomRead)
	r.POST("/rooms/:id/typing", h.SetTyping)
	r.DELETE("/rooms/:id", h.CloseRoom)

	r.GET("/notifications", h.ListNotifications)
	r.POST("/notifications/:id/read", h.MarkNotificationRead)
	r.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	r.POST("/alerts/clear", h.ClearAlerts)

	r.POST("/reports", h.Report)
}

func (h *SessionHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.State())
}

func (h *SessionHandler) ListParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"participants": h.session.Presence.Participants(),
		"online_count": h.session.Presence.OnlineCount(),
	})
}

func (h *SessionHandler) ListRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending":  h.session.Requests.Pending(),
		"outgoing": h.session.Requests.Outgoing(),
	})
}

// SendRequest invites a participant to a chat.
func (h *SessionHandler) SendRequest(c *gin.Context) {
	var req struct {
		TargetID string `json:"target_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TargetID == h.session.Context.SelfID() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	sent, err := h.session.Requests.SendRequest(c.Request.Context(), req.TargetID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
		return
	}
	c.JSON(http.StatusCreated, sent)
}

func (h *SessionHandler) AcceptRequest(c *gin.Context) {
	room, err := h.session.Requests.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not pending"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *SessionHandler) RejectRequest(c *gin.Context) {
	changed, err := h.session.Requests.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !changed {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not pending"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms":        h.session.Rooms.Rooms(),
		"foreground":   h.session.Rooms.Foreground(),
		"total_unread": h.session.Rooms.TotalUnread(),
	})
}

// RoomHistory reads persisted messages of an open room, oldest first.
func (h *SessionHandler) RoomHistory(c *gin.Context) {
	roomID := c.Param("id")
	if !h.session.Rooms.Has(roomID) {
		c.JSON(http.StatusNotFound, gin.H{"error": rooms.ErrRoomNotFound.Error()})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.history.ListRoom(c.Request.Context(), roomID, limit)
	if errors.Is(err, repositories.ErrHistoryDisabled) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("handlers: history room=%s failed: %v", roomID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage sends a message. A delivery failure still returns the locally
// appended message so the UI can offer a resend.
func (h *SessionHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.session.Rooms.Send(c.Request.Context(), c.Param("id"), req.Content)
	if errors.Is(err, rooms.ErrDeliveryFailed) {
		c.JSON(http.StatusAccepted, gin.H{"message": msg, "error": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *SessionHandler) MinimizeRoom(c *gin.Context) {
	h.roomAction(c, h.session.Rooms.Minimize)
}

func (h *SessionHandler) RestoreRoom(c *gin.Context) {
	h.roomAction(c, h.session.Rooms.Restore)
}

func (h *SessionHandler) FocusRoom(c *gin.Context) {
	h.roomAction(c, h.session.Rooms.Focus)
}

func (h *SessionHandler) MarkRoomRead(c *gin.Context) {
	changed, err := h.session.Rooms.MarkAsRead(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *SessionHandler) SetTyping(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.session.Rooms.SetTyping(c.Request.Context(), c.Param("id"), req.Typing); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) CloseRoom(c *gin.Context) {
	if err := h.session.Rooms.Close(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"notifications": h.session.Presence.Notifications(),
		"unread":        h.session.Presence.UnreadNotifications(),
	})
}

func (h *SessionHandler) MarkNotificationRead(c *gin.Context) {
	if !h.session.Presence.MarkRead(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found or already read"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) MarkAllNotificationsRead(c *gin.Context) {
	h.session.Presence.MarkAllRead(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ClearAlerts(c *gin.Context) {
	h.session.Presence.ClearRequestAlerts()
	c.Status(http.StatusNoContent)
}

// Report files a moderation report against another participant.
func (h *SessionHandler) Report(c *gin.Context) {
	var req struct {
		TargetID  string `json:"target_user_id" binding:"required"`
		RoomID    string `json:"room_id"`
		MessageID string `json:"message_id"`
		Reason    string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report := h.session.Dispatcher.Report(req.TargetID, req.RoomID, req.MessageID, req.Reason)
	log.Printf("handlers: report=%s accepted participant=%s request_id=%s",
		report.ID, middleware.ParticipantID(c), observability.RequestIDFromContext(c))
	c.JSON(http.StatusAccepted, report)
}

func (h *SessionHandler) roomAction(c *gin.Context, action func(string) error) {
	if err := action(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"foreground": h.session.Rooms.Foreground()})
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, rooms.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
