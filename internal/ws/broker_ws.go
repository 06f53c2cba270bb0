package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-session/internal/identity"
	"chat-session/internal/models"
	"chat-session/internal/observability"
)

var errForeignTopic = errors.New("cannot subscribe to another participant's topic")

// Authenticator resolves a broker access token to a participant.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Participant, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (models.Participant, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (models.Participant, error) {
	return f(ctx, token)
}

// BrokerHandler serves the development broker's websocket endpoint.
type BrokerHandler struct {
	hub  *Hub
	auth Authenticator
}

// NewBrokerHandler constructs a BrokerHandler.
func NewBrokerHandler(hub *Hub, auth Authenticator) *BrokerHandler {
	return &BrokerHandler{hub: hub, auth: auth}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and serves broker operations
// until the session disconnects.
func (h *BrokerHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-session/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	token = identity.StripBearer(token)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	participant, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, "authentication failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	span.SetAttributes(attribute.String("participant.id", participant.ID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &client{
		conn: conn,
		info: ConnInfo{
			ConnID:        uuid.NewString(),
			ParticipantID: participant.ID,
			LoginID:       participant.LoginID,
			DeviceID:      observability.DeviceIDFromRequest(c.Request),
			IP:            observability.IPFromRequest(c.Request),
			RequestID:     observability.RequestIDFromContext(c),
			TraceID:       span.SpanContext().TraceID().String(),
			ConnectedAt:   time.Now(),
		},
	}
	if h.hub.Add(cl) {
		h.announce(cl.info, models.PresenceOnline)
	}
	observability.IncWSActive("broker")
	observability.IncWSEvent("broker", "ws_connect")
	log.Printf("ws: connect conn=%s participant=%s ip=%s", cl.info.ConnID, cl.info.ParticipantID, cl.info.IP)

	go h.serve(cl)
}

// Online lists the ids of connected participants.
func (h *BrokerHandler) Online(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.OnlineIDs())
}

func (h *BrokerHandler) serve(cl *client) {
	var closeReason string
	defer func() {
		if h.hub.Remove(cl) {
			h.announce(cl.info, models.PresenceOffline)
		}
		observability.DecWSActive("broker")
		observability.IncWSEvent("broker", "ws_disconnect")
		log.Printf("ws: disconnect conn=%s participant=%s duration=%s reason=%s",
			cl.info.ConnID, cl.info.ParticipantID, time.Since(cl.info.ConnectedAt), closeReason)
		cl.conn.Close()
	}()

	for {
		var env Envelope
		if err := cl.conn.ReadJSON(&env); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("broker", "ws_error")
			}
			return
		}
		if err := h.handle(cl, env); err != nil {
			if werr := cl.write(Envelope{Op: OpError, Topic: env.Topic, Error: err.Error()}); werr != nil {
				closeReason = werr.Error()
				return
			}
		}
	}
}

func (h *BrokerHandler) handle(cl *client, env Envelope) error {
	switch env.Op {
	case OpSubscribe:
		if err := authorizeTopic(cl.info.ParticipantID, env.Topic); err != nil {
			return err
		}
		h.hub.Subscribe(cl, env.Topic)
	case OpUnsubscribe:
		h.hub.Unsubscribe(cl, env.Topic)
	case OpPublish:
		if env.Topic == "" {
			return errors.New("publish without topic")
		}
		h.hub.Publish(env.Topic, env.Body)
	case OpPing:
		return cl.write(Envelope{Op: OpPong})
	default:
		return errors.New("unknown op " + env.Op)
	}
	return nil
}

// authorizeTopic keeps personal topics private to their owner.
func authorizeTopic(participantID, topic string) error {
	if strings.HasPrefix(topic, models.UserTopic("")) && topic != models.UserTopic(participantID) {
		return errForeignTopic
	}
	return nil
}

func (h *BrokerHandler) announce(info ConnInfo, status string) {
	body, err := json.Marshal(models.Frame{
		Type:     models.FramePresence,
		SenderID: info.ParticipantID,
		Presence: &models.PresenceEvent{
			ParticipantID: info.ParticipantID,
			LoginID:       info.LoginID,
			Status:        status,
		},
		SentAt: time.Now(),
	})
	if err != nil {
		log.Printf("ws: encode presence for %s: %v", info.ParticipantID, err)
		return
	}
	h.hub.Publish(models.PresenceTopic, body)
}
