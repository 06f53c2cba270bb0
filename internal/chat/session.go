// Package chat wires the transport channel, dispatcher and domain components
// into one logged-in session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chat-session/internal/dispatch"
	"chat-session/internal/models"
	"chat-session/internal/presence"
	"chat-session/internal/requests"
	"chat-session/internal/rooms"
	"chat-session/internal/transport"
)

// Dependencies are the collaborators of a session. Only Dialer is required.
type Dependencies struct {
	Dialer           transport.Dialer
	Transport        transport.Config
	TransportOptions []transport.Option

	Directory     presence.Directory
	Notifications presence.NotificationStore
	RequestCount  presence.RequestCounter
	Alerter       presence.Alerter
	PollInterval  time.Duration

	// UserLookup resolves participants missing from the directory snapshot.
	UserLookup requests.Resolver
	History    dispatch.HistoryStore
	Reporter   dispatch.Reporter
	// SideEffectTimeout bounds background history appends and reports.
	SideEffectTimeout time.Duration
}

type Session struct {
	Context    models.SessionContext
	Channel    *transport.Client
	Dispatcher *dispatch.Dispatcher
	Rooms      *rooms.Registry
	Requests   *requests.Negotiator
	Presence   *presence.Poller
}

func NewSession(sc models.SessionContext, deps Dependencies) *Session {
	channel := transport.NewClient(deps.Dialer, sc.Token, deps.Transport, deps.TransportOptions...)

	opts := []dispatch.Option{dispatch.WithSideEffectTimeout(deps.SideEffectTimeout)}
	if deps.History != nil {
		opts = append(opts, dispatch.WithHistory(deps.History))
	}
	if deps.Reporter != nil {
		opts = append(opts, dispatch.WithReporter(deps.Reporter))
	}
	dispatcher := dispatch.New(sc, channel, opts...)

	poller := presence.NewPoller(presence.Sources{
		Directory:     deps.Directory,
		Notifications: deps.Notifications,
		Requests:      deps.RequestCount,
		Alerter:       deps.Alerter,
	}, deps.PollInterval)

	registry := rooms.NewRegistry(sc, dispatcher)
	resolver := requests.ChainResolver{poller}
	if deps.UserLookup != nil {
		resolver = append(resolver, deps.UserLookup)
	}
	negotiator := requests.NewNegotiator(sc, resolver, registry, dispatcher)
	dispatcher.Bind(registry, negotiator, poller)

	return &Session{
		Context:    sc,
		Channel:    channel,
		Dispatcher: dispatcher,
		Rooms:      registry,
		Requests:   negotiator,
		Presence:   poller,
	}
}

// Start subscribes the session topics, connects and starts polling. A failed
// first handshake is logged and retried in the background; an invalid token
// is returned.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := s.Channel.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrInvalidToken) || ctx.Err() != nil {
			_ = s.Channel.Close()
			return fmt.Errorf("connect session %s: %w", s.Context.SelfID(), err)
		}
		log.Printf("chat: first connect for participant=%s failed, retrying: %v", s.Context.SelfID(), err)
	}
	s.Presence.Start(context.WithoutCancel(ctx))
	return nil
}

// Logout stops polling, tears the channel down and forgets local state.
func (s *Session) Logout() error {
	s.Presence.Stop()
	err := s.Channel.Close()
	s.Dispatcher.Wait()
	s.Rooms.Reset()
	s.Requests.Reset()
	return err
}

// State is a point-in-time view of the session for the UI.
type State struct {
	Self                models.Participant        `json:"self"`
	Connection          models.ConnectionState    `json:"connection"`
	Rooms               []models.ChatRoom         `json:"rooms"`
	ForegroundRoom      string                    `json:"foreground_room,omitempty"`
	TotalUnread         int                       `json:"total_unread"`
	Pending             []models.ChatRequest      `json:"pending_requests"`
	Outgoing            []models.ChatRequest      `json:"outgoing_requests"`
	Notifications       []models.NotificationItem `json:"notifications"`
	UnreadNotifications int                       `json:"unread_notifications"`
	NewRequestAlerts    int                       `json:"new_request_alerts"`
	Participants        []models.Participant      `json:"participants"`
	OnlineCount         int                       `json:"online_count"`
}

func (s *Session) State() State {
	return State{
		Self:                s.Context.Self,
		Connection:          s.Channel.State(),
		Rooms:               s.Rooms.Rooms(),
		ForegroundRoom:      s.Rooms.Foreground(),
		TotalUnread:         s.Rooms.TotalUnread(),
		Pending:             s.Requests.Pending(),
		Outgoing:            s.Requests.Outgoing(),
		Notifications:       s.Presence.Notifications(),
		UnreadNotifications: s.Presence.UnreadNotifications(),
		NewRequestAlerts:    s.Presence.RequestAlerts(),
		Participants:        s.Presence.Participants(),
		OnlineCount:         s.Presence.OnlineCount(),
	}
}
