// Package transport owns the session's single logical connection to the
// real-time broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-session/internal/identity"
	"chat-session/internal/models"
	"chat-session/internal/observability"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrInvalidToken     = errors.New("invalid identity token")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	errLinkClosed       = errors.New("link closed")
)

// Handler receives the payload of a frame delivered on topic.
type Handler func(topic string, payload []byte)

// StateListener observes connection state transitions.
type StateListener func(from, to models.ConnectionState)

// Channel is the transport surface used by the rest of the core.
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	OnStateChange(fn StateListener)
	State() models.ConnectionState
	Close() error
}

// Config tunes heartbeats and reconnect backoff.
type Config struct {
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	DialTimeout         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   10 * time.Second,
		MaxMissedHeartbeats: 3,
		InitialBackoff:      time.Second,
		MaxBackoff:          30 * time.Second,
		DialTimeout:         10 * time.Second,
	}
}

// Client implements Channel over links produced by a Dialer.
type Client struct {
	dialer     Dialer
	token      string
	cfg        Config
	checkToken func(string) error
	onError    func(error)

	// subMu serializes subscription changes against link attachment so a topic
	// is bound on a given link at most once.
	subMu sync.Mutex

	mu         sync.Mutex
	state      models.ConnectionState
	handlers   map[string]Handler
	link       Link
	linkTopics map[string]bool
	listeners  []StateListener
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option customizes a Client.
type Option func(*Client)

// WithTokenCheck replaces the default identity token validation.
func WithTokenCheck(fn func(string) error) Option {
	return func(c *Client) { c.checkToken = fn }
}

// WithErrorHook receives transport faults (dial failures, link errors).
func WithErrorHook(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// NewClient constructs a disconnected Client.
func NewClient(dialer Dialer, token string, cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = defaults.MaxMissedHeartbeats
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	c := &Client{
		dialer:     dialer,
		token:      token,
		cfg:        cfg,
		checkToken: identity.CheckToken,
		state:      models.StateDisconnected,
		handlers:   make(map[string]Handler),
		linkTopics: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener invoked after every transition.
func (c *Client) OnStateChange(fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Connect starts the connection loop and waits for the first handshake
// outcome. A failed handshake is returned but retries continue in the
// background until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.checkToken(c.token); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.transition(models.StateConnecting)

	first := make(chan error, 1)
	go c.run(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic, replacing any previous handler.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	c.handlers[topic] = handler
	link := c.link
	bound := c.linkTopics[topic]
	connected := c.state == models.StateConnected
	c.mu.Unlock()

	if !connected || link == nil || bound {
		return nil
	}
	if err := link.Subscribe(topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.mu.Lock()
	if c.link == link {
		c.linkTopics[topic] = true
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops the handler for topic and unbinds it from the live link.
func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	delete(c.handlers, topic)
	link := c.link
	bound := c.linkTopics[topic]
	delete(c.linkTopics, topic)
	c.mu.Unlock()

	if link == nil || !bound {
		return nil
	}
	if err := link.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload on topic. It never queues: outside the connected
// state it fails immediately with ErrNotConnected.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	link := c.link
	state := c.state
	c.mu.Unlock()

	if state != models.StateConnected || link == nil {
		observability.IncPublishFailure("not_connected")
		return ErrNotConnected
	}

	ctx, span := otel.Tracer("chat-session/transport").Start(ctx, "transport.publish")
	defer span.End()
	span.SetAttributes(attribute.String("topic", topic))

	if err := link.Publish(ctx, topic, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.IncPublishFailure("link")
		// a failed write means the link is unusable; closing it wakes the
		// serve loop which moves the channel to reconnecting
		_ = link.Close()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close tears the channel down: stops the loop, unbinds every topic, releases
// the link and drops all handlers.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.subMu.Lock()
	c.mu.Lock()
	link := c.link
	topics := c.linkTopics
	c.link = nil
	c.linkTopics = make(map[string]bool)
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()
	c.subMu.Unlock()

	var err error
	if link != nil {
		for topic := range topics {
			_ = link.Unsubscribe(topic)
		}
		err = link.Close()
	}
	c.transition(models.StateDisconnected)
	return err
}

func (c *Client) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	reconnecting := false

	for {
		link, err := c.dial(ctx)
		if err == nil {
			if err = c.attach(link); err != nil {
				_ = link.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				report(ctx.Err())
				return
			}
			c.fault(err)
			if !reconnecting {
				c.transition(models.StateDisconnected)
			}
			report(err)

			wait := b.NextBackOff()
			log.Printf("transport: retrying in %s", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if !reconnecting {
				c.transition(models.StateConnecting)
			}
			continue
		}

		b.Reset()
		report(nil)

		err = c.serve(ctx, link)
		if ctx.Err() != nil {
			return
		}
		c.detach(link)
		c.fault(err)
		reconnecting = true
		observability.IncReconnect()
		c.transition(models.StateReconnecting)
	}
}

func (c *Client) dial(ctx context.Context) (Link, error) {
	ctx, span := otel.Tracer("chat-session/transport").Start(ctx, "transport.dial")
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	link, err := c.dialer.Dial(dialCtx, c.token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return link, nil
}

// attach binds every registered topic on the new link and then marks the
// channel connected.
func (c *Client) attach(link Link) error {
	c.subMu.Lock()

	c.mu.Lock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	sort.Strings(topics)

	bound := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if err := link.Subscribe(topic); err != nil {
			c.subMu.Unlock()
			return fmt.Errorf("resubscribe %s: %w", topic, err)
		}
		bound[topic] = true
	}

	c.mu.Lock()
	c.link = link
	c.linkTopics = bound
	notify := c.setStateLocked(models.StateConnected)
	c.mu.Unlock()
	c.subMu.Unlock()

	notify()
	log.Printf("transport: connected topics=%d", len(topics))
	return nil
}

func (c *Client) detach(link Link) {
	c.subMu.Lock()
	c.mu.Lock()
	if c.link == link {
		c.link = nil
		c.linkTopics = make(map[string]bool)
	}
	c.mu.Unlock()
	c.subMu.Unlock()
	_ = link.Close()
}

// serve is the session's single inbound consumer. It returns when the link
// fails, heartbeats go unanswered, or ctx is cancelled.
func (c *Client) serve(ctx context.Context, link Link) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastSeen := time.Now()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.Done():
			if err := link.Err(); err != nil {
				return err
			}
			return errLinkClosed
		case d, ok := <-link.Deliveries():
			if !ok {
				return errLinkClosed
			}
			lastSeen = time.Now()
			missed = 0
			if d.Heartbeat {
				continue
			}
			c.deliver(d)
		case <-ticker.C:
			if time.Since(lastSeen) >= c.cfg.HeartbeatInterval {
				missed++
			} else {
				missed = 0
			}
			if missed >= c.cfg.MaxMissedHeartbeats {
				return ErrHeartbeatTimeout
			}
			hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
			err := link.Heartbeat(hbCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) deliver(d Delivery) {
	c.mu.Lock()
	handler, ok := c.handlers[d.Topic]
	c.mu.Unlock()
	if !ok {
		observability.IncFrameDropped("no_handler")
		log.Printf("transport: dropping frame for unsubscribed topic=%s", d.Topic)
		return
	}
	handler(d.Topic, d.Payload)
}

func (c *Client) fault(err error) {
	if err == nil {
		return
	}
	log.Printf("transport: fault: %v", err)
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) transition(to models.ConnectionState) {
	c.mu.Lock()
	notify := c.setStateLocked(to)
	c.mu.Unlock()
	notify()
}

// setStateLocked must be called with c.mu held; the returned func notifies
// listeners and must be called after c.mu is released.
func (c *Client) setStateLocked(to models.ConnectionState) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	observability.SetTransportState(string(to))
	listeners := append([]StateListener(nil), c.listeners...)
	return func() {
		log.Printf("transport: state %s -> %s", from, to)
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

var _ Channel = (*Client)(nil)
