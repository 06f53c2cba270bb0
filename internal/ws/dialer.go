package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-session/internal/transport"
)

var (
	ErrUnauthorized = errors.New("broker rejected token")
	errLinkClosed   = errors.New("websocket link closed")
)

// Dialer opens websocket links to the broker endpoint.
type Dialer struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	dialer       *websocket.Dialer
}

// NewDialer returns a Dialer for the broker at url (ws:// or wss://).
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL:          url,
		WriteTimeout: writeWait,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Link, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, d.URL)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	l := &link{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		deliveries:   make(chan transport.Delivery, 64),
		done:         make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

type link struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	deliveries   chan transport.Delivery
	done         chan struct{}
	once         sync.Once
	mu           sync.Mutex
	err          error
}

func (l *link) Subscribe(topic string) error {
	return l.write(context.Background(), Envelope{Op: OpSubscribe, Topic: topic})
}

func (l *link) Unsubscribe(topic string) error {
	return l.write(context.Background(), Envelope{Op: OpUnsubscribe, Topic: topic})
}

func (l *link) Publish(ctx context.Context, topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("publish %s: payload is not JSON", topic)
	}
	return l.write(ctx, Envelope{Op: OpPublish, Topic: topic, Body: payload})
}

func (l *link) Heartbeat(ctx context.Context) error {
	return l.write(ctx, Envelope{Op: OpPing})
}

func (l *link) Deliveries() <-chan transport.Delivery { return l.deliveries }

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) Close() error {
	var err error
	l.once.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
		close(l.done)
	})
	return err
}

func (l *link) write(ctx context.Context, env Envelope) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket %s: %w", env.Op, err)
	}
	return nil
}

func (l *link) readLoop() {
	for {
		var env Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			l.fail(err)
			return
		}
		var d transport.Delivery
		switch env.Op {
		case OpDeliver:
			d = transport.Delivery{Topic: env.Topic, Payload: env.Body}
		case OpPong:
			d = transport.Delivery{Heartbeat: true}
		case OpError:
			log.Printf("ws: broker error topic=%s: %s", env.Topic, env.Error)
			continue
		default:
			continue
		}
		select {
		case l.deliveries <- d:
		case <-l.done:
			return
		}
	}
}

func (l *link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.once.Do(func() {
		_ = l.conn.Close()
		close(l.done)
	})
}

var _ transport.Dialer = (*Dialer)(nil)
