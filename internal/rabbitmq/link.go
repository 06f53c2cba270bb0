package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat-session/internal/transport"
)

const defaultDialTimeout = 10 * time.Second

var errLinkClosed = errors.New("amqp link closed")

// Dialer connects sessions to a RabbitMQ topic exchange. Each link owns an
// exclusive auto-delete queue; subscribing a topic binds it as routing key.
type Dialer struct {
	URL      string
	Exchange string
}

func NewDialer(url, exchange string) *Dialer {
	return &Dialer{URL: url, Exchange: exchange}
}

// Dial implements transport.Dialer. The token is attached as a connection
// property so broker-side plugins can authorize the session.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Link, error) {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Dial: amqp.DefaultDial(timeout),
		Properties: amqp.Table{
			"connection_name": "chat-session",
			"session_token":   token,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	l, err := open(conn, d.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

func open(conn *amqp.Connection, exchange string) (*link, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare session queue: %w", err)
	}
	hbKey := "heartbeat." + q.Name
	if err := ch.QueueBind(q.Name, hbKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind heartbeat: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	l := &link{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		queue:      q.Name,
		hbKey:      hbKey,
		deliveries: make(chan transport.Delivery, 64),
		done:       make(chan struct{}),
	}
	go l.pump(msgs)
	go l.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return l, nil
}

type link struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	queue      string
	hbKey      string
	deliveries chan transport.Delivery
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
}

func (l *link) Subscribe(topic string) error {
	if err := l.ch.QueueBind(l.queue, topic, l.exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", topic, err)
	}
	return nil
}

func (l *link) Unsubscribe(topic string) error {
	if err := l.ch.QueueUnbind(l.queue, topic, l.exchange, nil); err != nil {
		return fmt.Errorf("unbind %s: %w", topic, err)
	}
	return nil
}

func (l *link) Publish(ctx context.Context, topic string, payload []byte) error {
	return l.ch.PublishWithContext(ctx, l.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

// Heartbeat publishes to the link's own heartbeat key; its arrival on the
// session queue proves the round trip through the exchange.
func (l *link) Heartbeat(ctx context.Context) error {
	return l.ch.PublishWithContext(ctx, l.exchange, l.hbKey, false, false, amqp.Publishing{
		Timestamp: time.Now(),
	})
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
		close(l.done)
		_ = l.ch.Close()
		err = l.conn.Close()
	})
	return err
}

func (l *link) pump(msgs <-chan amqp.Delivery) {
	for m := range msgs {
		d := transport.Delivery{Topic: m.RoutingKey, Payload: m.Body}
		if m.RoutingKey == l.hbKey {
			d = transport.Delivery{Heartbeat: true}
		}
		select {
		case l.deliveries <- d:
		case <-l.done:
			return
		}
	}
	l.fail(errLinkClosed)
}

func (l *link) watch(connClosed, chClosed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	case <-l.done:
		return
	}
	if amqpErr != nil {
		l.fail(amqpErr)
		return
	}
	l.fail(errLinkClosed)
}

func (l *link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.once.Do(func() {
		close(l.done)
		_ = l.ch.Close()
		_ = l.conn.Close()
	})
}

var _ transport.Dialer = (*Dialer)(nil)
