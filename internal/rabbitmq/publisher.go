package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat-session/internal/observability"
)

var errNotConfirmed = errors.New("broker did not confirm publish")

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Describer is implemented by events that know how to summarize themselves
// in a log line.
type Describer interface {
	Describe() string
}

// Identified events carry an id that is sent as the AMQP message id so
// consumers can drop redeliveries.
type Identified interface {
	EventID() string
}

// NewPublisher builds a RabbitMQ publisher with publisher confirms, or a noop
// publisher when AMQP is disabled or unreachable.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		log.Printf("rabbitmq disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url"}
	}

	conn, err := amqp.DialConfig(amqpURL, amqp.Config{
		Dial:       amqp.DefaultDial(defaultDialTimeout),
		Properties: amqp.Table{"connection_name": "chat-session-moderation"},
	})
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		return noopPublisher{reason: err.Error()}
	}

	ch, err := conn.Channel()
	if err == nil {
		err = declareExchange(ch, exchange)
	}
	if err == nil {
		err = ch.Confirm(false)
	}
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		_ = conn.Close()
		return noopPublisher{reason: err.Error()}
	}

	log.Printf("rabbitmq connected exchange=%s confirms=on", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// Publish sends event and waits for the broker's confirm.
func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	p.mu.Unlock()
	if err == nil {
		var acked bool
		acked, err = confirm.WaitContext(ctx)
		if err == nil && !acked {
			err = errNotConfirmed
		}
	}
	if err != nil {
		observability.IncAMQPPublishError()
		log.Printf("rabbitmq publish failed routing_key=%s message_id=%s: %v", routingKey, msg.MessageId, err)
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

func encode(event any) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if e, ok := event.(Identified); ok {
		msg.MessageId = e.EventID()
	}
	return msg, nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	if d, ok := event.(Describer); ok {
		log.Printf("rabbitmq noop publish routing_key=%s %s", routingKey, d.Describe())
		return nil
	}
	log.Printf("rabbitmq noop publish routing_key=%s", routingKey)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
