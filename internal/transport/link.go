package transport

import "context"

// Delivery is one inbound frame read from a broker link.
type Delivery struct {
	Topic   string
	Payload []byte
	// Heartbeat marks liveness acknowledgements that carry no payload.
	Heartbeat bool
}

// Link is a single physical connection to a broker. A Link is never reused
// after it fails; the Channel dials a new one.
type Link interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Heartbeat(ctx context.Context) error
	Deliveries() <-chan Delivery
	// Done is closed once the link has failed or been closed.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens links to a broker on behalf of an identity token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Link, error)
}
