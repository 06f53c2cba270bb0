package transport

import (
	"context"
	"errors"
	"log"
	"sync"
)

var errBrokerDropped = errors.New("broker dropped connection")

// MemoryBroker is an in-process broker used for local development and
// tests. Every link it hands out sees frames published on topics it is bound to,
// including its own publishes, like a broker topic fan-out.
type MemoryBroker struct {
	mu             sync.Mutex
	links          map[*memoryLink]struct{}
	dialErr        error
	muteHeartbeats bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{links: make(map[*memoryLink]struct{})}
}

// Dial implements Dialer.
func (b *MemoryBroker) Dial(ctx context.Context, token string) (Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	l := &memoryLink{
		broker:     b,
		topics:     make(map[string]bool),
		deliveries: make(chan Delivery, 256),
		done:       make(chan struct{}),
	}
	b.links[l] = struct{}{}
	return l, nil
}

// FailDials makes subsequent dials fail with err; nil restores them.
func (b *MemoryBroker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// MuteHeartbeats stops acknowledging heartbeats.
func (b *MemoryBroker) MuteHeartbeats(mute bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muteHeartbeats = mute
}

// DropAll fails every open link.
func (b *MemoryBroker) DropAll() {
	b.mu.Lock()
	links := make([]*memoryLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()
	for _, l := range links {
		l.fail(errBrokerDropped)
	}
}

func (b *MemoryBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	targets := make([]*memoryLink, 0, len(b.links))
	for l := range b.links {
		if l.bound(topic) {
			targets = append(targets, l)
		}
	}
	b.mu.Unlock()
	for _, l := range targets {
		l.push(Delivery{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
}

func (b *MemoryBroker) remove(l *memoryLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, l)
}

type memoryLink struct {
	broker     *MemoryBroker
	mu         sync.Mutex
	topics     map[string]bool
	deliveries chan Delivery
	done       chan struct{}
	once       sync.Once
	err        error
}

func (l *memoryLink) bound(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.topics[topic]
}

func (l *memoryLink) Subscribe(topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.topics[topic] = true
	return nil
}

func (l *memoryLink) Unsubscribe(topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.topics, topic)
	return nil
}

func (l *memoryLink) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-l.done:
		return l.Err()
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.broker.route(topic, payload)
	return nil
}

func (l *memoryLink) Heartbeat(ctx context.Context) error {
	l.broker.mu.Lock()
	muted := l.broker.muteHeartbeats
	l.broker.mu.Unlock()
	if muted {
		return nil
	}
	l.push(Delivery{Heartbeat: true})
	return nil
}

func (l *memoryLink) push(d Delivery) {
	select {
	case <-l.done:
	case l.deliveries <- d:
	default:
		log.Printf("memory broker: delivery buffer full, dropping topic=%s", d.Topic)
	}
}

func (l *memoryLink) Deliveries() <-chan Delivery { return l.deliveries }

func (l *memoryLink) Done() <-chan struct{} { return l.done }

func (l *memoryLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *memoryLink) Close() error {
	l.fail(errLinkClosed)
	return nil
}

func (l *memoryLink) fail(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.broker.remove(l)
		close(l.done)
	})
}
