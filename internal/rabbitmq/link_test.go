package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-session/internal/transport"
)

// Requires a running RabbitMQ; set CHAT_TEST_AMQP_URL to enable.
func TestLinkRoundTrip(t *testing.T) {
	url := os.Getenv("CHAT_TEST_AMQP_URL")
	if url == "" {
		t.Skip("CHAT_TEST_AMQP_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := NewDialer(url, "chat.test")
	a, err := d.Dial(ctx, "token-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := d.Dial(ctx, "token-b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Subscribe("rooms.it"))
	require.NoError(t, b.Publish(ctx, "rooms.it", []byte(`{"type":"message"}`)))
	require.NoError(t, a.Heartbeat(ctx))

	var got []transport.Delivery
	for len(got) < 2 {
		select {
		case d := <-a.Deliveries():
			got = append(got, d)
		case <-ctx.Done():
			t.Fatal("timed out waiting for deliveries")
		}
	}
	var topics []string
	heartbeats := 0
	for _, d := range got {
		if d.Heartbeat {
			heartbeats++
			continue
		}
		topics = append(topics, d.Topic)
	}
	assert.Equal(t, 1, heartbeats)
	assert.Equal(t, []string{"rooms.it"}, topics)

	require.NoError(t, a.Unsubscribe("rooms.it"))
	require.NoError(t, a.Close())
	<-a.Done()
}
