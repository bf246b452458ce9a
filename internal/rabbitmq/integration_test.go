//go:build integration
// +build integration

package rabbitmq_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glimte/mailqueue/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveConnection(t *testing.T) *rabbitmq.ConnectionManager {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("TEST_RABBITMQ_URL not set")
	}

	cm := rabbitmq.NewConnectionManager(url, rabbitmq.WithReconnectDelay(500*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cm.Connect(ctx))
	t.Cleanup(func() { cm.Close() })
	return cm
}

// uniqueTopology keeps test runs from colliding with each other or with a
// deployed mailqueue
func uniqueTopology() rabbitmq.Topology {
	suffix := uuid.New().String()[:8]
	return rabbitmq.Topology{
		Exchange:   "mailqueue.test." + suffix,
		Queue:      "mailqueue.test." + suffix,
		RoutingKey: "email",
	}
}

func TestLivePublishConsume(t *testing.T) {
	cm := liveConnection(t)
	topo := uniqueTopology()

	pool, err := rabbitmq.NewChannelPool(cm)
	require.NoError(t, err)
	defer pool.Close()

	publisher := rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmMode(true))
	for i := 0; i < 3; i++ {
		accepted, err := publisher.Publish(context.Background(), topo, testPublishing(uuid.New().String()))
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	received := make(chan amqp.Delivery, 3)
	ctx, cancel := context.WithCancel(context.Background())
	consumer := rabbitmq.NewConsumer(cm, topo, rabbitmq.WithPrefetchCount(2))
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, func(_ context.Context, d amqp.Delivery) error {
			received <- d
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case d := <-received:
			assert.Equal(t, "application/json", d.ContentType)
			assert.Equal(t, amqp.Persistent, d.DeliveryMode)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	cancel()
	require.NoError(t, <-done)

	// Clean up the throwaway queue and exchange
	ch, err := cm.OpenChannel()
	require.NoError(t, err)
	defer ch.Close()
	if raw, ok := ch.(*amqp.Channel); ok {
		_, _ = raw.QueueDelete(topo.Queue, false, false, false)
		_ = raw.ExchangeDelete(topo.Exchange, false, false)
	}
}

func TestLiveTopologyConflict(t *testing.T) {
	cm := liveConnection(t)
	topo := uniqueTopology()

	ch, err := cm.OpenChannel()
	require.NoError(t, err)
	require.NoError(t, rabbitmq.DeclareTopology(ch, topo))

	ch2, err := cm.OpenChannel()
	require.NoError(t, err)
	err = rabbitmq.DeclareTopology(ch2, topo.WithDeadLetterQueue(topo.Queue+".dead"))
	assert.ErrorIs(t, err, rabbitmq.ErrTopologyConflict)

	if raw, ok := ch.(*amqp.Channel); ok {
		_, _ = raw.QueueDelete(topo.Queue, false, false, false)
		_, _ = raw.QueueDelete(topo.Queue+".dead", false, false, false)
		_ = raw.ExchangeDelete(topo.Exchange, false, false)
		_ = raw.ExchangeDelete(topo.Exchange+".dlx", false, false)
	}
	ch.Close()
}
