package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/internal/rabbitmq"
	"github.com/glimte/mailqueue/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mailqueue/internal/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerChecker(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	checker := NewBrokerChecker(broker)
	assert.Equal(t, "rabbitmq", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, true, result.Details["connected"])

	broker.SetBlocked(true)
	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, true, result.Details["blocked"])

	broker.SetBlocked(false)
	broker.Disconnect()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestBrokerCheckerWithConnectionManager(t *testing.T) {
	manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")

	result := NewBrokerChecker(manager).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "Not connected to broker", result.Message)
}

func TestChannelPoolChecker(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	pool, err := rabbitmq.NewChannelPool(broker, rabbitmq.WithMinSize(1))
	require.NoError(t, err)
	defer pool.Close()

	checker := NewChannelPoolChecker(pool)
	assert.Equal(t, "channel_pool", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 1, result.Details["pool_size"])

	broker.Disconnect()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

type pingStore struct {
	results.Store
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func TestStoreChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("file store is listed", func(t *testing.T) {
		store := results.NewFileStore(filepath.Join(t.TempDir(), "processed.json"))
		require.NoError(t, store.Append(ctx, contracts.ResultRecord{ID: "1", Status: contracts.StatusSent}))

		result := NewStoreChecker(store).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 1, result.Details["records"])
	})

	t.Run("closed store is unhealthy", func(t *testing.T) {
		store := results.NewFileStore(filepath.Join(t.TempDir(), "processed.json"))
		require.NoError(t, store.Close())

		result := NewStoreChecker(store).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
	})

	t.Run("network stores are pinged", func(t *testing.T) {
		result := NewStoreChecker(pingStore{err: errors.New("connection refused")}).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection refused", result.Error)

		result = NewStoreChecker(pingStore{}).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
	})
}
