package health

import (
	"context"

	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/internal/rabbitmq"
	"github.com/glimte/mailqueue/internal/results"
)

// Connection is the view of the broker connection the checks need.
// *rabbitmq.ConnectionManager implements it.
type Connection interface {
	IsConnected() bool
	IsBlocked() bool
}

// BrokerChecker reports the broker connection state. A blocked connection
// is degraded: publishes are refused but the worker keeps consuming.
type BrokerChecker struct {
	conn Connection
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(conn Connection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(context.Context) CheckResult {
	connected := c.conn.IsConnected()
	blocked := c.conn.IsBlocked()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "Connection is healthy",
		Details: map[string]any{"connected": connected, "blocked": blocked},
	}

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
	case blocked:
		result.Status = StatusDegraded
		result.Message = "Broker is blocking publishes"
	}
	return result
}

// ChannelPoolChecker checks that a channel can be taken from the pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "Failed to get channel from pool",
			Error:   err.Error(),
		}
	}
	c.pool.Put(ch)

	return CheckResult{
		Status:  StatusHealthy,
		Message: "Channel pool is healthy",
		Details: map[string]any{"pool_size": c.pool.Size()},
	}
}

// StoreChecker checks the result store. Stores that implement
// results.Pinger are pinged; the file store is listed.
type StoreChecker struct {
	store results.Store
}

// NewStoreChecker creates a result store checker
func NewStoreChecker(store results.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "results_store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: make(map[string]any)}

	var err error
	if p, ok := c.store.(results.Pinger); ok {
		err = p.Ping(ctx)
	} else {
		var records []contracts.ResultRecord
		records, err = c.store.List(ctx)
		result.Details["records"] = len(records)
	}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Result store is not readable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Result store is healthy"
	}
	return result
}
