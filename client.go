// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/health"
	"github.com/glimte/mailqueue/internal/api"
	"github.com/glimte/mailqueue/internal/config"
	"github.com/glimte/mailqueue/internal/notify"
	"github.com/glimte/mailqueue/internal/rabbitmq"
	"github.com/glimte/mailqueue/internal/reliability"
	"github.com/glimte/mailqueue/internal/results"
	"github.com/glimte/mailqueue/internal/worker"
)

// Client provides the main entry point for mailqueue. It owns the broker
// connection, the publisher channel pool and the result store, and closes
// them in that order.
type Client struct {
	conn      *rabbitmq.ConnectionManager
	opener    rabbitmq.ChannelOpener
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	service   *notify.Service
	store     results.Store
	health    *health.Registry
	cfg       *clientConfig
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the broker named in cfg, retrying per cfg.ConnectPolicy,
// opens the configured result store and returns a client owning both
func Dial(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	logger := slog.Default()
	early := &clientConfig{logger: logger}
	for _, opt := range options {
		opt(early)
	}

	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL,
		rabbitmq.WithLogger(early.logger),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
	)
	err := reliability.Retry(ctx, cfg.ConnectPolicy(), func() error {
		err := conn.Connect(ctx)
		if err == nil {
			return nil
		}
		if !rabbitmq.IsRetryable(err) {
			return reliability.RetryableError{Err: err, Retryable: false}
		}
		early.logger.Warn("broker not reachable", "url", rabbitmq.SanitizeURL(cfg.RabbitMQ.URL), "error", err)
		return err
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	store, err := results.Open(ctx, cfg.ResultsOptions())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}

	base := []ClientOption{
		WithTopology(cfg.Topology()),
		WithPrefetchCount(cfg.Worker.PrefetchCount),
		WithWorkDelay(cfg.Worker.WorkDelay),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithPublisherConfirms(cfg.RabbitMQ.PublisherConfirms, cfg.RabbitMQ.ConfirmTimeout),
		WithPoolSize(cfg.RabbitMQ.ChannelPoolSize),
		withConnection(conn),
	}

	client, err := New(conn, store, append(base, options...)...)
	if err != nil {
		store.Close()
		conn.Close()
		return nil, err
	}
	return client, nil
}

// New builds a client on an existing channel opener and store. The client
// closes the store; the opener is closed only when it came from Dial.
func New(opener rabbitmq.ChannelOpener, store results.Store, options ...ClientOption) (*Client, error) {
	if opener == nil {
		return nil, errors.New("mailqueue: channel opener is required")
	}
	if store == nil {
		return nil, errors.New("mailqueue: result store is required")
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		topology:       rabbitmq.DefaultTopology(),
		prefetchCount:  5,
		workDelay:      worker.DefaultLatency,
		retryPolicy:    reliability.Unlimited{},
		confirmTimeout: 5 * time.Second,
		poolSize:       10,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if err := cfg.topology.Validate(); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(opener,
		rabbitmq.WithMaxSize(cfg.poolSize),
		rabbitmq.WithMinSize(0),
		rabbitmq.WithPoolLogger(cfg.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	publisher := rabbitmq.NewPublisher(pool,
		rabbitmq.WithConfirmMode(cfg.confirms),
		rabbitmq.WithConfirmTimeout(cfg.confirmTimeout),
		rabbitmq.WithPublisherLogger(cfg.logger),
	)

	service := notify.NewService(publisher,
		notify.WithTopology(cfg.topology),
		notify.WithLogger(cfg.logger),
	)

	registry := health.NewRegistry(
		health.WithMetadata("exchange", cfg.topology.Exchange),
		health.WithMetadata("queue", cfg.topology.Queue),
	)
	if conn, ok := opener.(health.Connection); ok {
		registry.Register(health.NewBrokerChecker(conn))
	}
	registry.Register(health.NewChannelPoolChecker(pool))
	registry.Register(health.NewStoreChecker(store))

	return &Client{
		conn:      cfg.conn,
		opener:    opener,
		pool:      pool,
		publisher: publisher,
		service:   service,
		store:     store,
		health:    registry,
		cfg:       cfg,
	}, nil
}

// Enqueue publishes one email request. See notify.Service.Enqueue.
func (c *Client) Enqueue(ctx context.Context, to, subject, body string) (notify.Receipt, error) {
	return c.service.Enqueue(ctx, to, subject, body)
}

// Results returns every stored result record, oldest first
func (c *Client) Results(ctx context.Context) ([]contracts.ResultRecord, error) {
	return c.store.List(ctx)
}

// NewWorker returns a worker consuming the client's topology into its store.
// The worker opens its own channel; run it with Run.
func (c *Client) NewWorker(options ...worker.Option) *worker.Worker {
	base := []worker.Option{
		worker.WithTopology(c.cfg.topology),
		worker.WithPrefetchCount(c.cfg.prefetchCount),
		worker.WithSender(worker.SimulatedSender{Latency: c.cfg.workDelay}),
		worker.WithRetryPolicy(c.cfg.retryPolicy),
		worker.WithLogger(c.cfg.logger),
	}
	return worker.New(c.opener, c.store, append(base, options...)...)
}

// Router returns the HTTP API serving this client's publisher, store and health checks
func (c *Client) Router(options ...api.Option) *api.Router {
	base := []api.Option{
		api.WithResults(c.store),
		api.WithHealth(c.health),
		api.WithLogger(c.cfg.logger),
	}
	return api.NewRouter(c.service, append(base, options...)...)
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Topology returns the exchange, queue and routing key in use
func (c *Client) Topology() rabbitmq.Topology {
	return c.cfg.topology
}

// DeclareTopology declares the exchange, queue and binding up front
func (c *Client) DeclareTopology(ctx context.Context) error {
	return rabbitmq.NewTopologyManager(c.pool).Declare(ctx, c.cfg.topology)
}

// Close releases the publisher channels, then the connection, then the
// store. Workers must be stopped (their context cancelled) first. Safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel pool: %w", err))
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close result store: %w", err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	topology       rabbitmq.Topology
	prefetchCount  int
	workDelay      time.Duration
	retryPolicy    reliability.RetryPolicy
	confirms       bool
	confirmTimeout time.Duration
	poolSize       int
	conn           *rabbitmq.ConnectionManager
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTopology sets the exchange, queue, routing key and dead letter queue
func WithTopology(t rabbitmq.Topology) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topology = t
	}
}

// WithPrefetchCount sets the worker prefetch
func WithPrefetchCount(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = n
	}
}

// WithWorkDelay sets the simulated send latency
func WithWorkDelay(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.workDelay = d
	}
}

// WithRetryPolicy sets the worker's requeue policy
func WithRetryPolicy(p reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = p
	}
}

// WithPublisherConfirms waits for broker confirms on every publish
func WithPublisherConfirms(enabled bool, timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirms = enabled
		if timeout > 0 {
			cfg.confirmTimeout = timeout
		}
	}
}

// WithPoolSize caps the number of publisher channels
func WithPoolSize(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolSize = n
	}
}

func withConnection(conn *rabbitmq.ConnectionManager) ClientOption {
	return func(cfg *clientConfig) {
		cfg.conn = conn
	}
}
