package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. A nil error acks the delivery;
// any other error nacks it with requeue unless it wraps a Rejection that
// says otherwise.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Rejection carries the requeue decision for a failed delivery
type Rejection struct {
	Requeue bool
	Err     error
}

func (r *Rejection) Error() string {
	if r.Requeue {
		return fmt.Sprintf("rejected with requeue: %v", r.Err)
	}
	return fmt.Sprintf("rejected without requeue: %v", r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Requeue marks err so the delivery goes back to the queue
func Requeue(err error) error {
	return &Rejection{Requeue: true, Err: err}
}

// Discard marks err so the delivery is dropped or dead-lettered
func Discard(err error) error {
	return &Rejection{Requeue: false, Err: err}
}

// Consumer consumes one queue on a dedicated channel with a bounded prefetch
type Consumer struct {
	opener          ChannelOpener
	topology        Topology
	prefetchCount   int
	concurrency     int
	consumerTag     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the maximum number of unacknowledged deliveries
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConcurrency sets how many deliveries are processed at once.
// Defaults to the prefetch count.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithShutdownTimeout bounds how long in-flight deliveries may run after
// the consume context is cancelled
func WithShutdownTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.shutdownTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer for t.Queue
func NewConsumer(opener ChannelOpener, t Topology, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		opener:          opener,
		topology:        t,
		prefetchCount:   5,
		shutdownTimeout: 5 * time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.concurrency <= 0 {
		c.concurrency = c.prefetchCount
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}

	return c
}

// PrefetchCount returns the configured prefetch count
func (c *Consumer) PrefetchCount() int {
	return c.prefetchCount
}

// Consume opens a channel, declares the topology, applies the prefetch and
// dispatches deliveries to handler until ctx is cancelled (returns nil) or
// the broker closes the delivery stream (returns an error matching
// ErrTransport). The channel is closed on return; unacknowledged deliveries
// are then returned to the queue by the broker.
func (c *Consumer) Consume(ctx context.Context, handler DeliveryHandler) error {
	queue := c.topology.Queue

	ch, err := c.opener.OpenChannel()
	if err != nil {
		return c.consumerError("open channel", c.consumerTag, err)
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("failed to close consumer channel", "queue", queue, "error", err)
		}
	}()

	if err := DeclareTopology(ch, c.topology); err != nil {
		return err
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError("qos", c.consumerTag, err)
	}

	tag := c.consumerTag
	if tag == "" {
		tag = "mailqueue-" + uuid.New().String()
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerError("consume", tag, err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"concurrency", c.concurrency,
	)

	// Handlers outlive ctx by at most shutdownTimeout
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	var wg sync.WaitGroup
	slots := make(chan struct{}, c.concurrency)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", queue, "error", err)
			}
			c.drain(&wg, cancelHandlers)
			c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue, "consumerTag", tag)
				c.drain(&wg, cancelHandlers)
				return c.consumerError("consume", tag, ErrConsumerCancelled)
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// Not started; the broker requeues it when the channel closes
				continue
			}

			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-slots }()
				c.handleDelivery(handlerCtx, d, handler)
			}(delivery)
		}
	}
}

// drain waits for in-flight handlers, cancelling them after shutdownTimeout
func (c *Consumer) drain(wg *sync.WaitGroup, cancelHandlers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("in-flight deliveries did not finish in time, cancelling",
			"timeout", c.shutdownTimeout)
		cancelHandlers()
		<-done
	}
}

// handleDelivery runs handler and settles the delivery
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler DeliveryHandler) {
	err := c.runHandler(ctx, delivery, handler)

	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message",
				"error", ackErr,
				"deliveryTag", delivery.DeliveryTag,
				"messageId", delivery.MessageId)
		}
		return
	}

	requeue := true
	var rejection *Rejection
	if errors.As(err, &rejection) {
		requeue = rejection.Requeue
	}

	c.logger.Warn("message processing failed",
		"error", err,
		"requeue", requeue,
		"redelivered", delivery.Redelivered,
		"deliveryTag", delivery.DeliveryTag,
		"messageId", delivery.MessageId)

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err,
			"deliveryTag", delivery.DeliveryTag)
	}
}

func (c *Consumer) runHandler(ctx context.Context, delivery amqp.Delivery, handler DeliveryHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in delivery handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

func (c *Consumer) consumerError(op, tag string, err error) error {
	return &ConsumerError{
		Queue:       c.topology.Queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
