// Package worker consumes email envelopes, sends them and records the result.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/internal/rabbitmq"
	"github.com/glimte/mailqueue/internal/reliability"
	"github.com/glimte/mailqueue/internal/results"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Processing stages reported in contracts.ProcessingError
const (
	StageDecode = "decode"
	StageSend   = "send"
	StageAppend = "append"
)

// Stats counts delivery outcomes since the worker was created
type Stats struct {
	Received int64 `json:"received"`
	Acked    int64 `json:"acked"`
	Requeued int64 `json:"requeued"`
	Dropped  int64 `json:"dropped"`
	InFlight int64 `json:"inFlight"`
	// Resubscribes counts how often the consumer was restarted after the
	// broker dropped it
	Resubscribes int64 `json:"resubscribes"`
}

// Worker runs the per-delivery state machine
// Received -> Processing -> Acked | NackedRequeue | NackedDrop.
type Worker struct {
	opener          rabbitmq.ChannelOpener
	store           results.Store
	topology        rabbitmq.Topology
	prefetchCount   int
	shutdownTimeout time.Duration
	resubscribe     time.Duration
	sender          Sender
	policy          reliability.RetryPolicy
	attempts        *reliability.AttemptTracker
	now             func() time.Time
	logger          *slog.Logger

	received atomic.Int64
	acked    atomic.Int64
	requeued atomic.Int64
	dropped  atomic.Int64
	inFlight atomic.Int64
	restarts atomic.Int64
}

// Option configures the worker
type Option func(*Worker)

// WithTopology overrides the default exchange, queue and routing key
func WithTopology(t rabbitmq.Topology) Option {
	return func(w *Worker) {
		w.topology = t
	}
}

// WithPrefetchCount sets how many unacknowledged deliveries the worker holds
func WithPrefetchCount(n int) Option {
	return func(w *Worker) {
		w.prefetchCount = n
	}
}

// WithShutdownTimeout bounds how long in-flight deliveries may finish after Run's context ends
func WithShutdownTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.shutdownTimeout = d
	}
}

// WithResubscribeDelay sets how long Run waits before subscribing again
// after the broker dropped the consumer. A reconnect reported by the
// connection cuts the wait short.
func WithResubscribeDelay(d time.Duration) Option {
	return func(w *Worker) {
		w.resubscribe = d
	}
}

// WithSender replaces the simulated sender
func WithSender(s Sender) Option {
	return func(w *Worker) {
		w.sender = s
	}
}

// WithRetryPolicy decides between requeue and drop after a failure.
// The default requeues forever.
func WithRetryPolicy(p reliability.RetryPolicy) Option {
	return func(w *Worker) {
		w.policy = p
	}
}

// WithClock sets the time source for processedAt
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a worker that consumes through opener and appends to store
func New(opener rabbitmq.ChannelOpener, store results.Store, options ...Option) *Worker {
	w := &Worker{
		opener:          opener,
		store:           store,
		topology:        rabbitmq.DefaultTopology(),
		prefetchCount:   5,
		shutdownTimeout: 5 * time.Second,
		resubscribe:     2 * time.Second,
		sender:          SimulatedSender{Latency: DefaultLatency},
		policy:          reliability.Unlimited{},
		attempts:        reliability.NewAttemptTracker(),
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled (returns nil). The consume channel
// is closed before Run returns, so unacknowledged deliveries go back to the
// queue.
//
// When the broker drops the consumer (an error matching
// rabbitmq.ErrTransport), Run subscribes again once the connection reports
// OnConnected or the resubscribe delay passes, whichever comes first.
// Other errors, such as a topology conflict, end Run.
func (w *Worker) Run(ctx context.Context) error {
	consumer := rabbitmq.NewConsumer(w.opener, w.topology,
		rabbitmq.WithPrefetchCount(w.prefetchCount),
		rabbitmq.WithShutdownTimeout(w.shutdownTimeout),
		rabbitmq.WithConsumerLogger(w.logger),
	)

	reconnected := make(chan struct{}, 1)
	if notifier, ok := w.opener.(rabbitmq.StateNotifier); ok {
		listener := &reconnectListener{reconnected: reconnected, logger: w.logger}
		notifier.AddStateListener(listener)
		defer notifier.RemoveStateListener(listener)
	}

	w.logger.Info("worker started, waiting for messages",
		"queue", w.topology.Queue,
		"prefetch", w.prefetchCount)

	for {
		err := consumer.Consume(ctx, w.Handle)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !rabbitmq.IsTransportError(err) {
			return err
		}

		w.logger.Warn("consumer dropped, waiting to resubscribe",
			"queue", w.topology.Queue,
			"delay", w.resubscribe,
			"error", err)

		timer := time.NewTimer(w.resubscribe)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-reconnected:
			timer.Stop()
		case <-timer.C:
		}
		w.restarts.Add(1)
	}
}

// reconnectListener wakes Run when the connection comes back
type reconnectListener struct {
	reconnected chan struct{}
	logger      *slog.Logger
}

func (l *reconnectListener) OnConnected() {
	select {
	case l.reconnected <- struct{}{}:
	default:
	}
}

func (l *reconnectListener) OnDisconnected(err error) {
	l.logger.Warn("broker connection lost", "error", err)
}

func (l *reconnectListener) OnReconnecting(attempt int) {
	l.logger.Debug("waiting for broker connection", "attempt", attempt)
}

// Stats returns a snapshot of the delivery counters
func (w *Worker) Stats() Stats {
	return Stats{
		Received: w.received.Load(),
		Acked:    w.acked.Load(),
		Requeued: w.requeued.Load(),
		Dropped:  w.dropped.Load(),
		InFlight: w.inFlight.Load(),

		Resubscribes: w.restarts.Load(),
	}
}

// Handle processes one delivery. nil acks it; otherwise the returned
// rabbitmq.Rejection carries the requeue decision.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) error {
	w.received.Add(1)
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	env, err := w.process(ctx, d)
	if err == nil {
		w.attempts.Forget(env.ID)
		w.acked.Add(1)
		return nil
	}

	return w.reject(ctx, d, env.ID, err)
}

func (w *Worker) process(ctx context.Context, d amqp.Delivery) (contracts.Envelope, error) {
	env, err := contracts.DecodeEnvelope(d.Body)
	if err != nil {
		return env, &contracts.ProcessingError{Stage: StageDecode, MessageID: d.MessageId, Err: err}
	}

	w.logger.Info("processing email",
		"id", env.ID,
		"to", env.To,
		"subject", env.Subject,
		"redelivered", d.Redelivered)

	if err := w.sender.Send(ctx, env); err != nil {
		return env, &contracts.ProcessingError{Stage: StageSend, MessageID: env.ID, Err: err}
	}

	record := contracts.NewSentRecord(env, w.now())
	if err := w.store.Append(ctx, record); err != nil {
		return env, &contracts.ProcessingError{Stage: StageAppend, MessageID: env.ID, Err: err}
	}

	return env, nil
}

// reject asks the retry policy whether the delivery goes back to the queue
func (w *Worker) reject(ctx context.Context, d amqp.Delivery, id string, err error) error {
	if id == "" {
		id = d.MessageId
	}

	failures := 1
	if id != "" {
		failures = w.attempts.Failed(id)
	}

	retry, delay := w.policy.ShouldRetry(failures-1, err)
	if !retry {
		if id != "" {
			w.attempts.Forget(id)
		}
		w.dropped.Add(1)
		w.logger.Error("processing failed, giving up",
			"id", id,
			"attempts", failures,
			"error", err)
		return rabbitmq.Discard(err)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	w.requeued.Add(1)
	w.logger.Warn("processing failed, requeueing",
		"id", id,
		"attempts", failures,
		"error", err)
	return rabbitmq.Requeue(err)
}
