package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher declares topology and publishes messages on pooled channels.
// It never retries: a failed or refused publish is reported to the caller.
type Publisher struct {
	pool           *ChannelPool
	confirmMode    bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode waits for a broker confirm on every publish
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish declares t and publishes msg to t.Exchange under t.RoutingKey.
//
// accepted is false when the broker is applying back-pressure: the
// connection is blocked by a resource alarm (nothing is sent) or, in confirm
// mode, the broker nacked the message. Transport failures are returned as
// errors matching ErrTransport; topology conflicts match ErrTopologyConflict.
func (p *Publisher) Publish(ctx context.Context, t Topology, msg amqp.Publishing) (accepted bool, err error) {
	if p.pool.IsBlocked() {
		p.logger.Warn("publish refused, connection blocked by broker",
			"exchange", t.Exchange,
			"routingKey", t.RoutingKey,
			"messageId", msg.MessageId)
		return false, nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err = p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := DeclareTopology(ch, t); err != nil {
			return err
		}

		var confirms <-chan amqp.Confirmation
		if p.confirmMode {
			var err error
			if confirms, err = ch.EnableConfirms(); err != nil {
				return p.publishError(t, err)
			}
		}

		if err := ch.PublishWithContext(ctx, t.Exchange, t.RoutingKey, false, false, msg); err != nil {
			return p.publishError(t, err)
		}

		if !p.confirmMode {
			accepted = true
			return nil
		}

		timer := time.NewTimer(p.confirmTimeout)
		defer timer.Stop()

		select {
		case confirm, ok := <-confirms:
			if !ok {
				return p.publishError(t, ErrChannelClosed)
			}
			accepted = confirm.Ack
			return nil
		case <-timer.C:
			// A late confirm would be read by the next publish; drop the channel
			ch.Close()
			return p.publishError(t, ErrPublishTimeout)
		case <-ctx.Done():
			ch.Close()
			return p.publishError(t, ctx.Err())
		}
	})
	if err != nil {
		return false, err
	}

	if !accepted {
		p.logger.Warn("broker refused message", "exchange", t.Exchange, "messageId", msg.MessageId)
	}
	return accepted, nil
}

func (p *Publisher) publishError(t Topology, err error) error {
	return &PublishError{
		Exchange:   t.Exchange,
		RoutingKey: t.RoutingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
