// Package notify publishes "send email" requests to the broker.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends one message to the topology's exchange.
// *rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, t rabbitmq.Topology, msg amqp.Publishing) (bool, error)
}

// Receipt is the outcome of an accepted request. Accepted is false when the
// broker pushed back; the envelope was built but may not have been queued.
type Receipt struct {
	Accepted bool               `json:"ok"`
	Envelope contracts.Envelope `json:"enqueued"`
}

// Service validates requests and publishes them as email envelopes
type Service struct {
	publisher Publisher
	topology  rabbitmq.Topology
	logger    *slog.Logger
}

// Option configures the service
type Option func(*Service)

// WithTopology overrides the default exchange, queue and routing key
func WithTopology(t rabbitmq.Topology) Option {
	return func(s *Service) {
		s.topology = t
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a publisher service
func NewService(publisher Publisher, options ...Option) *Service {
	s := &Service{
		publisher: publisher,
		topology:  rabbitmq.DefaultTopology(),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Topology returns the topology the service publishes to
func (s *Service) Topology() rabbitmq.Topology {
	return s.topology
}

// Enqueue validates the request and publishes it as a persistent email envelope.
//
// Missing fields return *contracts.ValidationError without touching the
// broker. Transport failures match rabbitmq.ErrTransport and topology
// conflicts rabbitmq.ErrTopologyConflict. Back-pressure is not an error: the
// receipt comes back with Accepted false and the request is not retried.
func (s *Service) Enqueue(ctx context.Context, to, subject, body string) (Receipt, error) {
	if err := contracts.ValidateEmailRequest(to, subject, body); err != nil {
		return Receipt{}, err
	}

	env := contracts.NewEmailEnvelope(to, subject, body)
	payload, err := env.Marshal()
	if err != nil {
		return Receipt{}, fmt.Errorf("encode envelope: %w", err)
	}

	accepted, err := s.publisher.Publish(ctx, s.topology, amqp.Publishing{
		ContentType:  contracts.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Kind,
		Timestamp:    env.CreatedAt,
		Body:         payload,
	})
	if err != nil {
		s.logger.Error("failed to enqueue email", "id", env.ID, "error", err)
		return Receipt{}, fmt.Errorf("enqueue %s: %w", env.ID, err)
	}

	if accepted {
		s.logger.Info("email enqueued", "id", env.ID, "to", env.To)
	} else {
		s.logger.Warn("email not accepted by broker", "id", env.ID, "to", env.To)
	}

	return Receipt{Accepted: accepted, Envelope: env}, nil
}
