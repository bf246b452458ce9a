package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKindDirect is the only exchange kind used for email routing
const ExchangeKindDirect = "direct"

// Default names shared by every participant
const (
	DefaultExchange   = "notifications"
	DefaultQueue      = "email_notifications"
	DefaultRoutingKey = "email"
)

// DeadLetterTopology routes rejected deliveries to a parking queue
type DeadLetterTopology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Topology is the exchange, queue and binding every publisher and consumer
// declares. Exchange and queue are always durable; the exchange is direct.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
	DeadLetter *DeadLetterTopology
}

// DefaultTopology returns notifications -> email_notifications bound under "email"
func DefaultTopology() Topology {
	return Topology{
		Exchange:   DefaultExchange,
		Queue:      DefaultQueue,
		RoutingKey: DefaultRoutingKey,
	}
}

// WithDeadLetterQueue returns a copy of t that dead-letters into queue
// through a "<exchange>.dlx" exchange
func (t Topology) WithDeadLetterQueue(queue string) Topology {
	if queue == "" {
		t.DeadLetter = nil
		return t
	}
	t.DeadLetter = &DeadLetterTopology{
		Exchange:   t.Exchange + ".dlx",
		Queue:      queue,
		RoutingKey: queue,
	}
	return t
}

// Validate checks that every name is set
func (t Topology) Validate() error {
	if t.Exchange == "" || t.Queue == "" || t.RoutingKey == "" {
		return fmt.Errorf("%w: exchange, queue and routing key are required", ErrInvalidConfiguration)
	}
	if dl := t.DeadLetter; dl != nil && (dl.Exchange == "" || dl.Queue == "") {
		return fmt.Errorf("%w: dead letter exchange and queue are required", ErrInvalidConfiguration)
	}
	return nil
}

// queueArguments are part of the queue's identity on the broker
func (t Topology) queueArguments() amqp.Table {
	if t.DeadLetter == nil {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetter.Exchange,
		"x-dead-letter-routing-key": t.DeadLetter.RoutingKey,
	}
}

// DeclareTopology declares the exchange, the queue and the binding on ch.
// Redeclaring identical objects is a no-op on the broker. A redeclaration
// with different parameters returns a TopologyError matching
// ErrTopologyConflict, after which ch is closed and must be discarded.
func DeclareTopology(ch Channel, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if dl := t.DeadLetter; dl != nil {
		if err := declareExchange(ch, dl.Exchange); err != nil {
			return err
		}
		if err := declareQueue(ch, dl.Queue, nil); err != nil {
			return err
		}
		if err := bindQueue(ch, dl.Queue, dl.Exchange, dl.RoutingKey); err != nil {
			return err
		}
	}

	if err := declareExchange(ch, t.Exchange); err != nil {
		return err
	}
	if err := declareQueue(ch, t.Queue, t.queueArguments()); err != nil {
		return err
	}
	return bindQueue(ch, t.Queue, t.Exchange, t.RoutingKey)
}

// TopologyManager declares topology on pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares t on a pooled channel. A channel closed by a conflict is
// dropped from the pool when it is returned.
func (tm *TopologyManager) Declare(ctx context.Context, t Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		return DeclareTopology(ch, t)
	})
}

func declareExchange(ch Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		ExchangeKindDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	return topologyError("exchange", name, "declare", err)
}

func declareQueue(ch Channel, name string, args amqp.Table) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	return topologyError("queue", name, "declare", err)
}

func bindQueue(ch Channel, queue, exchange, key string) error {
	err := ch.QueueBind(queue, key, exchange, false, nil)
	return topologyError("binding", fmt.Sprintf("%s->%s[%s]", exchange, queue, key), "bind", err)
}

func topologyError(component, name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Conflict:  isPreconditionFailed(err),
		Err:       err,
		Timestamp: time.Now(),
	}
}
