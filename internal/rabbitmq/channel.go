package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by this package.
// *amqp.Channel satisfies it; tests substitute an in-memory broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// ChannelOpener opens new channels on a live connection
type ChannelOpener interface {
	OpenChannel() (Channel, error)
}

// FlowController reports whether the broker has blocked publishing on the connection
type FlowController interface {
	IsBlocked() bool
}

// StateNotifier reports connection state changes to listeners.
// *ConnectionManager implements it.
type StateNotifier interface {
	AddStateListener(listener ConnectionStateListener)
	RemoveStateListener(listener ConnectionStateListener)
}

var (
	_ Channel       = (*amqp.Channel)(nil)
	_ StateNotifier = (*ConnectionManager)(nil)
)
