// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Channel contract: durable direct exchanges, queues, bindings,
// prefetch-bounded dispatch, ack/nack with requeue, dead-lettering,
// publisher confirms and redeclaration conflicts.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/mailqueue/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrOpenFailed is returned by OpenChannel while the broker is down
var ErrOpenFailed = errors.New("rabbitmqtest: broker unavailable")

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	messages   []message
	consumers  []*consumer
	next       int // round-robin cursor
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	ch         *Channel
	deliveries chan amqp.Delivery
}

type binding struct {
	exchange, queue, key string
}

type unacked struct {
	queue string
	msg   message
}

// Broker is an in-memory stand-in for a RabbitMQ broker
type Broker struct {
	mu         sync.Mutex
	exchanges  map[string]exchange
	queues     map[string]*queue
	bindings   map[binding]struct{}
	channels   []*Channel
	down       bool
	blocked    bool
	nackPubs   bool
	published  int
	acked      int
	nacked     int
	requeued   int
	dropped    int
	maxUnacked int
	deliveries map[string]int // message id -> times delivered
	listeners  []rabbitmq.ConnectionStateListener
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges:  make(map[string]exchange),
		queues:     make(map[string]*queue),
		bindings:   make(map[binding]struct{}),
		deliveries: make(map[string]int),
	}
}

var (
	_ rabbitmq.ChannelOpener  = (*Broker)(nil)
	_ rabbitmq.FlowController = (*Broker)(nil)
	_ rabbitmq.Channel        = (*Channel)(nil)
)

// OpenChannel implements rabbitmq.ChannelOpener
func (b *Broker) OpenChannel() (rabbitmq.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, ErrOpenFailed
	}
	ch := &Channel{broker: b, unacked: make(map[uint64]unacked)}
	b.channels = append(b.channels, ch)
	return ch, nil
}

// IsBlocked implements rabbitmq.FlowController
func (b *Broker) IsBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// IsConnected reports whether the broker accepts new channels
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

// SetBlocked simulates connection.blocked / connection.unblocked
func (b *Broker) SetBlocked(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = blocked
}

// SetNackPublishes makes confirm-mode channels nack every publish
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPubs = nack
}

// Disconnect closes every open channel, requeueing their unacked
// deliveries, and refuses new channels until Reconnect. State listeners
// get OnDisconnected.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	channels := append([]*Channel(nil), b.channels...)
	listeners := append([]rabbitmq.ConnectionStateListener(nil), b.listeners...)
	b.down = true
	b.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	for _, l := range listeners {
		go l.OnDisconnected(amqp.ErrClosed)
	}
}

// Reconnect accepts new channels again and calls OnConnected on listeners
func (b *Broker) Reconnect() {
	b.mu.Lock()
	b.down = false
	listeners := append([]rabbitmq.ConnectionStateListener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		go l.OnConnected()
	}
}

// AddStateListener implements rabbitmq.StateNotifier
func (b *Broker) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// RemoveStateListener implements rabbitmq.StateNotifier
func (b *Broker) RemoveStateListener(listener rabbitmq.ConnectionStateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of registered state listeners
func (b *Broker) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Stats is a snapshot of broker counters
type Stats struct {
	Published  int
	Acked      int
	Nacked     int
	Requeued   int
	Dropped    int
	MaxUnacked int // highest unacked count observed on any single channel
}

// Stats returns broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:  b.published,
		Acked:      b.acked,
		Nacked:     b.nacked,
		Requeued:   b.requeued,
		Dropped:    b.dropped,
		MaxUnacked: b.maxUnacked,
	}
}

// QueueDepth returns the number of ready (undelivered) messages in name
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages across channels
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		n += len(ch.unacked)
	}
	return n
}

// DeliveryCount returns how many times a message id was delivered
func (b *Broker) DeliveryCount(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveries[messageID]
}

// HasExchange reports whether name has been declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether name has been declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Counts returns the number of exchanges, queues and bindings
func (b *Broker) Counts() (exchanges, queues, bindings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges), len(b.queues), len(b.bindings)
}

// Messages returns copies of the ready messages in name
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, len(q.messages))
	for i, m := range q.messages {
		out[i] = m.publishing
	}
	return out
}

// Publish routes a raw message as if sent by another client
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.route(exchangeName, key, msg); err != nil {
		return err
	}
	b.published++
	b.dispatch()
	return nil
}

// route enqueues msg on every queue bound to exchangeName under key.
// The empty exchange routes directly to the queue named key. Caller holds b.mu.
func (b *Broker) route(exchangeName, key string, msg amqp.Publishing) error {
	m := message{exchange: exchangeName, routingKey: key, publishing: msg}

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.messages = append(q.messages, m)
		}
		return nil
	}

	if _, ok := b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	for bnd := range b.bindings {
		if bnd.exchange == exchangeName && bnd.key == key {
			if q, ok := b.queues[bnd.queue]; ok {
				q.messages = append(q.messages, m)
			}
		}
	}
	return nil
}

// dispatch hands ready messages to consumers with free prefetch capacity.
// Caller holds b.mu.
func (b *Broker) dispatch() {
	for _, q := range b.queues {
		for len(q.messages) > 0 {
			c := q.pickConsumer()
			if c == nil {
				break
			}
			m := q.messages[0]
			q.messages = q.messages[1:]
			c.ch.deliver(c, q.name, m)
		}
	}
}

func (q *queue) pickConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.ch.hasCapacity() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

// settle removes tag from ch and requeues or dead-letters it. Caller holds b.mu.
func (b *Broker) settle(ch *Channel, tag uint64, ack, requeue bool) error {
	u, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)

	switch {
	case ack:
		b.acked++
	case requeue:
		b.nacked++
		b.requeued++
		if q, ok := b.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.messages = append(q.messages, u.msg)
		}
	default:
		b.nacked++
		b.dropped++
		b.deadLetter(u)
	}

	b.dispatch()
	return nil
}

// deadLetter republishes a rejected message through the queue's
// x-dead-letter-exchange, if any. Caller holds b.mu.
func (b *Broker) deadLetter(u unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key, _ := q.args["x-dead-letter-routing-key"].(string)
	if key == "" {
		key = u.msg.routingKey
	}
	pub := u.msg.publishing
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = u.queue
	headers["x-first-death-reason"] = "rejected"
	pub.Headers = headers
	_ = b.route(dlx, key, pub)
}

// Channel is an in-memory AMQP channel
type Channel struct {
	broker      *Broker
	closed      bool
	prefetch    int
	nextTag     uint64
	unacked     map[uint64]unacked
	consumers   []*consumer
	confirm     bool
	publishSeq  uint64
	confirmSubs []chan amqp.Confirmation
}

func (ch *Channel) closeWith(err *amqp.Error) error {
	ch.closeLocked()
	return err
}

// closeLocked closes ch and requeues its unacked deliveries. Caller holds broker.mu.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	for _, c := range ch.consumers {
		b.removeConsumer(c)
		close(c.deliveries)
	}
	ch.consumers = nil

	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		if q, ok := b.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.messages = append([]message{u.msg}, q.messages...)
		}
	}

	for _, sub := range ch.confirmSubs {
		close(sub)
	}
	ch.confirmSubs = nil

	for i, c := range b.channels {
		if c == ch {
			b.channels = append(b.channels[:i], b.channels[i+1:]...)
			break
		}
	}

	b.dispatch()
}

func (b *Broker) removeConsumer(c *consumer) {
	for _, q := range b.queues {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				if q.next >= len(q.consumers) {
					q.next = 0
				}
				break
			}
		}
	}
}

func (ch *Channel) hasCapacity() bool {
	return !ch.closed && (ch.prefetch == 0 || len(ch.unacked) < ch.prefetch)
}

// deliver hands m to c. Caller holds broker.mu.
func (ch *Channel) deliver(c *consumer, queueName string, m message) {
	b := ch.broker
	ch.nextTag++
	tag := ch.nextTag
	ch.unacked[tag] = unacked{queue: queueName, msg: m}
	if n := len(ch.unacked); n > b.maxUnacked {
		b.maxUnacked = n
	}
	if id := m.publishing.MessageId; id != "" {
		b.deliveries[id]++
	}

	p := m.publishing
	c.deliveries <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            append([]byte(nil), p.Body...),
	}
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	want := exchange{kind: kind, durable: durable, autoDelete: autoDelete}
	if existing, ok := b.exchanges[name]; ok {
		if existing != want {
			return ch.closeWith(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name),
			})
		}
		return nil
	}
	b.exchanges[name] = want
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable || existing.autoDelete != autoDelete ||
			existing.exclusive != exclusive || !sameArgs(existing.args, args) {
			return amqp.Queue{}, ch.closeWith(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
			})
		}
		return amqp.Queue{Name: name, Messages: len(existing.messages), Consumers: len(existing.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	return amqp.Queue{Name: name}, nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.closeWith(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)})
	}
	if _, ok := b.queues[name]; !ok {
		return ch.closeWith(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)})
	}
	b.bindings[binding{exchange: exchangeName, queue: name, key: key}] = struct{}{}
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("rabbitmqtest: auto-ack consumers are not supported")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.closeWith(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)})
	}

	c := &consumer{tag: tag, ch: ch, deliveries: make(chan amqp.Delivery, 4096)}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)
	b.dispatch()
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel. Delivered messages stay unacked on the channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for i, c := range ch.consumers {
		if c.tag == tag {
			b.removeConsumer(c)
			close(c.deliveries)
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			return nil
		}
	}
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.route(exchangeName, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			return ch.closeWith(amqpErr)
		}
		return err
	}
	b.published++

	if ch.confirm {
		ch.publishSeq++
		conf := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nackPubs}
		for _, sub := range ch.confirmSubs {
			select {
			case sub <- conf:
			default:
			}
		}
	}

	b.dispatch()
	return nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirmSubs = append(ch.confirmSubs, confirm)
	return confirm
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return b.settle(ch, tag, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return b.settle(ch, tag, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// WaitFor polls cond until it holds or timeout elapses
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
