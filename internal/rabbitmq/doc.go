// Package rabbitmq wires the email pipeline to RabbitMQ.
//
// This package includes:
//   - ConnectionManager: owns the connection, reconnects with backoff, tracks flow control
//   - ChannelPool: pooled channels for publishing
//   - Topology / DeclareTopology: the durable direct exchange, durable queue and binding
//   - Publisher: persistent publishing with optional publisher confirms
//   - Consumer: prefetch-bounded consumption with explicit ack/nack
//
// Every failure coming from the broker matches ErrTransport, except rejected
// redeclarations, which match ErrTopologyConflict.
package rabbitmq
