// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the RabbitMQ provider.
//
// This package includes:
//   - ConnectionManager: dials one connection with a timeout and reports
//     broker-side closes to its state listeners
//   - TopologyManager: declares exchanges, queues and bindings for queue
//     and topic destinations
//   - typed errors and URL sanitising for logs
//
// The ConnectionManager never reconnects by itself. Recovery belongs to
// whoever listens for the close, typically an inflow activation.
package rabbitmq
