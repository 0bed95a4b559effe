// Package rabbitmq implements the provider interfaces on top of RabbitMQ.
//
// Queues are addressed through the default exchange. Each topic is a
// durable fanout exchange; every subscription binds a queue of its own to
// it, broker-named for plain subscriptions and named
// "<topic>.<client id>.<subscription>" for durable ones.
//
// RabbitMQ offers no XA, so inbound delivery into transacted endpoints is
// not available. Message selectors are evaluated client side on topic
// subscriptions only.
package rabbitmq
