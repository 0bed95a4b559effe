// Package provider defines the contracts a messaging provider must satisfy to be
// driven by the mmate resource adapter.
//
// The adapter never speaks a broker protocol itself. It consumes:
//   - ConnectionFactory / XAConnectionFactory: open physical connections
//   - Connection / XAConnection: start and stop delivery, create sessions and
//     connection consumers, report asynchronous failures to an ExceptionListener
//   - Session / XASession: the provider's unit of work, including the message pump
//     invoked by a ServerSession
//   - ConnectionConsumer: the provider's delivery mechanism that pulls ServerSessions
//     from a ServerSessionPool
//   - Directory: JNDI-style naming used to resolve factories and destinations
//
// Implementations live under transports/ (an in-memory broker and RabbitMQ).
package provider
