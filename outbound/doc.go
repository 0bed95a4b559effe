// Package outbound lets applications send through pooled provider connections.
//
// A ManagedConnectionFactory creates ManagedConnections, each owning one
// physical connection and one default session. Applications work through
// Handles; any number of handles may share a managed connection, and every
// call a handle makes holds the connection's ReentrantLock under the
// handle's id. The lock is fair and reentrant; the factory's UseTryLock
// setting bounds how long a call waits for it.
//
// A connection pool observes managed connections through
// ConnectionEventListener:
//   - ConnectionClosed when a handle is closed
//   - LocalTransactionStarted, LocalTransactionCommitted and
//     LocalTransactionRolledBack around LocalTransaction calls
//   - ConnectionErrorOccurred, at most once, when the provider reports a
//     failure or a handle call fails with provider.ErrConnectionFailed
//
// Cleanup refuses to recycle a connection whose lock is still held or
// awaited, so the pool destroys it instead.
package outbound
