package outbound

import (
	"time"
)

// ConnectionEventType identifies a managed connection event
type ConnectionEventType int

const (
	ConnectionClosed ConnectionEventType = iota + 1
	LocalTransactionStarted
	LocalTransactionCommitted
	LocalTransactionRolledBack
	ConnectionErrorOccurred
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionClosed:
		return "connection-closed"
	case LocalTransactionStarted:
		return "local-transaction-started"
	case LocalTransactionCommitted:
		return "local-transaction-committed"
	case LocalTransactionRolledBack:
		return "local-transaction-rolledback"
	case ConnectionErrorOccurred:
		return "connection-error-occurred"
	default:
		return "unknown"
	}
}

// ConnectionEvent is delivered to connection event listeners
type ConnectionEvent struct {
	Type      ConnectionEventType
	Source    *ManagedConnection
	Handle    *Handle
	Err       error
	Timestamp time.Time
}

// ConnectionEventListener observes a managed connection, typically on
// behalf of a connection pool
type ConnectionEventListener interface {
	HandleConnectionEvent(event ConnectionEvent)
}

// AddConnectionEventListener registers l
func (mc *ManagedConnection) AddConnectionEventListener(l ConnectionEventListener) {
	mc.listenersMu.Lock()
	defer mc.listenersMu.Unlock()
	mc.listeners = append(mc.listeners, l)
	mc.logger.Debug("connection event listener added", "listeners", len(mc.listeners))
}

// RemoveConnectionEventListener unregisters the first registration of l
func (mc *ManagedConnection) RemoveConnectionEventListener(l ConnectionEventListener) {
	mc.listenersMu.Lock()
	defer mc.listenersMu.Unlock()
	for i, other := range mc.listeners {
		if other == l {
			mc.listeners = append(mc.listeners[:i:i], mc.listeners[i+1:]...)
			return
		}
	}
}

// sendEvent broadcasts to a snapshot of the listeners, so listeners may
// register or unregister while being notified
func (mc *ManagedConnection) sendEvent(typ ConnectionEventType, h *Handle, err error) {
	mc.listenersMu.Lock()
	snapshot := append([]ConnectionEventListener(nil), mc.listeners...)
	mc.listenersMu.Unlock()

	event := ConnectionEvent{Type: typ, Source: mc, Handle: h, Err: err, Timestamp: time.Now()}
	mc.logger.Debug("sending connection event", "type", typ, "listeners", len(snapshot))
	for _, l := range snapshot {
		l.HandleConnectionEvent(event)
	}
}
