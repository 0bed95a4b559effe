package provider

import (
	"context"
)

// Message is a message handed to a listener or sent through a session
type Message interface {
	ID() string
	Body() []byte
	Headers() map[string]any
}

// BasicMessage is a plain Message implementation usable with any provider
type BasicMessage struct {
	MessageID  string
	Payload    []byte
	Properties map[string]any
}

func (m *BasicMessage) ID() string              { return m.MessageID }
func (m *BasicMessage) Body() []byte            { return m.Payload }
func (m *BasicMessage) Headers() map[string]any { return m.Properties }

// MessageListener receives messages pumped by Session.Run
type MessageListener interface {
	OnMessage(msg Message)
}

// MessageListenerFunc adapts a function to MessageListener
type MessageListenerFunc func(msg Message)

func (f MessageListenerFunc) OnMessage(msg Message) { f(msg) }

// ExceptionListener is told about connection-level failures reported
// asynchronously by the provider
type ExceptionListener interface {
	OnException(err error)
}

// ConnectionFactory opens plain connections.
// An empty user requests the provider's default identity.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, user, password string) (Connection, error)
}

// XAConnectionFactory opens connections able to create XA sessions
type XAConnectionFactory interface {
	CreateXAConnection(ctx context.Context, user, password string) (XAConnection, error)
}

// Connection is one physical connection to the broker
type Connection interface {
	// SetClientID must be called before any session is created
	SetClientID(clientID string) error
	// SetExceptionListener registers the failure callback; nil unregisters
	SetExceptionListener(listener ExceptionListener) error
	// Start begins (or resumes) message delivery
	Start() error
	// Stop pauses message delivery
	Stop() error
	Close() error

	CreateSession(transacted bool, ack AckMode) (Session, error)
	CreateConnectionConsumer(dest Destination, selector string, pool ServerSessionPool, maxMessages int) (ConnectionConsumer, error)
	CreateDurableConnectionConsumer(topic Topic, subscription, selector string, pool ServerSessionPool, maxMessages int) (ConnectionConsumer, error)
}

// XAConnection is a connection whose sessions can join distributed transactions
type XAConnection interface {
	Connection
	CreateXASession() (XASession, error)
}

// Session is the provider's single-threaded unit of work
type Session interface {
	SetMessageListener(listener MessageListener) error
	// Run synchronously delivers every message the provider loaded into the
	// session to its listener, then returns
	Run()
	Send(ctx context.Context, dest Destination, msg Message) error
	Commit() error
	Rollback() error
	Close() error
}

// XASession pairs a session with the XA resource controlling its transaction
type XASession interface {
	Session() Session
	XAResource() XAResource
	Close() error
}

// Xid identifies a distributed transaction branch
type Xid struct {
	FormatID            int
	GlobalTransactionID []byte
	BranchQualifier     []byte
}

// XA flags
const (
	TMNoFlags   = 0
	TMJoin      = 1 << 21
	TMResume    = 1 << 27
	TMSuccess   = 1 << 26
	TMFail      = 1 << 29
	TMSuspend   = 1 << 25
	TMOnePhase  = 1 << 30
	TMStartScan = 1 << 24
	TMEndScan   = 1 << 23
)

// XA prepare votes
const (
	XAOK       = 0
	XAReadOnly = 3
)

// XAResource is the transaction-manager facing side of an XA session
type XAResource interface {
	Start(xid Xid, flags int) error
	End(xid Xid, flags int) error
	Prepare(xid Xid) (int, error)
	Commit(xid Xid, onePhase bool) error
	Rollback(xid Xid) error
	Forget(xid Xid) error
	Recover(flags int) ([]Xid, error)
	SetTransactionTimeout(seconds int) (bool, error)
	TransactionTimeout() (int, error)
	IsSameRM(other XAResource) (bool, error)
}

// ServerSession is handed out by a ServerSessionPool to the provider's
// delivery mechanism. The provider loads messages into Session() and then
// calls Start, which must arrange for Session().Run() to be invoked.
type ServerSession interface {
	Session() (Session, error)
	Start() error
}

// ServerSessionPool supplies ServerSessions to a ConnectionConsumer.
// GetServerSession may block until a session becomes available.
type ServerSessionPool interface {
	GetServerSession() (ServerSession, error)
}

// ConnectionConsumer is the provider's delivery loop for one destination
type ConnectionConsumer interface {
	Close() error
}

// Directory resolves names to factories and destinations
type Directory interface {
	Lookup(ctx context.Context, name string) (any, error)
	Close() error
}

// DirectoryFactory opens a Directory for a parsed parameter set
type DirectoryFactory func(props map[string]string) (Directory, error)
