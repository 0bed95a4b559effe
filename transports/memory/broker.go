// Package memory is an in-process broker implementing the provider contracts.
//
// It supports queues, topics with durable and non-durable subscriptions,
// connection consumers driving a ServerSessionPool, XA sessions and failure
// injection, which makes it suitable for tests and local demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-ra/provider"
)

var (
	// ErrBrokerDown is returned while the broker refuses connections
	ErrBrokerDown = errors.New("memory: broker unavailable")
	// ErrAuthentication is returned for unknown users or wrong passwords
	ErrAuthentication = errors.New("memory: authentication failed")
)

// Broker is an in-memory message broker
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	queues    map[string]*fifo
	topics    map[string]map[string]*subscription
	bindings  map[string]any
	users     map[string]string
	clientIDs map[string]*Connection
	conns     map[*Connection]struct{}
	down      bool
	refuse    int

	opened atomic.Int64
	closed atomic.Int64
	dirs   atomic.Int64
}

type subscription struct {
	name    string
	durable bool
	queue   *fifo
	active  atomic.Bool
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithUser requires clients to authenticate; once any user is registered,
// anonymous connections are refused
func WithUser(user, password string) BrokerOption {
	return func(b *Broker) {
		b.users[user] = password
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		logger:    slog.Default(),
		queues:    make(map[string]*fifo),
		topics:    make(map[string]map[string]*subscription),
		bindings:  make(map[string]any),
		users:     make(map[string]string),
		clientIDs: make(map[string]*Connection),
		conns:     make(map[*Connection]struct{}),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Bind registers obj under name in the broker's directory
func (b *Broker) Bind(name string, obj any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[name] = obj
}

// DeclareQueue creates a queue and binds it under its own name
func (b *Broker) DeclareQueue(name string) provider.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newFIFO()
	}
	q := provider.NewQueue(name)
	b.bindings[name] = q
	return q
}

// DeclareTopic creates a topic and binds it under its own name
func (b *Broker) DeclareTopic(name string) provider.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = make(map[string]*subscription)
	}
	t := provider.NewTopic(name)
	b.bindings[name] = t
	return t
}

// ConnectionFactory returns a factory for plain connections
func (b *Broker) ConnectionFactory() *Factory {
	return &Factory{broker: b}
}

// XAConnectionFactory returns a factory offering both plain and XA connections
func (b *Broker) XAConnectionFactory() *XAFactory {
	return &XAFactory{Factory: Factory{broker: b}}
}

// DirectoryFactory returns a provider.DirectoryFactory over the broker's bindings
func (b *Broker) DirectoryFactory() provider.DirectoryFactory {
	return func(props map[string]string) (provider.Directory, error) {
		b.dirs.Add(1)
		return &directory{broker: b, props: props}, nil
	}
}

// Publish sends msg to dest outside of any session
func (b *Broker) Publish(dest provider.Destination, msg provider.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(dest, msg)
}

func (b *Broker) publishLocked(dest provider.Destination, msg provider.Message) error {
	switch dest.Kind() {
	case provider.KindQueue:
		q, ok := b.queues[dest.Name()]
		if !ok {
			return fmt.Errorf("%w: queue %q not declared", provider.ErrInvalidDestination, dest.Name())
		}
		q.push(msg)
	case provider.KindTopic:
		subs, ok := b.topics[dest.Name()]
		if !ok {
			return fmt.Errorf("%w: topic %q not declared", provider.ErrInvalidDestination, dest.Name())
		}
		for _, sub := range subs {
			if sub.durable || sub.active.Load() {
				sub.queue.push(msg)
			}
		}
	default:
		return fmt.Errorf("%w: %v", provider.ErrInvalidDestination, dest)
	}
	return nil
}

// Depth returns the number of messages waiting on a queue
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// SubscriptionDepth returns the number of messages waiting on a durable subscription
func (b *Broker) SubscriptionDepth(topic, clientID, name string) int {
	b.mu.Lock()
	sub, ok := b.topics[topic][durableKey(clientID, name)]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return sub.queue.len()
}

// Down makes the broker refuse new connections until Up is called
func (b *Broker) Down() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
}

// Up lets the broker accept connections again
func (b *Broker) Up() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = false
}

// RefuseConnections makes the next n connection attempts fail
func (b *Broker) RefuseConnections(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = n
}

// Fail breaks every open connection: consumers stop and each connection's
// exception listener is notified asynchronously
func (b *Broker) Fail(cause error) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.fail(cause)
	}
}

// ConnectionsOpened returns how many connections were ever opened
func (b *Broker) ConnectionsOpened() int { return int(b.opened.Load()) }

// ConnectionsClosed returns how many connections were closed
func (b *Broker) ConnectionsClosed() int { return int(b.closed.Load()) }

// DirectoriesOpened returns how many directories were opened
func (b *Broker) DirectoriesOpened() int { return int(b.dirs.Load()) }

// OpenConnections returns the number of connections currently open
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) connect(ctx context.Context, user, password string, xa bool) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, fmt.Errorf("%w: %w", provider.ErrConnectionFailed, ErrBrokerDown)
	}
	if b.refuse > 0 {
		b.refuse--
		return nil, fmt.Errorf("%w: %w", provider.ErrConnectionFailed, ErrBrokerDown)
	}
	if len(b.users) > 0 {
		if pw, ok := b.users[user]; !ok || pw != password {
			return nil, fmt.Errorf("%w: user %q", ErrAuthentication, user)
		}
	}

	c := newConnection(b, user, xa)
	b.conns[c] = struct{}{}
	b.opened.Add(1)
	b.logger.Debug("memory connection opened", "connection", c.id, "user", user, "xa", xa)
	return c, nil
}

func (b *Broker) release(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[c]; !ok {
		return
	}
	delete(b.conns, c)
	for id, owner := range b.clientIDs {
		if owner == c {
			delete(b.clientIDs, id)
		}
	}
	b.closed.Add(1)
}

func (b *Broker) claimClientID(c *Connection, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.clientIDs[clientID]; ok && owner != c {
		return fmt.Errorf("%w: %q", provider.ErrClientIDInUse, clientID)
	}
	b.clientIDs[clientID] = c
	return nil
}

func (b *Broker) queueFor(name string) (*fifo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: queue %q not declared", provider.ErrInvalidDestination, name)
	}
	return q, nil
}

func (b *Broker) subscribe(topic, key string, durable bool) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: topic %q not declared", provider.ErrInvalidDestination, topic)
	}
	sub, ok := subs[key]
	if !ok {
		sub = &subscription{name: key, durable: durable, queue: newFIFO()}
		subs[key] = sub
	}
	sub.active.Store(true)
	return sub, nil
}

func (b *Broker) unsubscribe(topic string, sub *subscription) {
	sub.active.Store(false)
	if sub.durable {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[topic], sub.name)
}

func durableKey(clientID, name string) string {
	return "durable:" + clientID + "/" + name
}

// NewMessage builds a message with a fresh id
func NewMessage(body []byte, headers map[string]any) *provider.BasicMessage {
	if headers == nil {
		headers = make(map[string]any)
	}
	return &provider.BasicMessage{
		MessageID:  "ID:" + uuid.NewString(),
		Payload:    body,
		Properties: headers,
	}
}

type directory struct {
	broker *Broker
	props  map[string]string
	closed atomic.Bool
}

func (d *directory) Lookup(ctx context.Context, name string) (any, error) {
	if d.closed.Load() {
		return nil, provider.ErrClosed
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	obj, ok := d.broker.bindings[name]
	if !ok {
		return nil, &provider.LookupError{Name: name, Err: provider.ErrNameNotFound, Timestamp: time.Now()}
	}
	return obj, nil
}

func (d *directory) Close() error {
	d.closed.Store(true)
	return nil
}
