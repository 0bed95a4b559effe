package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-ra/provider"
)

// Factory creates plain connections to a Broker
type Factory struct {
	broker *Broker
}

// CreateConnection implements provider.ConnectionFactory
func (f *Factory) CreateConnection(ctx context.Context, user, password string) (provider.Connection, error) {
	c, err := f.broker.connect(ctx, user, password, false)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// XAFactory creates plain and XA connections to a Broker
type XAFactory struct {
	Factory
}

// CreateXAConnection implements provider.XAConnectionFactory
func (f *XAFactory) CreateXAConnection(ctx context.Context, user, password string) (provider.XAConnection, error) {
	c, err := f.broker.connect(ctx, user, password, true)
	if err != nil {
		return nil, err
	}
	return &XAConnection{Connection: c}, nil
}

// Connection is a connection to the in-memory broker
type Connection struct {
	broker *Broker
	id     string
	user   string
	xa     bool

	mu        sync.Mutex
	cond      *sync.Cond
	clientID  string
	listener  provider.ExceptionListener
	started   bool
	closed    bool
	failure   error
	sessions  map[*Session]struct{}
	consumers map[*connectionConsumer]struct{}
	wg        sync.WaitGroup
}

func newConnection(b *Broker, user string, xa bool) *Connection {
	c := &Connection{
		broker:    b,
		id:        uuid.NewString(),
		user:      user,
		xa:        xa,
		sessions:  make(map[*Session]struct{}),
		consumers: make(map[*connectionConsumer]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// User returns the authenticated user
func (c *Connection) User() string { return c.user }

// ClientID returns the configured client id
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Started reports whether delivery is running
func (c *Connection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Closed reports whether Close was called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) usable() error {
	if c.closed {
		return provider.ErrClosed
	}
	if c.failure != nil {
		return fmt.Errorf("%w: %v", provider.ErrConnectionFailed, c.failure)
	}
	return nil
}

// SetClientID implements provider.Connection
func (c *Connection) SetClientID(clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.broker.claimClientID(c, clientID); err != nil {
		return err
	}
	c.clientID = clientID
	return nil
}

// SetExceptionListener implements provider.Connection
func (c *Connection) SetExceptionListener(listener provider.ExceptionListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	c.listener = listener
	return nil
}

// Start implements provider.Connection
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	c.started = true
	c.cond.Broadcast()
	return nil
}

// Stop implements provider.Connection
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	c.started = false
	return nil
}

// Close implements provider.Connection. Consumers are closed and their
// delivery loops drained before Close returns.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.started = false
	consumers := make([]*connectionConsumer, 0, len(c.consumers))
	for cc := range c.consumers {
		consumers = append(consumers, cc)
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, cc := range consumers {
		cc.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	c.wg.Wait()
	c.broker.release(c)
	return nil
}

// CreateSession implements provider.Connection
func (c *Connection) CreateSession(transacted bool, ack provider.AckMode) (provider.Session, error) {
	s, err := c.createSession(transacted, ack, false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Connection) createSession(transacted bool, ack provider.AckMode, xa bool) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	if !transacted && ack != provider.AutoAcknowledge && ack != provider.DupsOKAcknowledge {
		return nil, fmt.Errorf("%w: %d", provider.ErrInvalidAckMode, ack)
	}
	s := newSession(c, transacted, ack, xa)
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// CreateConnectionConsumer implements provider.Connection
func (c *Connection) CreateConnectionConsumer(dest provider.Destination, selector string, pool provider.ServerSessionPool, maxMessages int) (provider.ConnectionConsumer, error) {
	sel, err := provider.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	switch dest.Kind() {
	case provider.KindQueue:
		q, err := c.broker.queueFor(dest.Name())
		if err != nil {
			return nil, err
		}
		return c.startConsumer(q, sel, pool, maxMessages, func() {})
	case provider.KindTopic:
		sub, err := c.broker.subscribe(dest.Name(), "sub:"+uuid.NewString(), false)
		if err != nil {
			return nil, err
		}
		return c.startConsumer(sub.queue, sel, pool, maxMessages, func() {
			c.broker.unsubscribe(dest.Name(), sub)
		})
	}
	return nil, fmt.Errorf("%w: %v", provider.ErrInvalidDestination, dest)
}

// CreateDurableConnectionConsumer implements provider.Connection
func (c *Connection) CreateDurableConnectionConsumer(topic provider.Topic, subscription, selector string, pool provider.ServerSessionPool, maxMessages int) (provider.ConnectionConsumer, error) {
	clientID := c.ClientID()
	if clientID == "" {
		return nil, fmt.Errorf("memory: durable subscription %q requires a client id", subscription)
	}
	if subscription == "" {
		return nil, fmt.Errorf("memory: durable subscription requires a name")
	}
	sel, err := provider.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	sub, err := c.broker.subscribe(topic.Name(), durableKey(clientID, subscription), true)
	if err != nil {
		return nil, err
	}
	return c.startConsumer(sub.queue, sel, pool, maxMessages, func() {
		c.broker.unsubscribe(topic.Name(), sub)
	})
}

func (c *Connection) startConsumer(q *fifo, sel provider.Selector, pool provider.ServerSessionPool, maxMessages int, onClose func()) (provider.ConnectionConsumer, error) {
	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		onClose()
		return nil, err
	}
	cc := &connectionConsumer{
		conn:        c,
		queue:       q,
		sel:         sel,
		pool:        pool,
		maxMessages: maxMessages,
		onClose:     onClose,
		done:        make(chan struct{}),
	}
	c.consumers[cc] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go cc.loop()
	return cc, nil
}

func (c *Connection) removeConsumer(cc *connectionConsumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, cc)
}

// waitStarted blocks until delivery is started, returning false once the
// connection is closed, failed or cc is closed
func (c *Connection) waitStarted(cc *connectionConsumer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.started {
		if c.closed || c.failure != nil || cc.isClosed() {
			return false
		}
		c.cond.Wait()
	}
	return !cc.isClosed()
}

func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.closed || c.failure != nil {
		c.mu.Unlock()
		return
	}
	c.failure = cause
	c.started = false
	listener := c.listener
	consumers := make([]*connectionConsumer, 0, len(c.consumers))
	for cc := range c.consumers {
		consumers = append(consumers, cc)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, cc := range consumers {
		cc.stop()
	}
	c.broker.logger.Debug("memory connection failed", "connection", c.id, "error", cause)
	if listener != nil {
		go listener.OnException(fmt.Errorf("%w: %w", provider.ErrConnectionFailed, cause))
	}
}

// XAConnection is a Connection able to create XA sessions
type XAConnection struct {
	*Connection
}

// CreateXASession implements provider.XAConnection
func (c *XAConnection) CreateXASession() (provider.XASession, error) {
	s, err := c.createSession(true, provider.AutoAcknowledge, true)
	if err != nil {
		return nil, err
	}
	return &XASession{session: s}, nil
}
