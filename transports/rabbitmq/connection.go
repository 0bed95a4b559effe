package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ra/internal/rabbitmq"
	"github.com/glimte/mmate-ra/provider"
)

// Connection is one AMQP connection. Each session and each connection
// consumer gets a channel of its own.
type Connection struct {
	id       string
	factory  *ConnectionFactory
	manager  *rabbitmq.ConnectionManager
	logger   *slog.Logger
	prefetch int

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

func newConnection(f *ConnectionFactory) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		factory:   f,
		prefetch:  f.prefetch,
		sessions:  make(map[*Session]struct{}),
		consumers: make(map[*connectionConsumer]struct{}),
	}
	c.logger = f.logger.With("connection", c.id)
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// ClientID returns the configured client id
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
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

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Connection) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener. The failure
// is final for this connection and is passed on to the exception listener,
// which runs on a goroutine of its own so it may close the connection.
func (c *Connection) OnDisconnected(err error) {
	if c.fail(err) {
		c.logger.Warn("rabbitmq connection lost", "error", err)
	}
}

// fail marks the connection broken and notifies the exception listener
// once. It reports whether this call did so.
func (c *Connection) fail(cause error) bool {
	c.mu.Lock()
	if c.closed || c.failure != nil {
		c.mu.Unlock()
		return false
	}
	c.failure = cause
	c.started = false
	listener := c.listener
	c.cond.Broadcast()
	c.mu.Unlock()

	if listener != nil {
		go listener.OnException(fmt.Errorf("%w: %w", provider.ErrConnectionFailed, cause))
	}
	return true
}

// SetClientID implements provider.Connection. RabbitMQ has no client id of
// its own; it names the queues of durable subscriptions.
func (c *Connection) SetClientID(clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.clientID != "" && c.clientID != clientID {
		return fmt.Errorf("%w: %s", provider.ErrClientIDInUse, c.clientID)
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

// Stop implements provider.Connection. Deliveries already prefetched stay
// unacknowledged until delivery resumes.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	c.started = false
	return nil
}

// Close implements provider.Connection
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
	if err := c.manager.Close(); err != nil {
		return &rabbitmq.ConnectionError{Op: "close", URL: c.factory.URL(), Err: err}
	}
	c.logger.Debug("rabbitmq connection closed")
	return nil
}

func (c *Connection) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	err := c.usable()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := c.manager.Channel()
	if err != nil {
		return nil, wrapFailure(err)
	}
	return ch, nil
}

// CreateSession implements provider.Connection
func (c *Connection) CreateSession(transacted bool, ack provider.AckMode) (provider.Session, error) {
	if !transacted && ack != provider.AutoAcknowledge && ack != provider.DupsOKAcknowledge {
		return nil, fmt.Errorf("%w: %d", provider.ErrInvalidAckMode, ack)
	}
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			closeChannel(ch)
			return nil, wrapFailure(&rabbitmq.ChannelError{Op: "tx.select", Err: err})
		}
	}

	s := newSession(c, ch, transacted, ack)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		closeChannel(ch)
		return nil, err
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// CreateConnectionConsumer implements provider.Connection. Selectors are
// evaluated client side and are only accepted on topics, where a message
// that does not match is dropped from the subscription.
func (c *Connection) CreateConnectionConsumer(dest provider.Destination, selector string, pool provider.ServerSessionPool, maxMessages int) (provider.ConnectionConsumer, error) {
	sel, err := provider.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	switch dest.Kind() {
	case provider.KindQueue:
		if !sel.Empty() {
			return nil, fmt.Errorf("%w: selectors are not supported on queue %q", provider.ErrInvalidSelector, dest.Name())
		}
		return c.startConsumer(dest.Name(), rabbitmq.QueueTopology(dest.Name()), sel, pool, maxMessages)
	case provider.KindTopic:
		return c.startConsumer(dest.Name(), subscriptionTopology(dest.Name(), ""), sel, pool, maxMessages)
	}
	return nil, fmt.Errorf("%w: %v", provider.ErrInvalidDestination, dest)
}

// CreateDurableConnectionConsumer implements provider.Connection
func (c *Connection) CreateDurableConnectionConsumer(topic provider.Topic, subscription, selector string, pool provider.ServerSessionPool, maxMessages int) (provider.ConnectionConsumer, error) {
	clientID := c.ClientID()
	if clientID == "" {
		return nil, fmt.Errorf("rabbitmq: durable subscription %q requires a client id", subscription)
	}
	if subscription == "" {
		return nil, errors.New("rabbitmq: durable subscription requires a name")
	}
	sel, err := provider.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	name := rabbitmq.DurableSubscriptionName(topic.Name(), clientID, subscription)
	return c.startConsumer(topic.Name(), subscriptionTopology(topic.Name(), name), sel, pool, maxMessages)
}

// subscriptionTopology binds a subscription queue to the topic exchange.
// An empty name asks for a broker-named queue removed with its consumer.
func subscriptionTopology(topic, name string) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{rabbitmq.TopicExchange(topic)},
		Queues:    []rabbitmq.QueueDeclaration{rabbitmq.SubscriptionQueue(name, name != "")},
		Bindings:  []rabbitmq.Binding{{Queue: name, Exchange: topic}},
	}
}

func (c *Connection) startConsumer(dest string, topology rabbitmq.Topology, sel provider.Selector, pool provider.ServerSessionPool, maxMessages int) (provider.ConnectionConsumer, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	queue, err := declare(ch, topology)
	if err != nil {
		closeChannel(ch)
		return nil, wrapFailure(err)
	}

	prefetch := c.prefetch
	if maxMessages > prefetch {
		prefetch = maxMessages
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		closeChannel(ch)
		return nil, wrapFailure(&rabbitmq.ChannelError{Op: "qos", Err: err})
	}

	tag := "mmate-ra-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		closeChannel(ch)
		return nil, wrapFailure(&rabbitmq.ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err})
	}

	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		closeChannel(ch)
		return nil, err
	}
	cc := &connectionConsumer{
		conn:        c,
		ch:          ch,
		tag:         tag,
		queue:       queue,
		dest:        dest,
		deliveries:  deliveries,
		sel:         sel,
		pool:        pool,
		maxMessages: max(maxMessages, 1),
	}
	c.consumers[cc] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("rabbitmq consumer started", "destination", dest, "queue", queue, "tag", tag)
	go cc.loop()
	return cc, nil
}

// declare sets up topology and returns the name of its queue, which the
// broker may have generated
func declare(ch rabbitmq.Declarer, topology rabbitmq.Topology) (string, error) {
	tm := rabbitmq.NewTopologyManager(ch)
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(exchange); err != nil {
			return "", err
		}
	}
	var queue string
	for _, decl := range topology.Queues {
		q, err := tm.DeclareQueue(decl)
		if err != nil {
			return "", err
		}
		queue = q.Name
	}
	for _, binding := range topology.Bindings {
		if binding.Queue == "" {
			binding.Queue = queue
		}
		if err := tm.BindQueue(binding); err != nil {
			return "", err
		}
	}
	return queue, nil
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

func closeChannel(ch *amqp.Channel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Default().Debug("rabbitmq channel close failed", "error", err)
	}
}
