package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one AMQP connection. It never reconnects on its
// own: a broker-side close is reported to the state listeners and the
// owner decides whether to dial again.
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	heartbeat   time.Duration
	name        string
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closing     bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	wg sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialTimeout bounds the TCP dial and the AMQP handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the connection_name client property shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	if cm.closing {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}

	props := amqp.NewConnectionProperties()
	if cm.name != "" {
		props.SetClientConnectionName(cm.name)
	}
	conn, err := amqp.DialConfig(cm.url, amqp.Config{
		Heartbeat:  cm.heartbeat,
		Properties: props,
		Dial:       cm.dialer(ctx),
	})
	if err != nil {
		cm.mu.Unlock()
		if ctx.Err() != nil {
			err = errors.Join(ErrConnectionTimeout, err)
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.wg.Add(1)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	go cm.watch(conn, notifyClose)

	cm.notifyConnected()
	return nil
}

// dialer honours both ctx and the dial timeout; the deadline covers the
// handshake and is cleared by the amqp library once the connection opens
func (cm *ConnectionManager) dialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cm.dialTimeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(cm.dialTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// watch waits for the connection to close and reports closes the
// manager did not initiate
func (cm *ConnectionManager) watch(conn *amqp.Connection, notifyClose <-chan *amqp.Error) {
	defer cm.wg.Done()

	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.isConnected = false
	}
	closing := cm.closing
	cm.mu.Unlock()

	if closing {
		cm.logger.Debug("connection closed")
		return
	}

	var err error = ErrConnectionClosed
	if ok && amqpErr != nil {
		err = &ConnectionError{Op: "connection", URL: SanitizeURL(cm.url), Err: amqpErr, Timestamp: time.Now()}
	}
	cm.logger.Error("connection closed by broker", "error", err)
	cm.notifyDisconnected(err)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and waits for the close watcher
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		return nil
	}
	cm.closing = true
	conn := cm.conn
	cm.conn = nil
	cm.isConnected = false
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	cm.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}
