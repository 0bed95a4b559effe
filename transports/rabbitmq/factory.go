package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ra/internal/rabbitmq"
	"github.com/glimte/mmate-ra/provider"
)

const defaultPrefetch = 50

// ConnectionFactory opens AMQP connections to one broker URL. RabbitMQ has
// no XA support, so only plain connections are offered.
type ConnectionFactory struct {
	url         string
	prefetch    int
	dialTimeout time.Duration
	logger      *slog.Logger
}

// FactoryOption configures a ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithLogger sets the logger used by connections of the factory
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ConnectionFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPrefetch sets the consumer prefetch count
func WithPrefetch(n int) FactoryOption {
	return func(f *ConnectionFactory) {
		if n > 0 {
			f.prefetch = n
		}
	}
}

// WithDialTimeout bounds each dial
func WithDialTimeout(timeout time.Duration) FactoryOption {
	return func(f *ConnectionFactory) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// NewConnectionFactory creates a factory for the broker at brokerURL
func NewConnectionFactory(brokerURL string, opts ...FactoryOption) *ConnectionFactory {
	f := &ConnectionFactory{
		url:         brokerURL,
		prefetch:    defaultPrefetch,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the broker URL with any password masked
func (f *ConnectionFactory) URL() string {
	return rabbitmq.SanitizeURL(f.url)
}

// CreateConnection implements provider.ConnectionFactory. A non-empty user
// replaces the credentials carried by the URL.
func (f *ConnectionFactory) CreateConnection(ctx context.Context, user, password string) (provider.Connection, error) {
	target, err := f.dialURL(user, password)
	if err != nil {
		return nil, err
	}

	c := newConnection(f)
	manager := rabbitmq.NewConnectionManager(target,
		rabbitmq.WithLogger(f.logger),
		rabbitmq.WithDialTimeout(f.dialTimeout),
		rabbitmq.WithConnectionName("mmate-ra-"+c.id),
	)
	manager.AddStateListener(c)
	c.manager = manager
	if err := manager.Connect(ctx); err != nil {
		manager.Close()
		if rabbitmq.IsRetryable(err) {
			return nil, fmt.Errorf("%w: %w", provider.ErrConnectionFailed, err)
		}
		return nil, err
	}
	f.logger.Debug("rabbitmq connection opened", "connection", c.id, "url", f.URL())
	return c, nil
}

func (f *ConnectionFactory) dialURL(user, password string) (string, error) {
	if _, err := amqp.ParseURI(f.url); err != nil {
		return "", fmt.Errorf("%w: %s: %v", rabbitmq.ErrInvalidConfiguration, rabbitmq.SanitizeURL(f.url), err)
	}
	if user == "" {
		return f.url, nil
	}
	u, err := url.Parse(f.url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

// wrapFailure marks errors that mean the AMQP connection or channel is gone
func wrapFailure(err error) error {
	if err == nil || provider.IsConnectionFailure(err) {
		return err
	}
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, rabbitmq.ErrConnectionNotReady) ||
		errors.Is(err, rabbitmq.ErrConnectionClosed) ||
		(errors.As(err, &amqpErr) && !amqpErr.Recover) {
		return fmt.Errorf("%w: %w", provider.ErrConnectionFailed, err)
	}
	return err
}
