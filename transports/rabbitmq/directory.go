package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-ra/internal/rabbitmq"
	"github.com/glimte/mmate-ra/provider"
)

// Directory parameters understood by NewDirectoryFactory
const (
	PropURL               = "url"
	PropConnectionFactory = "connectionFactory"

	defaultFactoryName = "ConnectionFactory"
)

// NewDirectoryFactory returns a provider.DirectoryFactory resolving names
// against a RabbitMQ broker. The "url" parameter is required. The factory is
// bound under the "connectionFactory" parameter, "ConnectionFactory" by
// default, and destinations resolve as "queue/<name>" and "topic/<name>".
func NewDirectoryFactory(opts ...FactoryOption) provider.DirectoryFactory {
	return func(props map[string]string) (provider.Directory, error) {
		brokerURL := strings.TrimSpace(props[PropURL])
		if brokerURL == "" {
			return nil, fmt.Errorf("%w: directory parameter %q is required", rabbitmq.ErrInvalidConfiguration, PropURL)
		}
		name := props[PropConnectionFactory]
		if name == "" {
			name = defaultFactoryName
		}
		return &directory{
			factoryName: name,
			factory:     NewConnectionFactory(brokerURL, opts...),
		}, nil
	}
}

type directory struct {
	factoryName string
	factory     *ConnectionFactory
	closed      atomic.Bool
}

func (d *directory) Lookup(ctx context.Context, name string) (any, error) {
	if d.closed.Load() {
		return nil, provider.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == d.factoryName {
		return d.factory, nil
	}
	if q, ok := strings.CutPrefix(name, "queue/"); ok && q != "" {
		return provider.NewQueue(q), nil
	}
	if t, ok := strings.CutPrefix(name, "topic/"); ok && t != "" {
		return provider.NewTopic(t), nil
	}
	return nil, &provider.LookupError{Name: name, Err: provider.ErrNameNotFound, Timestamp: time.Now()}
}

func (d *directory) Close() error {
	d.closed.Store(true)
	return nil
}
