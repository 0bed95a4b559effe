package rabbitmq

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStateListener struct {
	connected    int
	disconnected []error
}

func (l *recordingStateListener) OnConnected() { l.connected++ }
func (l *recordingStateListener) OnDisconnected(err error) { l.disconnected = append(l.disconnected, err) }

func TestConnectionManager(t *testing.T) {
	t.Run("NewConnectionManager creates manager with defaults", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")

		assert.Equal(t, "amqp://localhost:5672", manager.url)
		assert.Equal(t, 30*time.Second, manager.dialTimeout)
		assert.Equal(t, 10*time.Second, manager.heartbeat)
		assert.NotNil(t, manager.logger)
		assert.False(t, manager.IsConnected())
	})

	t.Run("NewConnectionManager applies options", func(t *testing.T) {
		logger := slog.Default()
		manager := NewConnectionManager(
			"amqp://test:5672",
			WithDialTimeout(2*time.Second),
			WithHeartbeat(time.Second),
			WithConnectionName("orders-activation"),
			WithLogger(logger),
		)

		assert.Equal(t, 2*time.Second, manager.dialTimeout)
		assert.Equal(t, time.Second, manager.heartbeat)
		assert.Equal(t, "orders-activation", manager.name)
		assert.Equal(t, logger, manager.logger)
	})

	t.Run("Connect with invalid URL fails", func(t *testing.T) {
		manager := NewConnectionManager("invalid://url")
		err := manager.Connect(context.Background())
		require.Error(t, err)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.False(t, manager.IsConnected())
	})

	t.Run("Connect to a closed port fails fast", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		manager := NewConnectionManager("amqp://guest:guest@"+addr+"/", WithDialTimeout(time.Second))
		err = manager.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.NotContains(t, err.Error(), "guest:guest")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		manager := NewConnectionManager("amqp://localhost:1/")
		err := manager.Connect(ctx)
		assert.ErrorIs(t, err, ErrConnectionTimeout)
	})

	t.Run("GetConnection returns error when not connected", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		_, err := manager.GetConnection()
		assert.Equal(t, ErrConnectionNotReady, err)

		_, err = manager.Channel()
		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("Close is idempotent and final", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		assert.NoError(t, manager.Close())
		assert.NoError(t, manager.Close())
		assert.ErrorIs(t, manager.Connect(context.Background()), ErrConnectionClosed)
	})

	t.Run("state listeners", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		l := &recordingStateListener{}
		manager.AddStateListener(l)
		manager.notifyConnected()
		manager.notifyDisconnected(ErrConnectionClosed)
		manager.RemoveStateListener(l)
		manager.notifyConnected()

		assert.Equal(t, 1, l.connected)
		assert.Equal(t, []error{ErrConnectionClosed}, l.disconnected)
	})
}
