package outbound

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/transports/memory"
)

func TestLocalTransaction(t *testing.T) {
	b := newTestBroker()
	f := newFactory(t, b.DirectoryFactory(), MCFProperties{})
	mc := newConnection(t, f, nil, &ConnectionRequestInfo{Transacted: true})
	rec := &eventRecorder{}
	mc.AddConnectionEventListener(rec)
	h, err := mc.GetConnection(nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	tx := mc.LocalTransaction()
	require.NoError(t, tx.Begin(ctx))
	require.NoError(t, h.Send(ctx, provider.NewQueue("orders"), memory.NewMessage([]byte("a"), nil)))
	assert.Zero(t, b.Depth("orders"), "uncommitted")
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, b.Depth("orders"))

	require.NoError(t, h.Send(ctx, provider.NewQueue("orders"), memory.NewMessage([]byte("b"), nil)))
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, 1, b.Depth("orders"))

	assert.Equal(t, []ConnectionEventType{
		LocalTransactionStarted,
		LocalTransactionCommitted,
		LocalTransactionRolledBack,
	}, rec.types())

	require.NoError(t, mc.Destroy())
	assert.ErrorIs(t, tx.Begin(ctx), ErrDestroyed)
	assert.ErrorIs(t, tx.Commit(ctx), ErrDestroyed)
}

func TestLockedXAResource(t *testing.T) {
	b := newTestBroker()
	f := newFactory(t, b.DirectoryFactory(), MCFProperties{ConnectionFactory: "xacf"})
	mc := newConnection(t, f, nil, nil)
	h, err := mc.GetConnection(nil, nil)
	require.NoError(t, err)

	res, err := mc.XAResource()
	require.NoError(t, err)
	xid := provider.Xid{FormatID: 1, GlobalTransactionID: []byte("g1"), BranchQualifier: []byte("b1")}
	ctx := context.Background()

	t.Run("two phase commit publishes", func(t *testing.T) {
		require.NoError(t, res.Start(xid, provider.TMNoFlags))
		require.NoError(t, h.Send(ctx, provider.NewQueue("orders"), memory.NewMessage([]byte("x"), nil)))
		require.NoError(t, res.End(xid, provider.TMSuccess))
		assert.Zero(t, b.Depth("orders"))

		vote, err := res.Prepare(xid)
		require.NoError(t, err)
		assert.Equal(t, provider.XAOK, vote)
		require.NoError(t, res.Commit(xid, false))
		assert.Equal(t, 1, b.Depth("orders"))
		assert.False(t, mc.LockSnapshot().Locked())
	})

	t.Run("empty branch votes read only", func(t *testing.T) {
		other := provider.Xid{FormatID: 1, GlobalTransactionID: []byte("g2"), BranchQualifier: []byte("b1")}
		require.NoError(t, res.Start(other, provider.TMNoFlags))
		require.NoError(t, res.End(other, provider.TMSuccess))
		vote, err := res.Prepare(other)
		require.NoError(t, err)
		assert.Equal(t, provider.XAReadOnly, vote)
	})

	t.Run("same resource manager through the wrapper", func(t *testing.T) {
		other := newConnection(t, f, nil, nil)
		otherRes, err := other.XAResource()
		require.NoError(t, err)
		same, err := res.IsSameRM(otherRes)
		require.NoError(t, err)
		assert.True(t, same)
	})
}
