package outbound

import (
	"context"
	"time"

	"github.com/glimte/mmate-ra/provider"
)

// LocalTransaction demarcates a transaction on the default session of a
// managed connection whose session is transacted
type LocalTransaction struct {
	mc    *ManagedConnection
	owner string
}

// Begin emits LocalTransactionStarted; the session is always in a transaction
func (tx *LocalTransaction) Begin(ctx context.Context) error {
	if err := tx.mc.TryLock(ctx, tx.owner); err != nil {
		return err
	}
	defer tx.mc.Unlock(tx.owner)
	if tx.mc.Destroyed() {
		return ErrDestroyed
	}
	tx.mc.sendEvent(LocalTransactionStarted, nil, nil)
	return nil
}

// Commit commits the default session
func (tx *LocalTransaction) Commit(ctx context.Context) error {
	return tx.complete(ctx, "commit", provider.Session.Commit, LocalTransactionCommitted)
}

// Rollback rolls the default session back
func (tx *LocalTransaction) Rollback(ctx context.Context) error {
	return tx.complete(ctx, "rollback", provider.Session.Rollback, LocalTransactionRolledBack)
}

func (tx *LocalTransaction) complete(ctx context.Context, op string, fn func(provider.Session) error, event ConnectionEventType) error {
	if err := tx.mc.TryLock(ctx, tx.owner); err != nil {
		return err
	}
	defer tx.mc.Unlock(tx.owner)
	session, err := tx.mc.defaultSession()
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return &ConnectionError{Op: op, Err: err, Timestamp: time.Now()}
	}
	tx.mc.sendEvent(event, nil, nil)
	return nil
}

// lockedXAResource serialises every XA call on the managed connection lock
type lockedXAResource struct {
	mc    *ManagedConnection
	owner string
	res   provider.XAResource
}

func (r *lockedXAResource) locked(fn func() error) error {
	if err := r.mc.lock.Lock(context.Background(), r.owner); err != nil {
		return err
	}
	defer r.mc.Unlock(r.owner)
	return fn()
}

func (r *lockedXAResource) Start(xid provider.Xid, flags int) error {
	return r.locked(func() error { return r.res.Start(xid, flags) })
}

func (r *lockedXAResource) End(xid provider.Xid, flags int) error {
	return r.locked(func() error { return r.res.End(xid, flags) })
}

func (r *lockedXAResource) Prepare(xid provider.Xid) (vote int, err error) {
	err = r.locked(func() error {
		vote, err = r.res.Prepare(xid)
		return err
	})
	return vote, err
}

func (r *lockedXAResource) Commit(xid provider.Xid, onePhase bool) error {
	return r.locked(func() error { return r.res.Commit(xid, onePhase) })
}

func (r *lockedXAResource) Rollback(xid provider.Xid) error {
	return r.locked(func() error { return r.res.Rollback(xid) })
}

func (r *lockedXAResource) Forget(xid provider.Xid) error {
	return r.locked(func() error { return r.res.Forget(xid) })
}

func (r *lockedXAResource) Recover(flags int) ([]provider.Xid, error) {
	return r.res.Recover(flags)
}

func (r *lockedXAResource) SetTransactionTimeout(seconds int) (bool, error) {
	return r.res.SetTransactionTimeout(seconds)
}

func (r *lockedXAResource) TransactionTimeout() (int, error) {
	return r.res.TransactionTimeout()
}

func (r *lockedXAResource) IsSameRM(other provider.XAResource) (bool, error) {
	if o, ok := other.(*lockedXAResource); ok {
		other = o.res
	}
	return r.res.IsSameRM(other)
}

// MetaData describes the physical connection behind a managed connection
type MetaData struct {
	ProductName    string
	ProductVersion string
	UserName       string
	MaxConnections int
}

// Product identification reported by MetaData
const (
	ProductName    = "mmate-ra generic provider adapter"
	ProductVersion = "1.0"
)
