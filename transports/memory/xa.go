package memory

import (
	"fmt"
	"sync"

	"github.com/glimte/mmate-ra/provider"
)

type branchState int

const (
	branchActive branchState = iota
	branchIdle
	branchPrepared
)

type branch struct {
	xid          provider.Xid
	state        branchState
	rollbackOnly bool
	sent         []outgoing
	received     []delivery
}

// xaResource drives the branches of one XA session
type xaResource struct {
	session *Session

	mu       sync.Mutex
	branches map[string]*branch
	timeout  int
}

func newXAResource(s *Session) *xaResource {
	return &xaResource{session: s, branches: make(map[string]*branch)}
}

func xidKey(xid provider.Xid) string {
	return fmt.Sprintf("%d:%x:%x", xid.FormatID, xid.GlobalTransactionID, xid.BranchQualifier)
}

func (r *xaResource) Start(xid provider.Xid, flags int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := xidKey(xid)
	b, exists := r.branches[key]
	switch {
	case flags&(provider.TMJoin|provider.TMResume) != 0:
		if !exists {
			return fmt.Errorf("%w: unknown xid %s", provider.ErrXA, key)
		}
	case exists:
		return fmt.Errorf("%w: duplicate xid %s", provider.ErrXA, key)
	default:
		b = &branch{xid: xid}
		r.branches[key] = b
	}
	b.state = branchActive

	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	s.branch = b
	if s.current != nil {
		b.received = append(b.received, *s.current)
	}
	return nil
}

func (r *xaResource) End(xid provider.Xid, flags int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.branches[xidKey(xid)]
	if !ok {
		return fmt.Errorf("%w: unknown xid %s", provider.ErrXA, xidKey(xid))
	}
	if flags&provider.TMFail != 0 {
		b.rollbackOnly = true
	}
	b.state = branchIdle

	s := r.session
	s.mu.Lock()
	if s.branch == b {
		s.branch = nil
	}
	s.mu.Unlock()
	return nil
}

func (r *xaResource) Prepare(xid provider.Xid) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := xidKey(xid)
	b, ok := r.branches[key]
	if !ok {
		return 0, fmt.Errorf("%w: unknown xid %s", provider.ErrXA, key)
	}
	if b.rollbackOnly {
		delete(r.branches, key)
		requeue(b.received)
		return 0, fmt.Errorf("%w: branch %s marked rollback only", provider.ErrXA, key)
	}
	if len(b.sent) == 0 && len(b.received) == 0 {
		delete(r.branches, key)
		return provider.XAReadOnly, nil
	}
	b.state = branchPrepared
	return provider.XAOK, nil
}

func (r *xaResource) Commit(xid provider.Xid, onePhase bool) error {
	r.mu.Lock()
	key := xidKey(xid)
	b, ok := r.branches[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: unknown xid %s", provider.ErrXA, key)
	}
	if !onePhase && b.state != branchPrepared {
		r.mu.Unlock()
		return fmt.Errorf("%w: branch %s not prepared", provider.ErrXA, key)
	}
	if b.rollbackOnly {
		delete(r.branches, key)
		r.mu.Unlock()
		requeue(b.received)
		return fmt.Errorf("%w: branch %s marked rollback only", provider.ErrXA, key)
	}
	delete(r.branches, key)
	r.mu.Unlock()
	return r.session.conn.broker.publishAll(b.sent)
}

func (r *xaResource) Rollback(xid provider.Xid) error {
	r.mu.Lock()
	key := xidKey(xid)
	b, ok := r.branches[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: unknown xid %s", provider.ErrXA, key)
	}
	delete(r.branches, key)
	r.mu.Unlock()

	s := r.session
	s.mu.Lock()
	if s.branch == b {
		s.branch = nil
	}
	s.mu.Unlock()
	requeue(b.received)
	return nil
}

func (r *xaResource) Forget(xid provider.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.branches, xidKey(xid))
	return nil
}

func (r *xaResource) Recover(flags int) ([]provider.Xid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []provider.Xid
	for _, b := range r.branches {
		if b.state == branchPrepared {
			out = append(out, b.xid)
		}
	}
	return out, nil
}

func (r *xaResource) SetTransactionTimeout(seconds int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = seconds
	return true, nil
}

func (r *xaResource) TransactionTimeout() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout, nil
}

func (r *xaResource) IsSameRM(other provider.XAResource) (bool, error) {
	o, ok := other.(*xaResource)
	if !ok {
		return false, nil
	}
	return o.session.conn.broker == r.session.conn.broker, nil
}
