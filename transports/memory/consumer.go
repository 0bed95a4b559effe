package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-ra/provider"
)

// connectionConsumer moves messages from a queue or subscription into server
// sessions obtained from a pool
type connectionConsumer struct {
	conn        *Connection
	queue       *fifo
	sel         provider.Selector
	pool        provider.ServerSessionPool
	maxMessages int
	onClose     func()

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (cc *connectionConsumer) isClosed() bool { return cc.closed.Load() }

func (cc *connectionConsumer) loop() {
	defer cc.conn.wg.Done()
	defer close(cc.done)

	for cc.conn.waitStarted(cc) {
		msgs := cc.queue.take(cc.maxMessages, cc.sel, cc.halted)
		if len(msgs) == 0 {
			continue
		}

		ss, err := cc.pool.GetServerSession()
		if err == nil {
			err = cc.dispatch(ss, msgs)
		}
		if err != nil {
			cc.queue.pushFront(msgs...)
			cc.abort(err)
			return
		}
	}
}

// abort ends delivery after a pool failure. Unless the pool or consumer is
// stopping, the connection is failed so its exception listener recovers.
func (cc *connectionConsumer) abort(err error) {
	log := cc.conn.broker.logger
	if cc.isClosed() || errors.Is(err, provider.ErrPoolStopped) {
		log.Debug("memory consumer stopping, no server session", "connection", cc.conn.id, "error", err)
		return
	}
	log.Warn("memory consumer cannot dispatch, failing connection", "connection", cc.conn.id, "error", err)
	cc.conn.fail(fmt.Errorf("server session unavailable: %w", err))
}

func (cc *connectionConsumer) dispatch(ss provider.ServerSession, msgs []provider.Message) error {
	session, err := ss.Session()
	if err != nil {
		return err
	}
	s, ok := unwrapSession(session)
	if !ok {
		return fmt.Errorf("memory: server session holds a foreign session %T", session)
	}
	s.load(cc.queue, msgs)
	if err := ss.Start(); err != nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

// halted is consulted under the fifo lock and must not take other locks
func (cc *connectionConsumer) halted() bool {
	return cc.closed.Load()
}

func unwrapSession(session provider.Session) (*Session, bool) {
	switch s := session.(type) {
	case *Session:
		return s, true
	case interface{ Unwrap() provider.Session }:
		return unwrapSession(s.Unwrap())
	}
	return nil, false
}

// stop ends the delivery loop without waiting for it
func (cc *connectionConsumer) stop() {
	cc.closeOnce.Do(func() {
		cc.closed.Store(true)
		cc.queue.wake()
		cc.conn.mu.Lock()
		cc.conn.cond.Broadcast()
		cc.conn.mu.Unlock()
		cc.onClose()
	})
}

// Close implements provider.ConnectionConsumer
func (cc *connectionConsumer) Close() error {
	cc.stop()
	cc.conn.removeConsumer(cc)
	return nil
}
