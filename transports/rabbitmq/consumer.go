package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ra/provider"
)

// connectionConsumer feeds the deliveries of one AMQP consumer to server
// sessions taken from a pool, up to maxMessages at a time
type connectionConsumer struct {
	conn        *Connection
	ch          *amqp.Channel
	tag         string
	queue       string
	dest        string
	deliveries  <-chan amqp.Delivery
	sel         provider.Selector
	pool        provider.ServerSessionPool
	maxMessages int

	closed    atomic.Bool
	closeOnce sync.Once
}

func (cc *connectionConsumer) isClosed() bool { return cc.closed.Load() }

func (cc *connectionConsumer) loop() {
	defer cc.conn.wg.Done()
	log := cc.conn.logger.With("queue", cc.queue)

	for {
		first, ok := <-cc.deliveries
		if !ok {
			return
		}
		batch := cc.collect(first)
		if len(batch) == 0 {
			continue
		}
		if !cc.conn.waitStarted(cc) {
			requeue(batch)
			return
		}

		ss, err := cc.pool.GetServerSession()
		if err == nil {
			err = cc.dispatch(ss, batch)
		}
		if err != nil {
			requeue(batch)
			if cc.isClosed() || errors.Is(err, provider.ErrPoolStopped) {
				log.Debug("rabbitmq consumer stopping, no server session", "error", err)
				return
			}
			// the activation only recovers through the exception listener
			log.Warn("rabbitmq consumer cannot dispatch, failing connection", "error", err)
			cc.conn.fail(fmt.Errorf("server session unavailable: %w", err))
			return
		}
	}
}

// collect gathers first and whatever else is already buffered, up to
// maxMessages. Deliveries the selector rejects are acknowledged and dropped.
func (cc *connectionConsumer) collect(first amqp.Delivery) []inbound {
	batch := make([]inbound, 0, cc.maxMessages)
	add := func(d amqp.Delivery) {
		msg := fromDelivery(d)
		if !cc.sel.Matches(msg) {
			_ = d.Ack(false)
			return
		}
		batch = append(batch, inbound{msg: msg, delivery: d})
	}

	add(first)
	for len(batch) < cc.maxMessages {
		select {
		case d, ok := <-cc.deliveries:
			if !ok {
				return batch
			}
			add(d)
		default:
			return batch
		}
	}
	return batch
}

func (cc *connectionConsumer) dispatch(ss provider.ServerSession, batch []inbound) error {
	session, err := ss.Session()
	if err != nil {
		return err
	}
	s, ok := unwrapSession(session)
	if !ok {
		return fmt.Errorf("rabbitmq: server session holds a foreign session %T", session)
	}
	s.load(batch)
	if err := ss.Start(); err != nil {
		s.unload()
		return err
	}
	return nil
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

// Close implements provider.ConnectionConsumer. Cancelling the AMQP
// consumer closes the delivery channel, which ends the loop; the owning
// connection waits for it.
func (cc *connectionConsumer) Close() error {
	var err error
	cc.closeOnce.Do(func() {
		cc.closed.Store(true)
		cc.conn.mu.Lock()
		cc.conn.cond.Broadcast()
		cc.conn.mu.Unlock()

		err = cc.ch.Cancel(cc.tag, false)
		if cerr := cc.ch.Close(); err == nil {
			err = cerr
		}
		cc.conn.removeConsumer(cc)
		cc.conn.logger.Debug("rabbitmq consumer closed", "destination", cc.dest, "tag", cc.tag)
	})
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
