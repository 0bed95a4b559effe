package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ra/internal/rabbitmq"
	"github.com/glimte/mmate-ra/provider"
)

type inbound struct {
	msg      provider.Message
	delivery amqp.Delivery
}

// Session owns one AMQP channel. Transacted sessions put the channel in tx
// mode so sends are published on Commit. Deliveries loaded by a connection
// consumer are acknowledged on the consumer's channel once the listener
// returns, whatever the acknowledgement mode.
type Session struct {
	conn       *Connection
	ch         *amqp.Channel
	transacted bool
	ack        provider.AckMode

	mu        sync.Mutex
	listener  provider.MessageListener
	pending   []inbound
	exchanges map[string]struct{}
	closed    bool
}

func newSession(c *Connection, ch *amqp.Channel, transacted bool, ack provider.AckMode) *Session {
	return &Session{
		conn:       c,
		ch:         ch,
		transacted: transacted,
		ack:        ack,
		exchanges:  make(map[string]struct{}),
	}
}

// Transacted reports whether the session was created transacted
func (s *Session) Transacted() bool { return s.transacted }

// SetMessageListener implements provider.Session
func (s *Session) SetMessageListener(listener provider.MessageListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	s.listener = listener
	return nil
}

// load hands deliveries to the session for the next Run
func (s *Session) load(batch []inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, batch...)
}

// unload takes back whatever Run has not delivered yet
func (s *Session) unload() []inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := s.pending
	s.pending = nil
	return rest
}

// Run implements provider.Session
func (s *Session) Run() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		in := s.pending[0]
		s.pending = s.pending[1:]
		if s.closed || s.listener == nil {
			rest := append([]inbound{in}, s.pending...)
			s.pending = nil
			s.mu.Unlock()
			requeue(rest)
			return
		}
		listener := s.listener
		s.mu.Unlock()

		listener.OnMessage(in.msg)
		if err := in.delivery.Ack(false); err != nil {
			s.conn.logger.Warn("rabbitmq ack failed", "message", in.msg.ID(), "error", err)
		}
	}
}

// Send implements provider.Session
func (s *Session) Send(ctx context.Context, dest provider.Destination, msg provider.Message) error {
	exchange, key, err := route(dest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	if dest.Kind() == provider.KindTopic {
		if err := s.declareExchange(exchange); err != nil {
			return err
		}
	}
	if err := s.ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg)); err != nil {
		return wrapFailure(&rabbitmq.PublishError{Exchange: exchange, RoutingKey: key, Err: err, Timestamp: time.Now()})
	}
	return nil
}

// declareExchange makes sure the fanout exchange of a topic exists before
// the first publish to it. Called with s.mu held.
func (s *Session) declareExchange(name string) error {
	if _, ok := s.exchanges[name]; ok {
		return nil
	}
	if err := rabbitmq.NewTopologyManager(s.ch).DeclareExchange(rabbitmq.TopicExchange(name)); err != nil {
		return wrapFailure(err)
	}
	s.exchanges[name] = struct{}{}
	return nil
}

// Commit implements provider.Session
func (s *Session) Commit() error {
	return s.tx("tx.commit", (*amqp.Channel).TxCommit)
}

// Rollback implements provider.Session
func (s *Session) Rollback() error {
	return s.tx("tx.rollback", (*amqp.Channel).TxRollback)
}

func (s *Session) tx(op string, fn func(*amqp.Channel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	if !s.transacted {
		return errNotTransacted
	}
	if err := fn(s.ch); err != nil {
		return wrapFailure(&rabbitmq.ChannelError{Op: op, Err: err, Timestamp: time.Now()})
	}
	return nil
}

// Close implements provider.Session. Undelivered messages go back to
// their queue.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rest := s.pending
	s.pending = nil
	s.mu.Unlock()

	requeue(rest)
	err := s.ch.Close()
	s.conn.removeSession(s)
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &rabbitmq.ChannelError{Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}

var errNotTransacted = errors.New("rabbitmq: session is not transacted")

func requeue(batch []inbound) {
	for _, in := range batch {
		// a failed nack leaves the delivery unacknowledged; the broker
		// requeues it when the consumer channel closes
		_ = in.delivery.Nack(false, true)
	}
}
