package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-ra/provider"
)

type delivery struct {
	msg    provider.Message
	source *fifo
}

type outgoing struct {
	dest provider.Destination
	msg  provider.Message
}

// Session is a memory broker session. Transacted sessions buffer sends and
// received messages until Commit or Rollback; XA sessions do the same for
// the branch currently associated with them.
type Session struct {
	conn       *Connection
	transacted bool
	ack        provider.AckMode
	xa         bool

	mu       sync.Mutex
	listener provider.MessageListener
	pending  []delivery
	current  *delivery
	received []delivery
	sent     []outgoing
	branch   *branch
	closed   bool
}

func newSession(c *Connection, transacted bool, ack provider.AckMode, xa bool) *Session {
	return &Session{conn: c, transacted: transacted, ack: ack, xa: xa}
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

// load hands messages taken from source to the session for the next Run
func (s *Session) load(source *fifo, msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.pending = append(s.pending, delivery{msg: m, source: source})
	}
}

// Run implements provider.Session
func (s *Session) Run() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		d := s.pending[0]
		s.pending = s.pending[1:]
		if s.closed || s.listener == nil {
			rest := append([]delivery{d}, s.pending...)
			s.pending = nil
			s.mu.Unlock()
			requeue(rest)
			return
		}
		listener := s.listener
		s.current = &d
		s.mu.Unlock()

		listener.OnMessage(d.msg)

		s.mu.Lock()
		if s.current != nil && s.transacted && !s.xa {
			s.received = append(s.received, d)
		}
		s.current = nil
		s.mu.Unlock()
	}
}

// Send implements provider.Session
func (s *Session) Send(ctx context.Context, dest provider.Destination, msg provider.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrClosed
	}
	if s.branch != nil {
		s.branch.sent = append(s.branch.sent, outgoing{dest: dest, msg: msg})
		s.mu.Unlock()
		return nil
	}
	if s.transacted && !s.xa {
		s.sent = append(s.sent, outgoing{dest: dest, msg: msg})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.conn.mu.Lock()
	err := s.conn.usable()
	s.conn.mu.Unlock()
	if err != nil {
		return err
	}
	return s.conn.broker.Publish(dest, msg)
}

// Commit implements provider.Session
func (s *Session) Commit() error {
	s.mu.Lock()
	if err := s.localTx(); err != nil {
		s.mu.Unlock()
		return err
	}
	sent := s.sent
	s.sent = nil
	s.received = nil
	s.mu.Unlock()
	return s.conn.broker.publishAll(sent)
}

// Rollback implements provider.Session
func (s *Session) Rollback() error {
	s.mu.Lock()
	if err := s.localTx(); err != nil {
		s.mu.Unlock()
		return err
	}
	received := s.received
	s.sent = nil
	s.received = nil
	s.mu.Unlock()
	requeue(received)
	return nil
}

func (s *Session) localTx() error {
	if s.closed {
		return provider.ErrClosed
	}
	if s.xa {
		return fmt.Errorf("%w: local transaction demarcation on an xa session", provider.ErrXA)
	}
	if !s.transacted {
		return fmt.Errorf("memory: session is not transacted")
	}
	return nil
}

// Close implements provider.Session. Uncommitted work is rolled back and
// undelivered messages return to their source.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	back := append(s.received, s.pending...)
	s.received = nil
	s.pending = nil
	s.sent = nil
	s.mu.Unlock()

	requeue(back)
	s.conn.removeSession(s)
	return nil
}

func requeue(ds []delivery) {
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i].source != nil {
			ds[i].source.pushFront(ds[i].msg)
		}
	}
}

func (b *Broker) publishAll(out []outgoing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range out {
		if err := b.publishLocked(o.dest, o.msg); err != nil {
			return err
		}
	}
	return nil
}

// XASession pairs a memory session with its XA resource
type XASession struct {
	session *Session
	once    sync.Once
	res     *xaResource
}

// Session implements provider.XASession
func (x *XASession) Session() provider.Session { return x.session }

// XAResource implements provider.XASession
func (x *XASession) XAResource() provider.XAResource {
	x.once.Do(func() {
		x.res = newXAResource(x.session)
	})
	return x.res
}

// Close implements provider.XASession
func (x *XASession) Close() error { return x.session.Close() }
