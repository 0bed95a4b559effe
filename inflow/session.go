package inflow

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-ra/internal/metrics"
	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/work"
)

// ServerSession pairs one provider session with one endpoint. Each Start
// runs one dispatch cycle on the scheduler, after which the session returns
// itself to its pool.
type ServerSession struct {
	work.ListenerAdapter

	pool   *ServerSessionPool
	logger *slog.Logger

	session    provider.Session
	xaSession  provider.XASession
	xaResource provider.XAResource
	endpoint   Endpoint

	// dispatching is set while the session is handed out and cleared by the
	// single return to the pool
	dispatching  atomic.Bool
	teardownOnce sync.Once
}

func newServerSession(p *ServerSessionPool) *ServerSession {
	return &ServerSession{pool: p, logger: p.logger}
}

func (s *ServerSession) setup() error {
	a := s.pool.activation
	conn := a.Connection()
	if conn == nil {
		return setupError("server session", fmt.Errorf("activation has no connection"))
	}

	if a.IsDeliveryTransacted() {
		xaConn, ok := conn.(provider.XAConnection)
		if !ok {
			return setupError("server session", fmt.Errorf("%w: delivery is transacted but the connection cannot create xa sessions", ErrNotXACapable))
		}
		xs, err := xaConn.CreateXASession()
		if err != nil {
			return setupError("create xa session", err)
		}
		s.xaSession = xs
		s.session = xs.Session()
		s.xaResource = xs.XAResource()
	} else {
		session, err := conn.CreateSession(false, a.spec.AckMode())
		if err != nil {
			return setupError("create session", err)
		}
		s.session = session
	}

	endpoint, err := a.endpointFactory.CreateEndpoint(s.xaResource)
	if err != nil {
		return setupError("create endpoint", err)
	}
	s.endpoint = endpoint

	if err := s.session.SetMessageListener(s); err != nil {
		return setupError("set message listener", err)
	}
	return nil
}

// teardown releases the endpoint, then closes the xa session and the session
func (s *ServerSession) teardown() {
	s.teardownOnce.Do(func() {
		var report teardownReport
		if s.endpoint != nil {
			report.add("release endpoint", safely(s.endpoint.Release))
		}
		if s.xaSession != nil {
			report.add("close xa session", s.xaSession.Close())
		}
		if s.session != nil {
			report.add("close session", s.session.Close())
		}
		report.log(s.logger, "error tearing down server session")
	})
}

// Session implements provider.ServerSession
func (s *ServerSession) Session() (provider.Session, error) {
	return s.session, nil
}

// Start implements provider.ServerSession by scheduling the dispatch cycle
func (s *ServerSession) Start() error {
	if err := s.pool.activation.scheduler.ScheduleWorkWithListener(s, 0, s); err != nil {
		s.logger.Error("unable to schedule work", "error", err)
		return fmt.Errorf("inflow: unable to schedule work: %w", err)
	}
	return nil
}

// Run implements work.Work
func (s *ServerSession) Run() {
	s.session.Run()
}

// Release implements work.Work
func (s *ServerSession) Release() {}

// OnMessage implements provider.MessageListener. Failures are logged and
// never escape the delivery.
func (s *ServerSession) OnMessage(msg provider.Message) {
	a := s.pool.activation
	dest := s.pool.label
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDelivery(dest, metrics.OutcomeFailed)
			s.logger.Error("unexpected error delivering message", "message_id", msg.ID(), "panic", r)
		}
	}()

	if timeout := a.spec.TransactionTimeout; timeout > 0 {
		if tm := a.TransactionManager(); tm != nil {
			if err := tm.SetTransactionTimeout(timeout); err != nil {
				s.logger.Error("unable to set transaction timeout", "timeout", timeout, "error", err)
				metrics.IncDelivery(dest, metrics.OutcomeFailed)
				return
			}
		}
	}

	if err := s.endpoint.BeforeDelivery(OnMessage); err != nil {
		metrics.IncDelivery(dest, metrics.OutcomeFailed)
		s.logger.Error("unexpected error delivering message", "message_id", msg.ID(), "error", err)
		return
	}

	err := s.deliver(msg)
	if err != nil {
		metrics.IncDelivery(dest, metrics.OutcomeFailed)
		s.logger.Error("unexpected error delivering message", "message_id", msg.ID(), "error", err)
		return
	}
	metrics.IncDelivery(dest, metrics.OutcomeDelivered)
}

// deliver invokes the handler; AfterDelivery always runs once BeforeDelivery succeeded
func (s *ServerSession) deliver(msg provider.Message) (err error) {
	defer func() {
		if afterErr := s.endpoint.AfterDelivery(); afterErr != nil && err == nil {
			err = afterErr
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.endpoint.OnMessage(msg)
}

// WorkCompleted implements work.Listener
func (s *ServerSession) WorkCompleted(e work.Event) {
	if e.Err != nil {
		s.logger.Error("dispatch cycle failed", "error", e.Err)
	}
	s.finish()
}

// WorkRejected implements work.Listener
func (s *ServerSession) WorkRejected(e work.Event) {
	s.logger.Warn("dispatch cycle rejected", "error", e.Err)
	s.finish()
}

func (s *ServerSession) finish() {
	if s.dispatching.CompareAndSwap(true, false) {
		s.pool.returnServerSession(s)
	}
}

func safely(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	f()
	return nil
}
