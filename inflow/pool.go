package inflow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-ra/internal/metrics"
	"github.com/glimte/mmate-ra/provider"
)

// ServerSessionPool hands server sessions to the provider's connection
// consumer. It holds at most MaxSession sessions, creates them lazily past
// MinSession and blocks GetServerSession while every session is busy.
type ServerSessionPool struct {
	activation *Activation
	logger     *slog.Logger
	label      string

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*ServerSession
	busy     map[*ServerSession]struct{}
	creating int
	active   bool
	consumer provider.ConnectionConsumer
}

func newServerSessionPool(a *Activation) *ServerSessionPool {
	p := &ServerSessionPool{
		activation: a,
		logger:     a.logger.With("component", "session-pool"),
		label:      a.spec.Destination,
		busy:       make(map[*ServerSession]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start pre-allocates MinSession sessions and registers the connection consumer
func (p *ServerSessionPool) Start() error {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()

	spec := p.activation.spec
	for i := 0; i < spec.MinSession; i++ {
		s, err := p.newSession()
		if err != nil {
			p.Stop()
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
	p.updateMetrics()

	consumer, err := p.createConsumer()
	if err != nil {
		p.Stop()
		return setupError("create connection consumer", err)
	}

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		_ = consumer.Close()
		return ErrPoolStopped
	}
	p.consumer = consumer
	p.mu.Unlock()
	p.logger.Debug("session pool started", "min", spec.MinSession, "max", spec.MaxSession)
	return nil
}

func (p *ServerSessionPool) createConsumer() (provider.ConnectionConsumer, error) {
	a := p.activation
	spec := a.spec
	conn := a.Connection()
	dest := a.Destination()
	if conn == nil || dest == nil {
		return nil, fmt.Errorf("activation has no connection or destination")
	}
	if a.IsTopic() && spec.Durable() {
		topic, ok := dest.(provider.Topic)
		if !ok {
			topic = provider.NewTopic(dest.Name())
		}
		return conn.CreateDurableConnectionConsumer(topic, spec.SubscriptionName, spec.MessageSelector, p, spec.MaxMessages)
	}
	return conn.CreateConnectionConsumer(dest, spec.MessageSelector, p, spec.MaxMessages)
}

func (p *ServerSessionPool) newSession() (*ServerSession, error) {
	s := newServerSession(p)
	if err := s.setup(); err != nil {
		s.teardown()
		return nil, err
	}
	metrics.IncSessionsCreated(p.label)
	return s, nil
}

// GetServerSession implements provider.ServerSessionPool
func (p *ServerSessionPool) GetServerSession() (provider.ServerSession, error) {
	max := p.activation.spec.MaxSession

	p.mu.Lock()
	for {
		if !p.active {
			p.mu.Unlock()
			return nil, ErrPoolStopped
		}
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy[s] = struct{}{}
			s.dispatching.Store(true)
			p.mu.Unlock()
			p.updateMetrics()
			return s, nil
		}
		if len(p.busy)+p.creating < max {
			break
		}
		p.cond.Wait()
	}
	p.creating++
	p.mu.Unlock()

	s, err := p.newSession()

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.cond.Signal()
		p.mu.Unlock()
		p.logger.Error("failed to create server session", "error", err)
		return nil, err
	}
	if !p.active {
		p.mu.Unlock()
		s.teardown()
		return nil, ErrPoolStopped
	}
	p.busy[s] = struct{}{}
	s.dispatching.Store(true)
	p.mu.Unlock()
	p.updateMetrics()
	return s, nil
}

// returnServerSession moves s from busy back to idle, or tears it down once
// the pool is stopping
func (p *ServerSessionPool) returnServerSession(s *ServerSession) {
	p.mu.Lock()
	_, wasBusy := p.busy[s]
	delete(p.busy, s)
	if !p.active {
		p.mu.Unlock()
		s.teardown()
		return
	}
	if !wasBusy {
		p.mu.Unlock()
		p.logger.Warn("returned server session was not busy")
		return
	}
	p.idle = append(p.idle, s)
	p.cond.Signal()
	p.mu.Unlock()
	p.updateMetrics()
}

// Stop deactivates the pool, closes the consumer and tears every session down
func (p *ServerSessionPool) Stop() {
	p.mu.Lock()
	p.active = false
	consumer := p.consumer
	p.consumer = nil
	sessions := append([]*ServerSession(nil), p.idle...)
	for s := range p.busy {
		sessions = append(sessions, s)
	}
	p.idle = nil
	p.busy = make(map[*ServerSession]struct{})
	p.cond.Broadcast()
	p.mu.Unlock()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			p.logger.Debug("error closing connection consumer", "error", err)
		}
	}
	for _, s := range sessions {
		s.teardown()
	}
	p.updateMetrics()
	p.logger.Debug("session pool stopped", "sessions", len(sessions))
}

// Size returns the number of idle and busy sessions
func (p *ServerSessionPool) Size() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.busy)
}

// Active reports whether the pool hands out sessions
func (p *ServerSessionPool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *ServerSessionPool) updateMetrics() {
	idle, busy := p.Size()
	metrics.SetPoolSessions(p.label, idle, busy)
}
