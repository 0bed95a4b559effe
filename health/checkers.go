package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-ra/inflow"
	"github.com/glimte/mmate-ra/internal/reliability"
	"github.com/glimte/mmate-ra/outbound"
	"github.com/glimte/mmate-ra/provider"
)

// ActivationChecker reports the state of endpoint activations. Recovering
// or starting activations degrade the adapter; an activation that gave up
// reconnecting makes it unhealthy.
type ActivationChecker struct {
	list func() []*inflow.Activation
}

// NewActivationChecker creates a checker over the activations list returns
func NewActivationChecker(list func() []*inflow.Activation) *ActivationChecker {
	return &ActivationChecker{list: list}
}

func (c *ActivationChecker) Name() string { return "activations" }

func (c *ActivationChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	counts := make(map[inflow.State]int)
	var failed []string
	for _, a := range c.list() {
		state := a.State()
		counts[state]++
		result.Details[a.Spec().Destination] = state.String()
		switch state {
		case inflow.StateInactive:
			failed = append(failed, a.Spec().Destination)
			result.Status = StatusUnhealthy
		case inflow.StateStarting, inflow.StateRecovering:
			if result.Status == StatusHealthy {
				result.Status = StatusDegraded
			}
		}
	}

	switch result.Status {
	case StatusUnhealthy:
		result.Message = fmt.Sprintf("activations inactive: %v", failed)
	case StatusDegraded:
		result.Message = fmt.Sprintf("%d starting, %d recovering", counts[inflow.StateStarting], counts[inflow.StateRecovering])
	default:
		result.Message = fmt.Sprintf("%d active", counts[inflow.StateActive])
	}
	result.Duration = time.Since(start)
	return result
}

// ConnectionFactoryChecker probes an outbound factory by opening and
// destroying one managed connection
type ConnectionFactoryChecker struct {
	name    string
	factory *outbound.ManagedConnectionFactory
	logger  *slog.Logger
}

// NewConnectionFactoryChecker creates a new outbound factory checker
func NewConnectionFactoryChecker(name string, factory *outbound.ManagedConnectionFactory, logger *slog.Logger) *ConnectionFactoryChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionFactoryChecker{name: name, factory: factory, logger: logger}
}

func (c *ConnectionFactoryChecker) Name() string { return c.name }

func (c *ConnectionFactoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	mc, err := c.factory.CreateManagedConnection(ctx, nil, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open managed connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := mc.Destroy(); err != nil {
			c.logger.Warn("health probe connection destroy failed", "connection", mc.ID(), "error", err)
		}
	}()

	md, err := mc.MetaData()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "metadata unavailable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "managed connection opened"
		result.Details["product"] = md.ProductName + " " + md.ProductVersion
		result.Details["user"] = md.UserName
	}
	result.Details["xa"] = mc.XATransacted()
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BrokerChecker probes a broker by opening and closing a plain connection.
// With a breaker, probes stop while the broker keeps refusing connections
// and the last failure is reported instead.
type BrokerChecker struct {
	name    string
	factory provider.ConnectionFactory
	breaker *reliability.Breaker
}

// NewBrokerChecker creates a new broker checker; breaker may be nil
func NewBrokerChecker(name string, factory provider.ConnectionFactory, breaker *reliability.Breaker) *BrokerChecker {
	return &BrokerChecker{name: name, factory: factory, breaker: breaker}
}

func (c *BrokerChecker) Name() string { return c.name }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	var closeErr error
	probe := func() error {
		conn, err := c.factory.CreateConnection(ctx, "", "")
		if err != nil {
			return err
		}
		closeErr = conn.Close()
		return nil
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, probe)
		result.Details = map[string]any{"breaker": c.breaker.State().String()}
	} else {
		err = probe()
	}

	switch {
	case errors.Is(err, reliability.ErrBreakerOpen):
		result.Status = StatusUnhealthy
		result.Message = "broker unreachable, probe suspended"
		result.Error = err.Error()
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "broker unreachable"
		result.Error = err.Error()
	case closeErr != nil:
		result.Status = StatusDegraded
		result.Message = "connection close failed"
		result.Error = closeErr.Error()
	default:
		result.Status = StatusHealthy
		result.Message = "broker reachable"
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine growth, which usually means delivery
// loops or sessions are not being torn down
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
