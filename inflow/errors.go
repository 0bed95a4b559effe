package inflow

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-ra/provider"
)

var (
	// ErrInvalidConfiguration marks a fatal activation spec problem
	ErrInvalidConfiguration = errors.New("inflow: invalid configuration")
	// ErrPoolStopped is returned by GetServerSession once the pool is stopping
	ErrPoolStopped = fmt.Errorf("inflow: session pool stopped: %w", provider.ErrPoolStopped)
	// ErrNotXACapable is returned when transacted delivery meets a plain factory or connection
	ErrNotXACapable = errors.New("inflow: provider is not xa capable")
	// ErrNoDirectory is returned when setup runs without a directory factory
	ErrNoDirectory = errors.New("inflow: no directory factory configured")
	// ErrActivationStopped is returned by setup attempts racing a stop
	ErrActivationStopped = errors.New("inflow: activation stopped")
)

// ConfigError describes an invalid activation spec field
type ConfigError struct {
	Field     string
	Reason    string
	Timestamp time.Time
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("inflow config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// SetupError describes a failed activation or server session setup step
type SetupError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("inflow setup error: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupError(op string, err error) error {
	return &SetupError{Op: op, Err: err, Timestamp: time.Now()}
}

// IsConfigError reports whether err is a fatal configuration problem
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// teardownReport collects per-step teardown results. A failing step never
// prevents the following ones from running.
type teardownReport struct {
	steps []teardownStep
}

type teardownStep struct {
	name string
	err  error
}

func (r *teardownReport) add(name string, err error) {
	r.steps = append(r.steps, teardownStep{name: name, err: err})
}

// Err joins every failed step, or returns nil
func (r *teardownReport) Err() error {
	var errs []error
	for _, s := range r.steps {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, s.err))
		}
	}
	return errors.Join(errs...)
}

func (r *teardownReport) log(logger *slog.Logger, msg string, args ...any) {
	for _, s := range r.steps {
		if s.err != nil {
			logger.Debug(msg, append(args, "step", s.name, "error", s.err)...)
		}
	}
}
