// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ra is the entry point of the resource adapter. A ResourceAdapter
// owns the work manager that runs message delivery and the set of endpoint
// activations, and builds outbound connection factories sharing its
// directory and logger.
package ra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-ra/inflow"
	"github.com/glimte/mmate-ra/outbound"
	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/work"
)

const defaultMaxConcurrency = 64

var (
	// ErrStopped is returned by EndpointActivation after Stop
	ErrStopped = errors.New("ra: resource adapter stopped")
	// ErrUnknownActivation is returned for ids that are not registered
	ErrUnknownActivation = errors.New("ra: unknown activation")
	// ErrNoDirectory is returned by New without a directory factory
	ErrNoDirectory = errors.New("ra: directory factory is required")
)

// ResourceAdapter manages endpoint activations and outbound factories
type ResourceAdapter struct {
	logger      *slog.Logger
	directories provider.DirectoryFactory
	locateTM    inflow.TransactionManagerLocator
	execCtx     inflow.ExecutionContext
	scheduler   work.Scheduler
	manager     *work.Manager
	concurrency int

	mu          sync.Mutex
	activations map[string]*inflow.Activation
	stopped     bool
}

// Option configures the ResourceAdapter
type Option func(*ResourceAdapter)

// WithLogger sets the logger shared with activations and outbound factories
func WithLogger(logger *slog.Logger) Option {
	return func(ra *ResourceAdapter) {
		if logger != nil {
			ra.logger = logger
		}
	}
}

// WithDirectoryFactory sets how destinations and connection factories are looked up
func WithDirectoryFactory(df provider.DirectoryFactory) Option {
	return func(ra *ResourceAdapter) {
		ra.directories = df
	}
}

// WithTransactionManager sets the transaction manager locator of activations
func WithTransactionManager(locate inflow.TransactionManagerLocator) Option {
	return func(ra *ResourceAdapter) {
		ra.locateTM = locate
	}
}

// WithExecutionContext sets the context activation setup runs under
func WithExecutionContext(ec inflow.ExecutionContext) Option {
	return func(ra *ResourceAdapter) {
		ra.execCtx = ec
	}
}

// WithScheduler runs delivery on s instead of an owned work manager. The
// adapter does not shut s down.
func WithScheduler(s work.Scheduler) Option {
	return func(ra *ResourceAdapter) {
		ra.scheduler = s
	}
}

// WithMaxConcurrency sizes the owned work manager
func WithMaxConcurrency(n int) Option {
	return func(ra *ResourceAdapter) {
		if n > 0 {
			ra.concurrency = n
		}
	}
}

// New creates a resource adapter
func New(opts ...Option) (*ResourceAdapter, error) {
	ra := &ResourceAdapter{
		logger:      slog.Default(),
		concurrency: defaultMaxConcurrency,
		activations: make(map[string]*inflow.Activation),
	}
	for _, opt := range opts {
		opt(ra)
	}
	if ra.directories == nil {
		return nil, ErrNoDirectory
	}
	if ra.scheduler == nil {
		ra.manager = work.NewManager(
			work.WithMaxConcurrency(ra.concurrency),
			work.WithLogger(ra.logger),
		)
		ra.scheduler = ra.manager
	}
	return ra, nil
}

// EndpointActivation creates and starts an activation delivering to the
// endpoints of factory. The returned id identifies it to
// EndpointDeactivation.
func (ra *ResourceAdapter) EndpointActivation(factory inflow.EndpointFactory, spec inflow.ActivationSpec) (string, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.stopped {
		return "", ErrStopped
	}

	opts := []inflow.ActivationOption{
		inflow.WithLogger(ra.logger),
		inflow.WithDirectoryFactory(ra.directories),
	}
	if ra.locateTM != nil {
		opts = append(opts, inflow.WithTransactionManager(ra.locateTM))
	}
	if ra.execCtx != nil {
		opts = append(opts, inflow.WithExecutionContext(ra.execCtx))
	}
	a, err := inflow.NewActivation(spec, factory, ra.scheduler, opts...)
	if err != nil {
		return "", fmt.Errorf("ra: endpoint activation: %w", err)
	}
	if err := a.Start(); err != nil {
		return "", fmt.Errorf("ra: endpoint activation: %w", err)
	}

	id := uuid.NewString()
	ra.activations[id] = a
	ra.logger.Info("endpoint activated", "activation", id, "destination", spec.Destination)
	return id, nil
}

// EndpointDeactivation stops the activation and forgets it
func (ra *ResourceAdapter) EndpointDeactivation(id string) error {
	ra.mu.Lock()
	a, ok := ra.activations[id]
	delete(ra.activations, id)
	ra.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActivation, id)
	}

	a.Stop()
	ra.logger.Info("endpoint deactivated", "activation", id, "destination", a.Spec().Destination)
	return nil
}

// Activation returns the activation registered under id
func (ra *ResourceAdapter) Activation(id string) (*inflow.Activation, bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	a, ok := ra.activations[id]
	return a, ok
}

// Activations returns the registered activations by id
func (ra *ResourceAdapter) Activations() map[string]*inflow.Activation {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return maps.Clone(ra.activations)
}

// ManagedConnectionFactory builds an outbound factory over the adapter's
// directory and logger
func (ra *ResourceAdapter) ManagedConnectionFactory(props outbound.MCFProperties) (*outbound.ManagedConnectionFactory, error) {
	return outbound.NewManagedConnectionFactory(props,
		outbound.WithLogger(ra.logger),
		outbound.WithDirectoryFactory(ra.directories),
	)
}

// Stop deactivates every endpoint concurrently, then shuts down the owned
// work manager. Later activations are refused. An activation that has not
// stopped when ctx ends is reported in the returned error and finishes in
// the background.
func (ra *ResourceAdapter) Stop(ctx context.Context) error {
	ra.mu.Lock()
	if ra.stopped {
		ra.mu.Unlock()
		return nil
	}
	ra.stopped = true
	activations := ra.activations
	ra.activations = make(map[string]*inflow.Activation)
	ra.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, a := range activations {
		g.Go(func() error {
			stopped := make(chan struct{})
			go func() {
				a.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-gctx.Done():
			}
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("ra: stopping activation %s: %w", id, err)
			}
			ra.logger.Debug("endpoint deactivated", "activation", id)
			return nil
		})
	}
	err := g.Wait()

	// the manager is shut down even when an activation is late so its
	// workers see the cancellation
	if ra.manager != nil {
		if serr := ra.manager.Shutdown(ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("ra: %w", serr))
		}
	}
	if err != nil {
		return err
	}
	ra.logger.Info("resource adapter stopped", "activations", len(activations))
	return nil
}
