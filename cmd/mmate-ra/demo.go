package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	ra "github.com/glimte/mmate-ra"
	"github.com/glimte/mmate-ra/inflow"
	"github.com/glimte/mmate-ra/outbound"
	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/transports/memory"
)

type demoOptions struct {
	messages int
	timeout  time.Duration
}

func newDemoCmd(opts *rootOptions) *cobra.Command {
	demo := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an end-to-end exchange on an in-memory broker",
		Long: `Demo activates a queue endpoint and a durable topic endpoint on an
in-memory broker, sends messages to both through an outbound connection
handle, and reports what each endpoint received.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := opts.logLevel
			if level == "" {
				level = "warn"
			}
			logger := newLogger(cmd.ErrOrStderr(), level, "text")
			return runDemo(cmd.Context(), cmd.OutOrStdout(), logger, demo)
		},
	}
	cmd.Flags().IntVarP(&demo.messages, "messages", "n", 10, "Messages to send to each destination")
	cmd.Flags().DurationVar(&demo.timeout, "timeout", 10*time.Second, "How long to wait for delivery")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, logger *slog.Logger, opts demoOptions) error {
	broker := memory.NewBroker(memory.WithLogger(logger))
	orders := broker.DeclareQueue("orders")
	prices := broker.DeclareTopic("prices")
	broker.Bind("ConnectionFactory", broker.XAConnectionFactory())

	adapter, err := ra.New(ra.WithLogger(logger), ra.WithDirectoryFactory(broker.DirectoryFactory()), ra.WithMaxConcurrency(8))
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adapter.Stop(stopCtx); err != nil {
			logger.Error("resource adapter stop failed", "error", err)
		}
	}()

	var queued, published atomic.Int64
	queueSpec := inflow.DefaultActivationSpec()
	queueSpec.Destination = "orders"
	queueSpec.DestinationType = "queue"
	queueSpec.ConnectionFactory = "ConnectionFactory"
	queueSpec.MaxSession = 4

	topicSpec := inflow.DefaultActivationSpec()
	topicSpec.Destination = "prices"
	topicSpec.DestinationType = "topic"
	topicSpec.ConnectionFactory = "ConnectionFactory"
	topicSpec.SubscriptionDurability = inflow.Durable
	topicSpec.SubscriptionName = "audit"
	topicSpec.ClientID = "demo"
	topicSpec.MaxSession = 2

	activations := []struct {
		spec    inflow.ActivationSpec
		counter *atomic.Int64
	}{{queueSpec, &queued}, {topicSpec, &published}}
	for _, a := range activations {
		counter := a.counter
		id, err := adapter.EndpointActivation(inflow.NewHandlerFactory(func(provider.Message) error {
			counter.Add(1)
			return nil
		}), a.spec)
		if err != nil {
			return err
		}
		if err := waitFor(ctx, opts.timeout, func() bool {
			act, ok := adapter.Activation(id)
			return ok && act.State() == inflow.StateActive
		}); err != nil {
			return fmt.Errorf("activation of %s: %w", a.spec.Destination, err)
		}
	}

	mcf, err := adapter.ManagedConnectionFactory(outbound.MCFProperties{ConnectionFactory: "ConnectionFactory"})
	if err != nil {
		return err
	}
	mc, err := mcf.CreateManagedConnection(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer mc.Destroy()
	handle, err := mc.GetConnection(nil, nil)
	if err != nil {
		return err
	}
	defer handle.Close()

	for i := 0; i < opts.messages; i++ {
		body := []byte(fmt.Sprintf("message %d", i))
		if err := handle.Send(ctx, orders, memory.NewMessage(body, nil)); err != nil {
			return err
		}
		if err := handle.Send(ctx, prices, memory.NewMessage(body, map[string]any{"seq": i})); err != nil {
			return err
		}
	}

	want := int64(opts.messages)
	err = waitFor(ctx, opts.timeout, func() bool {
		return queued.Load() == want && published.Load() == want
	})
	fmt.Fprintf(out, "orders: %d/%d delivered\n", queued.Load(), want)
	fmt.Fprintf(out, "prices: %d/%d delivered\n", published.Load(), want)
	return err
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
