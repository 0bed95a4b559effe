package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ra "github.com/glimte/mmate-ra"
	"github.com/glimte/mmate-ra/config"
	"github.com/glimte/mmate-ra/health"
	"github.com/glimte/mmate-ra/inflow"
	"github.com/glimte/mmate-ra/internal/reliability"
	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/transports/rabbitmq"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured activations against RabbitMQ",
		Long: `Run starts every configured activation, delivering to an endpoint that
logs each message, opens the configured outbound factories and serves
/metrics, /healthz, /readyz and /livez until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	adapter, err := ra.New(
		ra.WithLogger(logger),
		ra.WithDirectoryFactory(brokerDirectory(cfg.Broker, logger)),
		ra.WithMaxConcurrency(cfg.Work.MaxConcurrency),
	)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := adapter.Stop(stopCtx); err != nil {
			logger.Error("resource adapter stop failed", "error", err)
		}
	}()

	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(health.NewActivationChecker(activationList(adapter)))
	registry.Register(health.NewRuntimeChecker(5000, 20000))
	registry.Register(health.NewBrokerChecker("broker", rabbitmq.NewConnectionFactory(cfg.Broker.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialTimeout(cfg.Server.HealthTimeout),
	), reliability.NewBreaker(reliability.WithCooldown(cfg.Broker.DialTimeout))))

	for i := range cfg.Outbound {
		o := cfg.Outbound[i]
		mcf, err := adapter.ManagedConnectionFactory(o.MCFProperties)
		if err != nil {
			return fmt.Errorf("outbound %s: %w", o.Name, err)
		}
		registry.Register(health.NewConnectionFactoryChecker("outbound:"+o.Name, mcf, logger))
	}

	for _, spec := range cfg.Activations {
		if _, err := adapter.EndpointActivation(logEndpoint(logger, spec.Destination), spec); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newMux(registry, cfg.Server.HealthTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving metrics and health", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newMux(registry *health.Registry, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, timeout))
	mux.Handle("/readyz", health.ReadinessHandler(registry, timeout))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

// brokerDirectory fills in the broker URL and factory name for parameter
// sets that do not name their own
func brokerDirectory(b config.BrokerConfig, logger *slog.Logger) provider.DirectoryFactory {
	df := rabbitmq.NewDirectoryFactory(
		rabbitmq.WithLogger(logger),
		rabbitmq.WithPrefetch(b.Prefetch),
		rabbitmq.WithDialTimeout(b.DialTimeout),
	)
	return func(props map[string]string) (provider.Directory, error) {
		merged := map[string]string{
			rabbitmq.PropURL:               b.URL,
			rabbitmq.PropConnectionFactory: b.ConnectionFactory,
		}
		maps.Copy(merged, props)
		return df(merged)
	}
}

func activationList(adapter *ra.ResourceAdapter) func() []*inflow.Activation {
	return func() []*inflow.Activation {
		activations := adapter.Activations()
		list := make([]*inflow.Activation, 0, len(activations))
		for _, a := range activations {
			list = append(list, a)
		}
		return list
	}
}

func logEndpoint(logger *slog.Logger, destination string) inflow.EndpointFactory {
	logger = logger.With("destination", destination)
	return inflow.NewHandlerFactory(func(msg provider.Message) error {
		logger.Info("message received", "message", msg.ID(), "bytes", len(msg.Body()), "headers", len(msg.Headers()))
		return nil
	})
}
