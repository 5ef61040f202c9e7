package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tulemar/ordersync/internal/api"
	"github.com/tulemar/ordersync/internal/config"
	"github.com/tulemar/ordersync/pkg/idempotency"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	ShutdownTimeout time.Duration
	Heartbeat       time.Duration
	NoRelay         bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API with snapshot, stream and workflow endpoints.

When the store is MongoDB the outbox relay runs in the same process unless
--no-relay is given.

Example:
  ordersync serve --config ./ordersync.yaml
  ORDERSYNC_STORE=memory ORDERSYNC_TRANSPORT=memory ordersync serve --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides serverAddr)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", 15*time.Second, "stream heartbeat interval")
	cmd.Flags().BoolVar(&opts.NoRelay, "no-relay", false, "do not run the outbox relay in this process")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.ServerAddr = opts.Addr
	}

	logger := newLogger(cfg)
	logger.Info("Starting ordersync API", "store", cfg.Store, "transport", cfg.Transport)

	ctx, cancel := signalContext(contextOrBackground(parent))
	defer cancel()

	tracingConfig := cfg.Tracing
	tracingConfig.ServiceName = config.ServiceName
	tracingConfig.ServiceVersion = Version
	tracerProvider, err := tracing.Initialize(ctx, &tracingConfig)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Failed to shutdown tracer provider")
			}
		}()
	}

	a, err := buildApp(ctx, cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to release resources")
		}
	}()
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}

	if relay := a.newRelay(); relay != nil && !opts.NoRelay {
		if err := relay.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "start outbox relay", err)
		}
		defer relay.Stop()
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(a.bus, a.workflow, logger, cfg.Realtime.EventLimit, opts.Heartbeat)
	router := api.NewRouter(api.RouterConfig{
		Handlers:      handlers,
		Metrics:       a.metrics,
		Ready:         a.ready,
		EnableTracing: cfg.Tracing.Enabled,
		Idempotency:   a.idempotencyConfig(),
	})
	if keys, ok := a.keys.(*idempotency.MemoryStore); ok {
		go idempotency.RunJanitor(ctx, keys, time.Minute, logger)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// streams end when the process is told to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return WrapExitError(ExitCommandError, "http server", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
