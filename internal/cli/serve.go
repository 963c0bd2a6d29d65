package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
)

const defaultShutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the automation sweeper",
		Long: `Run the HTTP API. When automation is enabled the SLA sweeper runs
alongside it. SIGINT and SIGTERM drain in-flight requests and stop both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	observability.Version = opts.Version
	observability.Commit = opts.Commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, opts.Version)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger)
	defer a.close()
	if err != nil {
		return err
	}

	secret := cfg.Identity.Secret()
	if len(secret) == 0 {
		logger.Warn("identity secret is empty, every API request will be rejected",
			zap.String("env", cfg.Identity.SecretEnv))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newHandler(a, secret),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", opts.Version),
			zap.String("commit", opts.Commit),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Automation.Enabled {
		sweeper := workflow.NewSweeper(a.svc, cfg.Automation.Interval, logger)
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracingShutdown(flushCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("server stopped with error", zap.Error(runErr))
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// newHandler builds the HTTP handler for a.
func newHandler(a *app, secret []byte) http.Handler {
	return transport.NewRouter(transport.Dependencies{
		Config:       a.cfg,
		Service:      a.svc,
		Types:        a.types,
		Logger:       a.logger,
		Metrics:      a.metrics,
		Gatherer:     a.reg,
		Readiness:    a.ready,
		Authenticate: transport.JWTAuthenticator(a.cfg.Identity, secret),
		Idempotency:  a.idem,
	})
}
