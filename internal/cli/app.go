package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/clock"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/sequence"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *observability.Metrics
	types   *definition.Registry
	store   workflow.Store
	svc     *workflow.Service
	ready   observability.ReadinessChecks
	idem    idempotency.Store

	redis   *redis.Client
	closers []func()
}

// buildApp loads the types, opens the store and the locker, and bootstraps
// the service from stored bundles. Call close when done, even after an error.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.InitMetrics(a.reg)

	loaded, err := loadTypes(cfg.Definitions.Directories)
	if err != nil {
		return a, err
	}
	for _, is := range loaded.Issues {
		logger.Warn("application type repaired",
			zap.Int64("type_id", is.TypeID),
			zap.String("path", is.Path),
			zap.String("code", is.Code),
			zap.String("message", is.Message),
		)
	}
	if cfg.Definitions.Strict && len(loaded.Issues) > 0 {
		return a, fmt.Errorf("definitions: %d issues in strict mode: %w", len(loaded.Issues), loaded.err())
	}
	a.types = definition.NewRegistry(loaded.Types)
	a.metrics.SetDefinitionsLoaded(float64(a.types.Len()))
	logger.Info("application types loaded",
		zap.Int("types", a.types.Len()),
		zap.Int("files", loaded.Files),
		zap.String("checksum", a.types.Checksum()),
	)

	store, err := a.openStore(ctx, cfg.Store)
	if err != nil {
		return a, err
	}
	a.store = store

	locker, err := a.openLocker(ctx, cfg.Lock)
	if err != nil {
		return a, err
	}

	a.ready.DefinitionsLoaded = func() bool { return a.types.Len() > 0 }
	a.ready.Store = observability.HealthCheckFunc(store.Ping)

	a.svc = workflow.NewService(a.types, sequence.New(), clock.System(), store, locker, workflow.Options{
		Logger:      logger,
		Metrics:     a.metrics,
		LockWait:    cfg.Lock.WaitTimeout,
		SweepOnRead: cfg.Automation.Enabled && cfg.Automation.SweepOnRead,
	})
	if _, err := a.svc.Bootstrap(ctx); err != nil {
		return a, fmt.Errorf("bootstrap: %w", err)
	}

	if cfg.Idempotency.Enabled {
		if a.redis != nil {
			a.idem = idempotency.NewRedisStore(a.redis)
		} else {
			a.idem = idempotency.NewMemoryStore(nil)
		}
	}
	return a, nil
}

// close releases the store and locker connections in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context, cfg config.StoreConfig) (workflow.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		s, err := workflow.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Error("closing sqlite store", zap.Error(err))
			}
		})
		a.logger.Info("using sqlite store", zap.String("path", cfg.Path))
		return s, nil

	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("store: ping: %w", err)
		}
		s := workflow.NewPgStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		a.logger.Info("using postgres store")
		return s, nil

	default:
		a.logger.Info("using in-memory store")
		return workflow.NewMemoryStore(), nil
	}
}

func (a *app) openLocker(ctx context.Context, cfg config.LockConfig) (workflow.Locker, error) {
	if cfg.Driver != config.LockRedis {
		return workflow.NewKeyedLocker(), nil
	}

	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Error("closing redis client", zap.Error(err))
		}
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	a.redis = client
	a.ready.Lock = observability.HealthCheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	a.logger.Info("using redis locker", zap.String("addr", addr), zap.Int("db", cfg.DB))
	return workflow.NewRedisLocker(client, cfg.TTL, cfg.RetryInterval), nil
}

// loadedTypes is the raw content of the definition directories plus every
// repair normalization will apply to it.
type loadedTypes struct {
	Types  []model.ApplicationType
	Issues []definition.Issue
	Files  int
}

func (l loadedTypes) err() error {
	errs := make([]error, 0, len(l.Issues))
	for _, is := range l.Issues {
		errs = append(errs, is)
	}
	return errors.Join(errs...)
}

func loadTypes(dirs []string) (loadedTypes, error) {
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return loadedTypes{}, fmt.Errorf("definitions: %w", err)
	}
	out := loadedTypes{Types: definition.Types(files), Files: len(files)}
	for _, t := range out.Types {
		out.Issues = append(out.Issues, definition.Inspect(t)...)
	}
	return out, nil
}
