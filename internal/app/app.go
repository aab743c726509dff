// Package app wires configuration, storage and providers into a ready
// Gateway. Both the HTTP server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/af-corp/operator-gateway/internal/audit"
	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/gateway"
	"github.com/af-corp/operator-gateway/internal/policy"
	"github.com/af-corp/operator-gateway/internal/ratelimit"
	"github.com/af-corp/operator-gateway/internal/router"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/store"
	"github.com/af-corp/operator-gateway/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	ConfigDir string
	// Logger overrides the logger built from the telemetry settings.
	Logger *slog.Logger
	// Registerer receives the metrics; nil means the Prometheus default.
	Registerer prometheus.Registerer
	// Watch enables hot reload of the config directory.
	Watch bool
}

// App holds every long-lived dependency of the gateway.
type App struct {
	Loader   *config.Loader
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *telemetry.Metrics
	Sessions *session.Manager
	Registry *router.Registry
	Health   *router.HealthTracker
	Policy   *policy.Evaluator
	Limiter  *ratelimit.Limiter
	Gateway  *gateway.Gateway

	dbReachable bool
	auditSink   *audit.PostgresSink
	logger      *slog.Logger
}

func New(ctx context.Context, opts Options) (*App, error) {
	a := &App{}
	a.Loader = config.NewLoader(opts.ConfigDir, slog.Default())
	if err := a.Loader.Load(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := a.Loader.Config()

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger(os.Stdout, cfg.Telemetry)
		slog.SetDefault(logger)
	}
	a.logger = logger

	if err := a.connectDatabase(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.connectRedis(ctx, cfg.Redis)

	if cfg.Database.ProvidersTable && !a.dbReachable {
		logger.Warn("providers table requested but database is unreachable, using providers.yaml only")
	}
	if cfg.Database.ProvidersTable && a.dbReachable {
		a.Loader.SetProviderOverlay(func(pc *config.ProvidersConfig) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rows, err := store.LoadProviders(ctx, a.DB)
			if err != nil {
				return err
			}
			pc.Merge(rows)
			return nil
		})
		if err := a.Loader.Load(); err != nil {
			return nil, fmt.Errorf("load providers table: %w", err)
		}
	}

	a.Metrics = telemetry.NewMetrics(opts.Registerer)

	var sessionStore session.Store
	switch {
	case cfg.Session.Backend == "redis" && a.Redis != nil:
		sessionStore = session.NewRedisStore(a.Redis, cfg.Redis.KeyPrefix)
	default:
		if cfg.Session.Backend == "redis" {
			logger.Warn("redis unavailable, keeping provider sessions in memory")
		}
		sessionStore = session.NewMemoryStore()
	}
	a.Sessions = session.NewManager(sessionStore, cfg.Session.TTL, cfg.Session.LoginTimeout, logger)
	a.Sessions.SetObserver(a.Metrics.RecordLogin)

	solver, err := captcha.New(cfg.Captcha)
	if err != nil {
		logger.Warn("captcha solver disabled", "error", err)
	}

	buildOpts := router.Options{
		Transport: cfg.Transport,
		Sessions:  a.Sessions,
		Solver:    solver,
		Metrics:   a.Metrics,
		Logger:    logger,
	}
	a.Registry, err = router.BuildFromConfig(a.Loader.Providers(), buildOpts)
	if err != nil {
		logger.Warn("some providers were not registered", "error", err)
	}
	logger.Info("provider registry built", "providers", a.Registry.Len())

	cb := cfg.Routing.CircuitBreaker
	a.Health = router.NewHealthTracker(cb.FailureThreshold, cb.RecoveryProbeInterval)
	a.Health.OnChange(func(provider string, state router.CircuitState) {
		a.Metrics.SetCircuitState(provider, int(state))
	})

	a.Policy = policy.NewEvaluator(func() config.PolicyConfig { return a.Loader.Config().Policy })
	if a.Policy.Enabled() {
		if err := a.Policy.Load(); err != nil {
			// Evaluator without policies denies everything.
			logger.Error("failed to load policies", "error", err)
		}
	}

	a.Limiter = ratelimit.NewLimiter(a.Redis, cfg.Redis.KeyPrefix)

	a.Gateway = gateway.New(gateway.Options{
		Registry: a.Registry,
		Health:   a.Health,
		Policy:   a.Policy,
		Volume:   ratelimit.NewVolumeTracker(a.Redis, cfg.Redis.KeyPrefix),
		Audit:    a.buildAudit(cfg.Audit),
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	a.Loader.OnReload(func() {
		next, err := router.BuildFromConfig(a.Loader.Providers(), buildOpts)
		if err != nil {
			logger.Warn("some providers were not registered on reload", "error", err)
		}
		a.Registry.Replace(next)
		a.Health.Prune(func(id string) bool {
			_, ok := a.Registry.Provider(id)
			return ok
		})
		if a.Policy.Enabled() {
			if err := a.Policy.Load(); err != nil {
				logger.Error("failed to reload policies", "error", err)
			}
		}
		logger.Info("provider registry reloaded", "providers", a.Registry.Len())
	})
	if opts.Watch {
		if err := a.Loader.Watch(); err != nil {
			logger.Warn("failed to start config watcher", "error", err)
		}
	}
	return a, nil
}

func (a *App) Config() *config.Config { return a.Loader.Config() }

func (a *App) Logger() *slog.Logger { return a.logger }

func (a *App) connectDatabase(ctx context.Context, cfg config.DatabaseConfig) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
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
	a.DB, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := a.DB.Ping(ctx); err != nil {
		a.logger.Warn("database not reachable (token auth and audit storage will fail)", "error", err)
		return nil
	}
	a.dbReachable = true
	a.logger.Info("database connected")
	return nil
}

func (a *App) connectRedis(ctx context.Context, cfg config.RedisConfig) {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis not reachable (sessions in memory, limits fail open)", "error", err)
		rdb.Close()
		return
	}
	a.Redis = rdb
	a.logger.Info("redis connected")
}

func (a *App) buildAudit(cfg config.AuditConfig) audit.Sink {
	if !cfg.Enabled {
		return audit.Discard{}
	}
	if !a.dbReachable {
		return audit.LogSink{Logger: a.logger}
	}
	a.auditSink = audit.NewPostgresSink(a.DB, cfg.BufferSize)
	return a.auditSink
}

// Close flushes queued audit entries and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.auditSink != nil {
		if err := a.auditSink.Close(ctx); err != nil {
			a.logger.Warn("audit entries not flushed", "error", err)
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
