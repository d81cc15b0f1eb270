package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/capability"
	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/dependency"
	"github.com/pitabwire/stageflow/internal/events"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/progress"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/internal/template"
	"github.com/pitabwire/stageflow/internal/transport"
	"github.com/pitabwire/stageflow/internal/workflow"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath)
		},
	}
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability, version)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, cfg.Observability.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var cleanup closers
	defer func() { cleanup.run() }()

	readiness := map[string]observability.HealthChecker{}

	tasks, projects, err := buildStores(ctx, cfg.Store, readiness, &cleanup, logger)
	if err != nil {
		return err
	}

	bus, natsConn, err := buildEventBus(cfg.Events, readiness, &cleanup, logger)
	if err != nil {
		return err
	}
	observed := store.NewObservedTaskStore(tasks, bus, logger)

	notifier, err := buildNotifier(cfg, natsConn, metrics, &cleanup, logger)
	if err != nil {
		return err
	}

	idem, err := buildIdempotencyStore(cfg.Idempotency, readiness, &cleanup, logger)
	if err != nil {
		return err
	}

	registry, err := loadDefinitions(cfg.Workflow.DefinitionsDir)
	if err != nil {
		return err
	}
	transitions, templates := registry.Stats()
	logger.Info("definitions loaded",
		zap.Int("transitions", transitions),
		zap.Int("templates", templates),
		zap.String("checksum", registry.Checksum()),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Workflow.DefinitionsDir != "" && cfg.Workflow.Watch {
		reloader := definition.NewReloader(registry, cfg.Workflow.DefinitionsDir, logger, metrics.RecordDefinitionReload)
		watcher, err := definition.NewWatcher(reloader, cfg.Workflow.WatchDebounce)
		if err != nil {
			return fmt.Errorf("definition watcher: %w", err)
		}
		if err := watcher.Start(bgCtx); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("definition watcher: %w", err)
		}
		cleanup.add(func() { _ = watcher.Close() })
		logger.Info("watching definitions", zap.String("dir", cfg.Workflow.DefinitionsDir))
	}

	resolver := dependency.NewResolver(observed,
		dependency.WithLogger(logger),
		dependency.WithNotifier(notifier),
		dependency.WithMetrics(metrics),
	)
	instantiator := template.NewInstantiator(registry, observed,
		template.WithLogger(logger),
		template.WithNotifier(notifier),
		template.WithMetrics(metrics),
	)
	calculator := progress.NewCalculator(observed, projects,
		progress.WithLogger(logger),
		progress.WithNotifier(notifier),
		progress.WithMetrics(metrics),
	)

	rollbackMode := workflow.RollbackAppend
	if cfg.Workflow.Rollback.Mode == config.RollbackClearHistory {
		rollbackMode = workflow.RollbackClearHistory
	}
	engine := workflow.NewEngine(registry, observed, projects, resolver, instantiator, calculator,
		workflow.WithLogger(logger),
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(metrics),
		workflow.WithRollbackMode(rollbackMode),
		workflow.WithChangeFeed(bus),
	)
	listeners := workflow.NewListeners(bgCtx, engine)

	caps, err := buildCapabilities(cfg.Authorization, logger)
	if err != nil {
		return err
	}

	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		readiness["identity"] = jwks
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool {
				n, _ := registry.Stats()
				return n > 0
			},
			Dependencies: readiness,
		},
		Engine:       engine,
		Listeners:    listeners,
		Resolver:     resolver,
		Instantiator: instantiator,
		Progress:     calculator,
		Definitions:  registry,
		Tasks:        observed,
		Projects:     projects,
		Idempotency:  idem,
		Capabilities: caps,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Listeners flush their queues before the stores go away.
	listeners.StopAll()
	bgCancel()
	cleanup.run()
	cleanup = nil

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildStores opens the configured task and project stores.
func buildStores(ctx context.Context, cfg config.StoreConfig, readiness map[string]observability.HealthChecker, cleanup *closers, logger *zap.Logger) (store.TaskStore, store.ProjectStore, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Info("using in-memory store")
		return store.NewMemoryTaskStore(), store.NewMemoryProjectStore(), nil

	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}
		if err := store.EnsurePgSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup.add(pool.Close)

		tasks := store.NewPgTaskStore(pool)
		readiness["store"] = tasks
		return tasks, store.NewPgProjectStore(pool), nil

	case config.StoreSQLite:
		db, err := store.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { _ = db.Close() })

		tasks := store.NewSQLiteTaskStore(db)
		readiness["store"] = tasks
		return tasks, store.NewSQLiteProjectStore(db), nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildEventBus returns the change feed and, for NATS, the shared connection.
func buildEventBus(cfg config.EventsConfig, readiness map[string]observability.HealthChecker, cleanup *closers, logger *zap.Logger) (events.Bus, *nats.Conn, error) {
	switch cfg.Driver {
	case config.EventsMemory, "":
		return events.NewMemoryBus(), nil, nil

	case config.EventsNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("stageflowd"))
		if err != nil {
			return nil, nil, fmt.Errorf("events: connect %s: %w", cfg.NATSURL, err)
		}
		cleanup.add(func() { _ = conn.Drain() })

		bus := events.NewNATSBus(conn, cfg.SubjectPrefix, logger)
		readiness["events"] = bus
		return bus, conn, nil

	default:
		return nil, nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

// buildNotifier wraps the configured sink in a circuit breaker. The NATS sink
// reuses the event bus connection when there is one.
func buildNotifier(cfg *config.Config, conn *nats.Conn, metrics *observability.Metrics, cleanup *closers, logger *zap.Logger) (notify.Notifier, error) {
	var sink notify.Sink
	switch cfg.Notifications.Driver {
	case config.NotifyNone:
		return notify.Noop{}, nil
	case config.NotifyLog, "":
		sink = notify.NewLogSink(logger)
	case config.NotifyNATS:
		if conn == nil {
			c, err := nats.Connect(cfg.Events.NATSURL, nats.Name("stageflowd-notify"))
			if err != nil {
				return nil, fmt.Errorf("notifications: connect %s: %w", cfg.Events.NATSURL, err)
			}
			cleanup.add(func() { _ = c.Drain() })
			conn = c
		}
		sink = notify.NewNATSSink(conn, cfg.Events.SubjectPrefix)
	default:
		return nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Notifications.Driver)
	}

	name := cfg.Notifications.Driver
	if name == "" {
		name = config.NotifyLog
	}
	breaker := notify.NewBreaker(notify.BreakerConfig{
		FailureThreshold: cfg.Notifications.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Notifications.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Notifications.Breaker.OpenTimeout,
	})
	onStatus := func(kind, status string) {
		metrics.RecordNotification(kind, status)
		metrics.SetNotificationBreakerState(name, breakerGauge(breaker.State()))
	}
	return notify.NewGuarded(name, sink, breaker, logger, onStatus), nil
}

// breakerGauge maps a breaker state onto the gauge scale 0=closed,
// 1=half-open, 2=open.
func breakerGauge(s notify.BreakerState) float64 {
	switch s {
	case notify.BreakerOpen:
		return 2
	case notify.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, readiness map[string]observability.HealthChecker, cleanup *closers, logger *zap.Logger) (idempotency.Store, error) {
	switch cfg.Driver {
	case config.IdempotencyMemory, "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil

	case config.IdempotencyRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		cleanup.add(func() { _ = client.Close() })

		s := idempotency.NewRedisStore(client)
		readiness["idempotency"] = s
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// loadDefinitions loads and validates the embedded definitions plus the
// override directory. Validation errors abort startup; warnings are kept.
func loadDefinitions(dir string) (*definition.Registry, error) {
	docs, err := definition.NewLoader().Load(dir)
	if err != nil {
		return nil, fmt.Errorf("definition loading failed: %w", err)
	}

	findings := definition.NewValidator().Validate(docs)
	if definition.HasErrors(findings) {
		var errs []error
		for _, f := range findings {
			if f.Severity == definition.SeverityError {
				errs = append(errs, f)
			}
		}
		return nil, fmt.Errorf("definition validation failed: %w", errors.Join(errs...))
	}

	return definition.NewRegistry(docs), nil
}

// buildCapabilities loads the role policy. Without a policy file every
// authenticated caller may use every route.
func buildCapabilities(cfg config.AuthorizationConfig, logger *zap.Logger) (*capability.Resolver, error) {
	if cfg.PolicyFile == "" {
		logger.Info("authorization policy disabled")
		return nil, nil
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	logger.Info("authorization policy loaded",
		zap.String("path", cfg.PolicyFile),
		zap.Int("roles", evaluator.Roles()),
	)
	return capability.NewResolver(evaluator, cfg.CacheTTL), nil
}
