// Package bootstrap wires ServiceHub's components together from a
// config.Config, the same role the teacher's per-component
// internal/bootstrap/config.go plays: one constructor that builds every
// dependency in order and hands back a ready-to-run App, so cmd/servicehub
// stays a thin entrypoint.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/debdevops/servicehub/internal/classifier"
	"github.com/debdevops/servicehub/internal/config"
	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/httpapi"
	"github.com/debdevops/servicehub/internal/metrics"
	"github.com/debdevops/servicehub/internal/monitor"
	"github.com/debdevops/servicehub/internal/query"
	"github.com/debdevops/servicehub/internal/replay"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/scheduler"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/debdevops/servicehub/pkg/log"
)

// App holds every long-lived component started by cmd/servicehub, and the
// handles needed to shut them down cleanly.
type App struct {
	Config    config.Config
	Logger    log.Logger
	Router    *fiber.App
	Scheduler *scheduler.Scheduler

	gateways     *gatewayPool
	monitorFor   func(namespaceID string) *monitor.Monitor
	dispatchSync func(monitor.CycleResult)
	ruleEngine   *rules.Engine
	dlqStore     store.DlqStore
	metrics      *metrics.Metrics
	replayQueue  *replay.Queue
	replayPool   *replay.Pool

	db *sql.DB
}

// timedMonitor wraps a *monitor.Monitor so every Run records its duration
// and result against m.metrics, satisfying scheduler.CycleRunner.
type timedMonitor struct {
	inner *monitor.Monitor
	m     *metrics.Metrics
}

func (t timedMonitor) Run(ctx context.Context, namespaceID string) (monitor.CycleResult, error) {
	start := time.Now()

	result, err := t.inner.Run(ctx, namespaceID)

	label := "ok"
	if err != nil {
		label = "error"
	}

	t.m.TickDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	t.m.EntriesCreated.Add(float64(result.EntriesCreated))
	t.m.EntriesUpdated.Add(float64(result.EntriesUpdated))
	t.m.DispatchesTotal.Add(float64(len(result.Dispatches)))

	return result, err
}

// RunMonitorCycle runs one DlqMonitor invocation for namespaceID and then
// processes its auto-replay dispatches synchronously through the replay
// executor, rather than handing them to the replay pool as the running
// scheduler's tick would. Demo/test callers use this to drive spec.md §8's
// scenarios deterministically, without a race against the pool's workers.
func (a *App) RunMonitorCycle(ctx context.Context, namespaceID string) (monitor.CycleResult, error) {
	runner := timedMonitor{inner: a.monitorFor(namespaceID), m: a.metrics}

	result, err := runner.Run(ctx, namespaceID)
	if err != nil {
		return result, err
	}

	a.dispatchSync(result)

	return result, nil
}

// SeedQueue ensures namespaceID's simulated broker has a queue named
// entity, for demo/test setup.
func (a *App) SeedQueue(ctx context.Context, namespaceID, entity string) error {
	sim, err := a.gateways.Simulated(ctx, namespaceID)
	if err != nil {
		return err
	}

	sim.SeedQueue(entity)

	return nil
}

// SeedSubscription ensures namespaceID's simulated broker has a
// subscription under topic, for demo/test setup.
func (a *App) SeedSubscription(ctx context.Context, namespaceID, topic, subscription string) error {
	sim, err := a.gateways.Simulated(ctx, namespaceID)
	if err != nil {
		return err
	}

	sim.SeedSubscription(topic, subscription)

	return nil
}

// EnqueueDeadLetter places msg directly into namespaceID's simulated
// entity DLQ, bypassing a real send+deadLetter round trip, for demo/test
// setup.
func (a *App) EnqueueDeadLetter(ctx context.Context, namespaceID, entity string, entityType domain.EntityType, msg gateway.Message) error {
	sim, err := a.gateways.Simulated(ctx, namespaceID)
	if err != nil {
		return err
	}

	sim.EnqueueDeadLetter(entity, entityType, msg)

	return nil
}

// New wires the full dependency graph from cfg. When cfg.DatabaseURL names
// a real connection string this opens Postgres-backed stores and applies
// migrations.FS; callers that want the in-memory simulator stack (tests,
// the "no database configured" dev mode) use NewWithStores directly.
func New(cfg config.Config) (*App, error) {
	logger, err := log.New(cfg.EnvName, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: building logger: %w", err)
	}

	cipher, err := credentials.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: building cipher: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	credStore := credentials.NewPostgresStore(db, cipher)
	dlqStore := store.NewPostgresStore(db)

	app, err := newWithStores(cfg, logger, credStore, dlqStore, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return app, nil
}

// NewWithStores wires the dependency graph over caller-supplied
// credentials.Store/store.DlqStore implementations, letting callers choose
// the in-memory simulator stack (tests, wiring demos) without touching a
// database.
func NewWithStores(cfg config.Config, logger log.Logger, credStore credentials.Store, dlqStore store.DlqStore) (*App, error) {
	return newWithStores(cfg, logger, credStore, dlqStore, nil)
}

func newWithStores(cfg config.Config, logger log.Logger, credStore credentials.Store, dlqStore store.DlqStore, db *sql.DB) (*App, error) {
	if logger == nil {
		logger = log.None
	}

	ruleEngine := rules.NewEngine()
	gateways := newGatewayPool(credStore)
	appMetrics := metrics.New()

	replayExecutor := replay.New(dlqStore, gateways.Resolve, logger.WithFields("component", "replay"),
		replay.WithSuccessObserver(ruleEngine.IncrementSuccessCount))

	// replayQueue/replayPool are the second, R-sized worker pool spec.md §5
	// requires: distinct from the monitor's W-sized pool, so a replay's
	// backoff sleeps never occupy a monitor worker slot.
	replayQueue := replay.NewQueue()
	replayPool := replay.NewPool(replayQueue, replayExecutor, cfg.ReplayWorkerCount(), func(outcome replay.Outcome) {
		appMetrics.RecordOutcome(outcome.Success, outcome.Skipped)
	})

	// dispatchSync processes dispatches synchronously, for RunMonitorCycle's
	// demo/test callers that need the outcome before they return.
	dispatchSync := func(result monitor.CycleResult) {
		for _, d := range result.Dispatches {
			outcome := replayExecutor.Process(context.Background(), replay.JobFromDispatch(d))
			appMetrics.RecordOutcome(outcome.Success, outcome.Skipped)
		}
	}

	// observer is the scheduler's real CycleObserver: it only enqueues,
	// handing dispatches to replayPool's workers instead of processing them
	// inline while still holding a monitor worker slot.
	observer := func(result monitor.CycleResult) {
		for _, d := range result.Dispatches {
			replayQueue.Submit(replay.JobFromDispatch(d))
		}
	}

	monitorFor := func(namespaceID string) *monitor.Monitor {
		return monitor.New(credStore, gateways.Resolve, dlqStore, ruleEngine, classifier.Classify, logger.WithFields("component", "monitor", "namespaceId", namespaceID), monitor.Config{
			PeekPageSize:       cfg.PeekPageSize,
			PerEntitySafetyCap: cfg.PerEntitySafetyCap,
		})
	}

	timedMonitorFor := func(namespaceID string) scheduler.CycleRunner {
		return timedMonitor{inner: monitorFor(namespaceID), m: appMetrics}
	}

	sched := scheduler.New(credStore, timedMonitorFor, scheduler.Config{
		PollInterval: cfg.PollInterval(),
		MaxParallel:  cfg.MaxParallelNamespaces,
		TickDeadline: cfg.TickDeadline(),
		StopGrace:    cfg.SchedulerStopGrace(),
		InitialDelay: cfg.PollInterval(),
	}, logger.WithFields("component", "scheduler"), observer)

	ready := func() error {
		switch sched.State() {
		case scheduler.StateRunning, scheduler.StateStopping:
		default:
			return fmt.Errorf("scheduler is %s", sched.State())
		}

		if db != nil {
			if err := db.PingContext(context.Background()); err != nil {
				return fmt.Errorf("database ping: %w", err)
			}
		}

		return nil
	}

	router := httpapi.NewRouter(httpapi.Dependencies{
		Credentials:    credStore,
		Gateways:       gateways.Resolve,
		DlqStore:       dlqStore,
		Query:          query.New(dlqStore),
		Rules:          ruleEngine,
		Replay:         replayExecutor,
		Logger:         logger.WithFields("component", "httpapi"),
		MetricsHandler: promhttp.HandlerFor(appMetrics.Registry, promhttp.HandlerOpts{}),
		Ready:          ready,
	})

	return &App{
		Config:       cfg,
		Logger:       logger,
		Router:       router,
		Scheduler:    sched,
		gateways:     gateways,
		monitorFor:   monitorFor,
		dispatchSync: dispatchSync,
		metrics:      appMetrics,
		ruleEngine:   ruleEngine,
		dlqStore:     dlqStore,
		replayQueue:  replayQueue,
		replayPool:   replayPool,
		db:           db,
	}, nil
}

// ruleEngineForTest exposes the rule engine wired into this App, for tests
// that need to install rules directly rather than through the router.
func (a *App) ruleEngineForTest() *rules.Engine {
	return a.ruleEngine
}

// dlqStoreForTest exposes the DlqStore wired into this App, for tests
// asserting on stored entries directly rather than through the router.
func (a *App) dlqStoreForTest() store.DlqStore {
	return a.dlqStore
}

// Start begins the scheduler's tick loop and the replay pool's workers. The
// HTTP server is started separately by the caller via App.Router.Listen,
// matching fiber's usual entrypoint shape.
func (a *App) Start(ctx context.Context) {
	a.replayPool.Start(ctx)
	a.Scheduler.Start(ctx)
}

// Shutdown stops the scheduler within its configured grace period, then
// drains and joins the replay pool so in-flight replays finish before the
// process exits, syncs the logger, and closes the database handle if one
// was opened.
func (a *App) Shutdown() error {
	a.Scheduler.Stop()
	a.replayPool.Stop()
	_ = a.Logger.Sync()

	if a.db != nil {
		return a.db.Close()
	}

	return nil
}
