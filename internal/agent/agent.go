// Package agent wires the store, governor, pipeline, escalation manager
// and schedulers into one runnable unit, and exposes the administrative
// overrides the operator surfaces call. The panel, the MCP server, and
// main all drive the same composition, so end-to-end tests exercise the
// exact wiring production runs.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/engine"
	"github.com/feddericovonwernich/pr-checks-agent/internal/escalation"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/reasoning"
	"github.com/feddericovonwernich/pr-checks-agent/internal/scheduler"
	"github.com/feddericovonwernich/pr-checks-agent/internal/secrets"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// DefaultPoolSize is the stock number of item workers.
const DefaultPoolSize = 10

// Config carries the agent-level knobs. Zero fields get defaults.
type Config struct {
	// PoolSize is the number of concurrent item workers.
	PoolSize int
	// MaxPriority, when positive, makes the dispatcher skip items with a
	// higher (less urgent) priority value.
	MaxPriority int
	// PollInterval is the dispatcher's poll cadence.
	PollInterval time.Duration

	Pipeline engine.PipelineConfig
	Governor engine.GovernorConfig
	Janitor  scheduler.JanitorConfig
}

// Deps are the externally owned pieces the agent composes. Hub may be
// nil when nobody streams; Vault may be nil when no prompt or plugin
// references secrets.
type Deps struct {
	Store    store.Store
	Collabs  collab.Set
	Policies *policy.Registry
	Vault    secrets.Vault
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Agent is the assembled remediation loop.
type Agent struct {
	deps Deps
	cfg  Config

	fsm        *engine.ItemFSM
	governor   *engine.Governor
	pipeline   *engine.Pipeline
	escalator  *escalation.Manager
	pool       *scheduler.Pool
	dispatcher *scheduler.Dispatcher
	scanner    *scheduler.Scanner
	janitor    *scheduler.Janitor
	admin      *Admin
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
}

// New composes an agent from its dependencies. Nothing runs until Start.
func New(deps Deps, cfg Config) (*Agent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	fsm := engine.NewItemFSM(deps.Store)
	governor := engine.NewGovernor(cfg.Governor, logger)
	builder := reasoning.NewContextBuilder(deps.Store, deps.Vault)

	escalator, err := escalation.NewManager(
		deps.Store, fsm, governor, deps.Collabs.Notifier, deps.Policies, logger)
	if err != nil {
		return nil, err
	}

	pipeline := engine.NewPipeline(engine.PipelineDeps{
		Store:     deps.Store,
		FSM:       fsm,
		Governor:  governor,
		Collabs:   deps.Collabs,
		Policies:  deps.Policies,
		Builder:   builder,
		Escalator: escalator,
		Hub:       deps.Hub,
		Logger:    logger,
	}, cfg.Pipeline)

	pool := scheduler.NewPool(cfg.PoolSize)
	dispatcher := scheduler.NewDispatcher(deps.Store, pipeline, pool, scheduler.DispatcherConfig{
		PollInterval: cfg.PollInterval,
		MaxPriority:  cfg.MaxPriority,
	}, logger)

	scanner := scheduler.NewScanner(scheduler.ScannerDeps{
		Store:    deps.Store,
		Observer: deps.Collabs.Observer,
		FSM:      fsm,
		Governor: governor,
		Policies: deps.Policies,
		Scorer:   policy.NewScorer(),
		Wake:     dispatcher.Wake,
		Logger:   logger,
	})

	janitor := scheduler.NewJanitor(deps.Store, fsm, cfg.Janitor, logger)

	a := &Agent{
		deps:       deps,
		cfg:        cfg,
		fsm:        fsm,
		governor:   governor,
		pipeline:   pipeline,
		escalator:  escalator,
		pool:       pool,
		dispatcher: dispatcher,
		scanner:    scanner,
		janitor:    janitor,
		logger:     logger,
	}
	a.admin = NewAdmin(AdminDeps{
		Store:    deps.Store,
		FSM:      fsm,
		Policies: deps.Policies,
		Wake:     dispatcher.Wake,
		Logger:   logger,
	})
	return a, nil
}

// Start recovers durable state and launches the loops. The boot order
// matters: migrations, then interrupted-attempt recovery, then the daily
// budget is re-seeded from today's persisted attempts, then scan jobs
// are synced and missed runs recovered, and only then do the loops run.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return schema.NewError(schema.ErrCodeExecution, "agent already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.deps.Store.Migrate(ctx); err != nil {
		return err
	}

	interrupted, err := a.deps.Store.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		a.logger.Warn("marked interrupted attempts from previous run",
			slog.Int("count", interrupted))
	}

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := a.deps.Store.CountAttemptsSince(ctx, midnight)
	if err != nil {
		return err
	}
	a.governor.SeedDailyBudget(used, now)

	if err := a.scanner.SyncJobs(ctx); err != nil {
		return err
	}
	unfinished, err := a.dispatcher.Resync(ctx)
	if err != nil {
		return err
	}
	if err := a.scanner.RecoverMissed(ctx); err != nil {
		// Missed scans are caught by the next tick; boot continues.
		a.logger.Warn("missed-scan recovery failed", slog.String("error", err.Error()))
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := a.scanner.Start(ctx); err != nil {
		return err
	}
	if err := a.janitor.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("agent started",
		slog.Int("workers", a.pool.Size()),
		slog.Int("repositories", a.deps.Policies.Len()),
		slog.Int("unfinished_items", unfinished),
		slog.Int("daily_fixes_used", used))
	return nil
}

// Stop halts the loops and drains in-flight work. The store stays open;
// its owner closes it.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	if err := a.scanner.Stop(); err != nil {
		a.logger.Warn("scanner stop failed", slog.String("error", err.Error()))
	}
	if err := a.janitor.Stop(); err != nil {
		a.logger.Warn("janitor stop failed", slog.String("error", err.Error()))
	}
	if err := a.dispatcher.Stop(); err != nil {
		return err
	}
	a.logger.Info("agent stopped")
	return nil
}

// Admin exposes the operator overrides.
func (a *Agent) Admin() *Admin { return a.admin }

// Governor exposes admission-control stats to the operator surfaces.
func (a *Agent) Governor() *engine.Governor { return a.governor }

// Scanner exposes on-demand scan triggering.
func (a *Agent) Scanner() *scheduler.Scanner { return a.scanner }

// Hub exposes the live event stream, nil when none was configured.
func (a *Agent) Hub() streaming.EventHub { return a.deps.Hub }

// Stats snapshots the agent's runtime counters for the operator surfaces.
func (a *Agent) Stats() map[string]any {
	ps := a.pool.Stats()
	stats := a.governor.Stats(time.Now().UTC())
	stats["workers"] = a.pool.Size()
	stats["items_in_flight"] = a.dispatcher.InFlight()
	stats["tasks_completed"] = ps.Completed
	stats["tasks_failed"] = ps.Failed
	stats["tasks_active"] = ps.Active
	return stats
}

// GovernorConfigFromLimits maps the config file's global limits onto the
// governor, keeping the stock defaults for anything unset.
func GovernorConfigFromLimits(limits *schema.GlobalLimits) engine.GovernorConfig {
	cfg := engine.DefaultGovernorConfig()
	if limits == nil {
		return cfg
	}
	if limits.MaxDailyFixes > 0 {
		cfg.MaxDailyFixes = limits.MaxDailyFixes
	}
	if limits.MaxConcurrentFixes > 0 {
		cfg.MaxConcurrentFixes = limits.MaxConcurrentFixes
	}
	for name, rl := range limits.RateLimits {
		cfg.RateLimits[name] = rl
	}
	return cfg
}
