// Package scheduler turns durable work items into running pipelines. The
// dispatcher polls the store for eligible items and hands them to a
// bounded pool; the scanner discovers new items on per-repository cron
// schedules; the janitor closes stale items and prunes old terminal ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
)

// ItemRunner drives one work item until it parks, blocks, or reaches a
// terminal state. Satisfied by the engine pipeline (kept as an interface
// to avoid an import cycle).
type ItemRunner interface {
	Run(ctx context.Context, itemID string) error
}

// DispatchStore is the slice of the store the dispatcher polls.
type DispatchStore interface {
	ListPending(ctx context.Context, now time.Time, maxPriority int, limit int) ([]*store.WorkItem, error)
	ListUnfinished(ctx context.Context) ([]*store.WorkItem, error)
}

// DispatcherConfig carries the dispatch loop knobs.
type DispatcherConfig struct {
	// PollInterval is the fallback poll cadence. Completions and new
	// discoveries wake the loop early, so this mostly governs how soon
	// parked items get re-dispatched after their backoff expires.
	PollInterval time.Duration
	// MaxPriority admits only items at or below the given priority;
	// zero or negative means no ceiling.
	MaxPriority int
	// Batch caps how many items one poll claims. Zero defaults to twice
	// the pool size.
	Batch int
}

const defaultDispatchInterval = 60 * time.Second

// Dispatcher is the scheduling loop. Eligible items come back from the
// store ordered by priority then age, so under a full pool the most
// urgent work always runs first.
type Dispatcher struct {
	store  DispatchStore
	runner ItemRunner
	pool   *Pool
	cfg    DispatcherConfig
	logger *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // item IDs currently executing (dedup)
}

// NewDispatcher creates a dispatcher. Zero config fields get defaults.
func NewDispatcher(s DispatchStore, runner ItemRunner, pool *Pool, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultDispatchInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = pool.Size() * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		runner:   runner,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("pool_size", d.pool.Size()),
	)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// Dispatch immediately on start.
	d.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatch(ctx)
		case <-d.wake:
			d.dispatch(ctx)
		}
	}
}

// dispatch claims eligible items and submits their pipelines. Items
// already in flight are skipped; the store query already excludes
// blocked, terminal, and not-yet-eligible items.
func (d *Dispatcher) dispatch(ctx context.Context) {
	items, err := d.store.ListPending(ctx, time.Now().UTC(), d.cfg.MaxPriority, d.cfg.Batch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to list pending items", slog.String("error", err.Error()))
		}
		return
	}

	for _, item := range items {
		if !d.tryAcquire(item.ID) {
			continue // already running (dedup)
		}
		id := item.ID
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			defer func() {
				d.release(id)
				d.Wake()
			}()
			if err := d.runner.Run(ctx, id); err != nil {
				if ctx.Err() == nil {
					d.logger.Error("item pipeline failed",
						slog.String("item_id", id),
						slog.String("error", err.Error()),
					)
				}
				return err
			}
			return nil
		})
		if err != nil {
			d.release(id)
			return // pool closed or context cancelled
		}
	}
}

// Wake nudges the dispatch loop to poll now instead of waiting for the
// ticker. Non-blocking; a pending nudge absorbs further ones.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Resync surveys unfinished items at boot. Nothing is mutated: parked
// items stay parked, eligible ones get picked up by the first dispatch.
// Returns how many unfinished items the store holds.
func (d *Dispatcher) Resync(ctx context.Context) (int, error) {
	items, err := d.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished items: %w", err)
	}

	counts := make(map[string]int)
	for _, item := range items {
		counts[string(item.Status)]++
	}
	if len(items) > 0 {
		d.logger.Info("resynced unfinished items",
			slog.Int("count", len(items)),
			slog.Any("by_status", counts),
		)
	}
	return len(items), nil
}

// InFlight reports how many items are currently executing.
func (d *Dispatcher) InFlight() int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return len(d.inflight)
}

// Stop shuts down the dispatch loop and waits for in-flight pipelines
// to finish or yield to cancellation.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
	d.pool.Shutdown()

	d.logger.Info("dispatcher stopped")
	return nil
}

// tryAcquire returns true and marks the item in-flight if it is not
// already running.
func (d *Dispatcher) tryAcquire(itemID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[itemID]; ok {
		return false
	}
	d.inflight[itemID] = struct{}{}
	return true
}

// release removes the item from the in-flight set.
func (d *Dispatcher) release(itemID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, itemID)
}
