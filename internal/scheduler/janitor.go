package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// JanitorStore is the slice of the store the janitor sweeps.
type JanitorStore interface {
	ListStaleActive(ctx context.Context, cutoff time.Time) ([]*store.WorkItem, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Vacuum(ctx context.Context) error
}

// ItemCloser closes a non-terminal item. Satisfied by the engine FSM.
type ItemCloser interface {
	Close(ctx context.Context, item *store.WorkItem, delta *store.TransitionDelta) error
}

// JanitorConfig carries the retention knobs.
type JanitorConfig struct {
	// StaleAfter closes active items untouched for this long. Blocked
	// items are exempt; they wait for an operator.
	StaleAfter time.Duration
	// Retention deletes terminal items this long after their last
	// update, attempts and events included.
	Retention time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

const (
	defaultStaleAfter      = 7 * 24 * time.Hour
	defaultRetention       = 30 * 24 * time.Hour
	defaultJanitorInterval = time.Hour
)

// Janitor closes stale items and prunes old terminal ones so the store
// stays bounded under months of operation.
type Janitor struct {
	store  JanitorStore
	closer ItemCloser
	cfg    JanitorConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewJanitor creates a janitor. Zero config fields get defaults.
func NewJanitor(s JanitorStore, closer ItemCloser, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: s, closer: closer, cfg: cfg, logger: logger}
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(sweepCtx)
	j.logger.Info("janitor started",
		slog.Duration("stale_after", j.cfg.StaleAfter),
		slog.Duration("retention", j.cfg.Retention),
	)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass: close stale active items, then delete terminal
// items past retention.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	stale, err := j.store.ListStaleActive(ctx, now.Add(-j.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("list stale items: %w", err)
	}
	closed := 0
	for _, item := range stale {
		payload, _ := json.Marshal(map[string]any{
			"reason":     "stale",
			"idle_since": item.UpdatedAt.Format(time.RFC3339),
		})
		delta := &store.TransitionDelta{Events: []*store.Event{{
			ItemID:  item.ID,
			Type:    schema.EventItemClosed,
			Payload: payload,
		}}}
		if err := j.closer.Close(ctx, item, delta); err != nil {
			j.logger.Error("failed to close stale item",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
	}

	deleted, err := j.store.DeleteTerminalBefore(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		return fmt.Errorf("delete expired items: %w", err)
	}
	if deleted > 0 {
		if err := j.store.Vacuum(ctx); err != nil {
			j.logger.Warn("vacuum failed", slog.String("error", err.Error()))
		}
	}

	if closed > 0 || deleted > 0 {
		j.logger.Info("janitor sweep completed",
			slog.Int("closed_stale", closed),
			slog.Int("deleted_expired", deleted),
		)
	}
	return nil
}

// Stop gracefully shuts down the sweep loop.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
