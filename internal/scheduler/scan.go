package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ScanStore is the slice of the store the scanner reads and writes.
type ScanStore interface {
	CreateItem(ctx context.Context, item *store.WorkItem) error
	FindOpenItem(ctx context.Context, repo string, prNumber int, checkName string) (*store.WorkItem, error)
	UpsertScanJob(ctx context.Context, job *store.ScanJob) error
	GetScanJob(ctx context.Context, repo string) (*store.ScanJob, error)
	UpdateScanJob(ctx context.Context, repo string, update store.ScanJobUpdate) error
	ListScanJobs(ctx context.Context, enabled *bool) ([]*store.ScanJob, error)
	DeleteScanJob(ctx context.Context, repo string) error
}

// Transitioner advances a freshly discovered item into the dispatchable
// set. Satisfied by the engine FSM.
type Transitioner interface {
	Transition(ctx context.Context, item *store.WorkItem, to schema.ItemStatus, delta *store.TransitionDelta) error
}

// Caller routes a collaborator call through rate limiting and circuit
// breaking. Satisfied by the engine governor.
type Caller interface {
	Do(ctx context.Context, collaborator string, fn func(ctx context.Context) error) error
}

// PolicyProvider resolves repository policies. Satisfied by the policy
// registry.
type PolicyProvider interface {
	Get(repo string) (*schema.RepositoryPolicy, bool)
	All() []*schema.RepositoryPolicy
}

// ScannerDeps bundles what the scanner needs. Wake may be nil when no
// dispatcher is listening.
type ScannerDeps struct {
	Store    ScanStore
	Observer collab.Observer
	FSM      Transitioner
	Governor Caller
	Policies PolicyProvider
	Scorer   *policy.Scorer
	Wake     func()
	Logger   *slog.Logger
}

const (
	scanTimeout = 2 * time.Minute

	// maxScanBackoffDoublings caps the error backoff at 8x the schedule
	// gap (2^3).
	maxScanBackoffDoublings = 3

	// fallbackPriority is used when a priority rule errors at scan time.
	// Rules are compile-checked at config load, so this covers runtime
	// evaluation failures only.
	fallbackPriority = 10
)

// Scanner runs per-repository discovery on cron schedules. Each scan
// asks the observer for open PRs with failing checks and registers one
// work item per (PR, check) pair not already tracked.
type Scanner struct {
	deps   ScannerDeps
	parser cron.Parser
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // repos currently scanning (dedup)
}

// NewScanner creates a scanner using the standard 5-field cron syntax.
func NewScanner(deps ScannerDeps) *Scanner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		deps:     deps,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// SyncJobs reconciles the scan_jobs table with the loaded policies:
// one enabled job per monitored repository, jobs for departed
// repositories removed. Run at boot and after config reload.
func (s *Scanner) SyncJobs(ctx context.Context) error {
	now := time.Now().UTC()
	monitored := make(map[string]struct{})

	for _, pol := range s.deps.Policies.All() {
		repo := pol.FullName()
		monitored[repo] = struct{}{}

		expr := pol.ScanSchedule
		if expr == "" {
			expr = schema.DefaultScanSchedule
		}
		next, err := s.CalculateNextRun(expr, now)
		if err != nil {
			return fmt.Errorf("scan schedule for %s: %w", repo, err)
		}

		existing, err := s.deps.Store.GetScanJob(ctx, repo)
		if err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("get scan job %s: %w", repo, err)
			}
			job := &store.ScanJob{
				Repo:           repo,
				CronExpression: expr,
				Enabled:        true,
				NextRunAt:      &next,
			}
			if err := s.deps.Store.UpsertScanJob(ctx, job); err != nil {
				return fmt.Errorf("create scan job %s: %w", repo, err)
			}
			continue
		}

		if existing.CronExpression != expr || !existing.Enabled {
			enabled := true
			update := store.ScanJobUpdate{
				Enabled:        &enabled,
				CronExpression: expr,
				NextRunAt:      &next,
			}
			if err := s.deps.Store.UpdateScanJob(ctx, repo, update); err != nil {
				return fmt.Errorf("update scan job %s: %w", repo, err)
			}
		}
	}

	jobs, err := s.deps.Store.ListScanJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("list scan jobs: %w", err)
	}
	for _, job := range jobs {
		if _, ok := monitored[job.Repo]; !ok {
			if err := s.deps.Store.DeleteScanJob(ctx, job.Repo); err != nil {
				return fmt.Errorf("delete scan job %s: %w", job.Repo, err)
			}
			s.logger.Info("scan job removed", slog.String("repo", job.Repo))
		}
	}
	return nil
}

// Start launches the background scan loop with a 60s ticker.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scanner already started")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(scanCtx)
	s.logger.Info("scanner started")
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every scan whose next_run_at has arrived.
func (s *Scanner) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.deps.Store.ListScanJobs(ctx, &enabled)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list scan jobs", slog.String("error", err.Error()))
		}
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.Repo) {
				continue // already scanning (dedup)
			}
			if err := s.runScan(ctx, job, now); err != nil && ctx.Err() == nil {
				s.logger.Error("scan failed",
					slog.String("repo", job.Repo),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.Repo)
		}
	}
}

// TriggerScan runs one repository's scan immediately, outside its
// schedule. Used by the operator surface.
func (s *Scanner) TriggerScan(ctx context.Context, repo string) error {
	if _, ok := s.deps.Policies.Get(repo); !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "repository %q is not monitored", repo)
	}
	if !s.tryAcquire(repo) {
		return schema.NewErrorf(schema.ErrCodeConflict, "scan already running for %q", repo)
	}
	defer s.release(repo)

	job, err := s.deps.Store.GetScanJob(ctx, repo)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		job = &store.ScanJob{Repo: repo, CronExpression: schema.DefaultScanSchedule, Enabled: true}
	}
	return s.runScan(ctx, job, time.Now().UTC())
}

// runScan performs one discovery pass for a repository and updates the
// job's bookkeeping. Scan failures back the schedule off exponentially
// so a broken observer cannot hammer the forge API.
func (s *Scanner) runScan(ctx context.Context, job *store.ScanJob, now time.Time) error {
	pol, ok := s.deps.Policies.Get(job.Repo)
	if !ok {
		// Repo left the config between SyncJobs runs.
		enabled := false
		return s.deps.Store.UpdateScanJob(ctx, job.Repo, store.ScanJobUpdate{Enabled: &enabled})
	}

	var pulls []collab.PullState
	err := s.deps.Governor.Do(ctx, collab.NameObserver, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		var cerr error
		pulls, cerr = s.deps.Observer.ScanPulls(sctx, job.Repo, pol.BranchFilters)
		return cerr
	})
	if err != nil {
		if uerr := s.settleScan(ctx, job, now, "error", job.ConsecutiveErrors+1); uerr != nil {
			s.logger.Error("failed to update scan job", slog.String("repo", job.Repo), slog.String("error", uerr.Error()))
		}
		return fmt.Errorf("scan %s: %w", job.Repo, err)
	}

	created := 0
	for _, ps := range pulls {
		if ps.PR.State != "open" {
			continue
		}
		if !policy.MatchesBranch(pol, ps.PR.Branch) {
			continue
		}
		for _, check := range ps.FailingChecks {
			if !policy.MonitorsCheckType(pol, check.CheckType) {
				continue
			}
			ok, err := s.registerItem(ctx, pol, ps.PR, check)
			if err != nil {
				s.logger.Error("failed to register item",
					slog.String("repo", job.Repo),
					slog.Int("pr_number", ps.PR.Number),
					slog.String("check", check.CheckName),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				created++
			}
		}
	}

	if err := s.settleScan(ctx, job, now, "success", 0); err != nil {
		return fmt.Errorf("update scan job %s: %w", job.Repo, err)
	}

	s.logger.Info("scan completed",
		slog.String("repo", job.Repo),
		slog.Int("pulls", len(pulls)),
		slog.Int("new_items", created),
	)
	if created > 0 && s.deps.Wake != nil {
		s.deps.Wake()
	}
	return nil
}

// registerItem creates a work item for a failing check unless one is
// already open for the same (repo, PR, check) triple. Reports whether a
// new item was created.
func (s *Scanner) registerItem(ctx context.Context, pol *schema.RepositoryPolicy, pr collab.PullRequest, check collab.CheckFailure) (bool, error) {
	repo := pol.FullName()
	if _, err := s.deps.Store.FindOpenItem(ctx, repo, pr.Number, check.CheckName); err == nil {
		return false, nil // already tracked
	} else if !isNotFound(err) {
		return false, err
	}

	priority, err := s.deps.Scorer.Score(ctx, pol, check.CheckType, check.CheckName, pr.Branch, pr.Number)
	if err != nil {
		s.logger.Warn("priority rule failed, using fallback",
			slog.String("repo", repo),
			slog.String("check", check.CheckName),
			slog.String("error", err.Error()),
		)
		priority = fallbackPriority
	}

	failure, _ := json.Marshal(check)
	item := &store.WorkItem{
		ID:        uuid.NewString(),
		Repo:      repo,
		PRNumber:  pr.Number,
		PRTitle:   pr.Title,
		Branch:    pr.Branch,
		CheckName: check.CheckName,
		CheckType: check.CheckType,
		Priority:  priority,
		Status:    schema.StatusScanning,
		Failure:   failure,
	}
	if err := s.deps.Store.CreateItem(ctx, item); err != nil {
		return false, err
	}
	if err := s.deps.FSM.Transition(ctx, item, schema.StatusMonitoring, nil); err != nil {
		return false, err
	}

	s.logger.Info("item discovered",
		slog.String("item_id", item.ID),
		slog.String("repo", repo),
		slog.Int("pr_number", pr.Number),
		slog.String("check", check.CheckName),
		slog.Int("priority", priority),
	)
	return true, nil
}

// settleScan records a scan outcome and schedules the next run.
func (s *Scanner) settleScan(ctx context.Context, job *store.ScanJob, now time.Time, status string, consecutiveErrors int) error {
	next, err := s.nextRunAfter(job.CronExpression, now, consecutiveErrors)
	if err != nil {
		return err
	}
	return s.deps.Store.UpdateScanJob(ctx, job.Repo, store.ScanJobUpdate{
		LastRunAt:         &now,
		NextRunAt:         &next,
		LastRunStatus:     status,
		ConsecutiveErrors: &consecutiveErrors,
	})
}

// nextRunAfter computes the next run. Consecutive errors widen the gap
// exponentially, capped at 8x the schedule interval.
func (s *Scanner) nextRunAfter(cronExpr string, from time.Time, consecutiveErrors int) (time.Time, error) {
	next, err := s.CalculateNextRun(cronExpr, from)
	if err != nil {
		return time.Time{}, err
	}
	if consecutiveErrors <= 0 {
		return next, nil
	}

	gap := next.Sub(from)
	if gap <= 0 {
		gap = time.Minute
	}
	n := consecutiveErrors
	if n > maxScanBackoffDoublings {
		n = maxScanBackoffDoublings
	}
	delayed := from.Add(gap << n)
	if delayed.After(next) {
		return delayed, nil
	}
	return next, nil
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scanner) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RecoverMissed runs scans whose next_run_at passed while the agent was
// down, once each.
func (s *Scanner) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.deps.Store.ListScanJobs(ctx, &enabled)
	if err != nil {
		return fmt.Errorf("list missed scans: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.Repo) {
				continue
			}
			err := s.runScan(ctx, job, now)
			s.release(job.Repo)
			if err != nil {
				s.logger.Error("failed to recover missed scan",
					slog.String("repo", job.Repo),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed scans", slog.Int("count", recovered))
	}
	return nil
}

// Stop gracefully shuts down the scan loop.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scanner stopped")
	return nil
}

func (s *Scanner) tryAcquire(repo string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[repo]; ok {
		return false
	}
	s.inflight[repo] = struct{}{}
	return true
}

func (s *Scanner) release(repo string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, repo)
}

func isNotFound(err error) bool {
	var agErr *schema.AgentError
	return errors.As(err, &agErr) && agErr.Code == schema.ErrCodeNotFound
}
