// Package e2e exercises the assembled agent end to end: a real libSQL
// store on disk, scriptable in-memory collaborators, and the same
// composition main wires up. Timings are compressed so full lifecycles
// finish in milliseconds.
package e2e

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feddericovonwernich/pr-checks-agent/internal/agent"
	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/engine"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/scheduler"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

const waitDeadline = 10 * time.Second

// --- Test harness ---

type harness struct {
	t      *testing.T
	store  *store.LibSQLStore
	fakes  *collab.FakeSet
	agent  *agent.Agent
	hub    streaming.EventHub
	cancel context.CancelFunc
}

type harnessConfig struct {
	dbPath string
	repos  *schema.RepositoriesConfig
	agent  agent.Config
}

func testRepos() *schema.RepositoriesConfig {
	return &schema.RepositoriesConfig{
		Repositories: []schema.RepositoryPolicy{{
			Owner:        "acme",
			Name:         "api",
			ScanSchedule: "*/5 * * * *",
			FixLimits: schema.FixLimits{
				MaxAttempts: 3,
				BaseDelay:   "20ms",
				MaxDelay:    "50ms",
				Cooldown:    "1h",
			},
			Escalation: schema.EscalationConfig{Channel: "#ci-failures"},
		}},
	}
}

// fastConfig compresses every loop cadence so tests converge quickly.
func fastConfig() agent.Config {
	return agent.Config{
		PoolSize:     4,
		PollInterval: 20 * time.Millisecond,
		Pipeline: engine.PipelineConfig{
			PollInterval: 20 * time.Millisecond,
		},
		Janitor: scheduler.JanitorConfig{Interval: time.Hour},
	}
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	if cfg.dbPath == "" {
		cfg.dbPath = t.TempDir() + "/e2e.db"
	}
	if cfg.repos == nil {
		cfg.repos = testRepos()
	}
	if cfg.agent.PoolSize == 0 {
		cfg.agent = fastConfig()
	}

	s, err := store.NewLibSQLStore("file:" + cfg.dbPath)
	require.NoError(t, err)

	registry := policy.NewRegistry()
	require.NoError(t, registry.Load(cfg.repos))

	fakes := collab.NewFakeSet()
	hub := streaming.NewMemoryHub()

	ag, err := agent.New(agent.Deps{
		Store:    s,
		Collabs:  fakes.Set(),
		Policies: registry,
		Hub:      hub,
		Logger:   testLogger(),
	}, cfg.agent)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ag.Start(ctx))

	h := &harness{t: t, store: s, fakes: fakes, agent: ag, hub: hub, cancel: cancel}
	t.Cleanup(func() {
		h.stop()
		_ = s.Close()
	})
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	_ = h.agent.Stop()
	h.cancel()
	h.cancel = nil
}

// seedItem plants a dispatchable item directly in the store, bypassing
// the scanner.
func (h *harness) seedItem(priority, prNumber int) *store.WorkItem {
	h.t.Helper()
	item := &store.WorkItem{
		ID:        uuid.NewString(),
		Repo:      "acme/api",
		PRNumber:  prNumber,
		Branch:    "main",
		CheckName: "unit-tests",
		CheckType: "tests",
		Priority:  priority,
		Status:    schema.StatusMonitoring,
	}
	require.NoError(h.t, h.store.CreateItem(context.Background(), item))
	return item
}

func (h *harness) waitStatus(itemID string, want schema.ItemStatus) *store.WorkItem {
	h.t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for time.Now().Before(deadline) {
		item, err := h.store.GetItem(context.Background(), itemID)
		if err == nil && item.Status == want {
			return item
		}
		time.Sleep(10 * time.Millisecond)
	}
	item, err := h.store.GetItem(context.Background(), itemID)
	h.t.Fatalf("item %s never reached %s (last: %+v, err: %v)", itemID, want, item, err)
	return nil
}

func (h *harness) eventTypes(itemID string) []string {
	h.t.Helper()
	events, err := h.store.GetEvents(context.Background(), itemID, 0)
	require.NoError(h.t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// --- Scenarios ---

// A triggered scan discovers a failing check, the pipeline analyzes and
// fixes it, and the item lands Resolved with a full audit trail.
func TestScanToResolution(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fakes.Observer.ScanFunc = func(repo string, _ []string) ([]collab.PullState, error) {
		return []collab.PullState{{
			PR: collab.PullRequest{Repo: repo, Number: 7, Title: "add login", Branch: "main", State: "open"},
			FailingChecks: []collab.CheckFailure{
				{CheckName: "unit-tests", CheckType: "tests", Status: "failure"},
			},
		}}, nil
	}

	require.NoError(t, h.agent.Scanner().TriggerScan(context.Background(), "acme/api"))

	var itemID string
	require.Eventually(t, func() bool {
		items, err := h.store.ListItems(context.Background(), store.ItemFilter{Repo: "acme/api"})
		if err != nil || len(items) == 0 {
			return false
		}
		itemID = items[0].ID
		return true
	}, waitDeadline, 10*time.Millisecond, "scan never registered an item")

	got := h.waitStatus(itemID, schema.StatusResolved)
	assert.Equal(t, 7, got.PRNumber)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 1, h.fakes.Fixer.Calls())

	types := h.eventTypes(itemID)
	assert.Contains(t, types, schema.EventItemDiscovered)
	assert.Contains(t, types, schema.EventMonitoringStarted)
	assert.Contains(t, types, schema.EventFixSucceeded)
	assert.Contains(t, types, schema.EventItemResolved)
}

// A re-triggered scan does not duplicate an item that is already open
// for the same repo/PR/check triple.
func TestScanDeduplicatesOpenItems(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	// Check stays red so the item never resolves between scans.
	h.fakes.Fixer.FixFunc = func(collab.FixRequest) (*collab.FixResult, error) {
		return &collab.FixResult{Success: false, Summary: "still failing"}, nil
	}
	h.fakes.Observer.ScanFunc = func(repo string, _ []string) ([]collab.PullState, error) {
		return []collab.PullState{{
			PR: collab.PullRequest{Repo: repo, Number: 7, Branch: "main", State: "open"},
			FailingChecks: []collab.CheckFailure{
				{CheckName: "unit-tests", CheckType: "tests", Status: "failure"},
			},
		}}, nil
	}

	require.NoError(t, h.agent.Scanner().TriggerScan(context.Background(), "acme/api"))
	require.Eventually(t, func() bool {
		items, _ := h.store.ListItems(context.Background(), store.ItemFilter{Repo: "acme/api"})
		return len(items) == 1
	}, waitDeadline, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.agent.Scanner().TriggerScan(context.Background(), "acme/api") == nil
	}, waitDeadline, 20*time.Millisecond, "second scan never admitted")

	time.Sleep(100 * time.Millisecond)
	items, err := h.store.ListItems(context.Background(), store.ItemFilter{Repo: "acme/api"})
	require.NoError(t, err)
	assert.Len(t, items, 1, "open item must not be re-registered")
}

// Three failed attempts walk the item through RetryWait twice and then
// escalate it to a human, with one notification delivered.
func TestRetryBudgetExhaustionEscalates(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fakes.Fixer.FixFunc = func(collab.FixRequest) (*collab.FixResult, error) {
		return &collab.FixResult{Success: false, Summary: "patch rejected"}, nil
	}

	item := h.seedItem(2, 41)
	h.waitStatus(item.ID, schema.StatusEscalating)

	require.Eventually(t, func() bool {
		return len(h.fakes.Notifier.Notifications()) == 1
	}, waitDeadline, 10*time.Millisecond, "escalation never notified")

	attempts, err := h.store.ListAttempts(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number, "attempt numbers are strictly increasing")
		assert.Equal(t, schema.AttemptFailed, a.Outcome)
	}

	n := h.fakes.Notifier.Notifications()[0]
	assert.Equal(t, "#ci-failures", n.Channel)
	assert.Equal(t, item.ID, n.ItemID)

	types := h.eventTypes(item.ID)
	assert.Contains(t, types, schema.EventRetryScheduled)
	assert.Contains(t, types, schema.EventRetryExhausted)
	assert.Contains(t, types, schema.EventEscalationRaised)
}

// A human resolving through the notification channel resolves the item:
// the escalation manager polls the notifier, sees the resolution, and
// lands the item Resolved with the resolver recorded.
func TestEscalationResolvedThroughNotifier(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fakes.Fixer.FixFunc = func(collab.FixRequest) (*collab.FixResult, error) {
		return &collab.FixResult{Success: false, Summary: "patch rejected"}, nil
	}

	item := h.seedItem(2, 42)
	h.waitStatus(item.ID, schema.StatusEscalating)
	require.Eventually(t, func() bool {
		return len(h.fakes.Notifier.Notifications()) == 1
	}, waitDeadline, 10*time.Millisecond)

	// The fake notifier mints IDs sequentially; this test delivers one.
	h.fakes.Notifier.SetResolution("ntf-1", &collab.ResolutionState{
		State: collab.ResolutionResolved,
		By:    "alice",
		Note:  "reverted the flaky migration",
	})

	h.waitStatus(item.ID, schema.StatusResolved)

	escs, err := h.store.ListEscalations(context.Background(), store.EscalationFilter{ItemID: item.ID})
	require.NoError(t, err)
	require.Len(t, escs, 1)
	require.NotNil(t, escs[0].ResolvedAt)
	assert.Equal(t, "reverted the flaky migration", escs[0].ResolutionNote)
	assert.Contains(t, h.eventTypes(item.ID), schema.EventEscalationResolved)
}

// An operator force-resolving an escalated item closes out both the item
// and its active escalation in one override.
func TestOperatorForceResolve(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fakes.Fixer.FixFunc = func(collab.FixRequest) (*collab.FixResult, error) {
		return &collab.FixResult{Success: false, Summary: "patch rejected"}, nil
	}

	item := h.seedItem(2, 43)
	h.waitStatus(item.ID, schema.StatusEscalating)

	// The parked item is re-written on every resolution poll, so an
	// unlucky override can lose the version race; retry like an operator.
	require.Eventually(t, func() bool {
		return h.agent.Admin().ForceResolve(context.Background(), item.ID, "bob", "fixed by hand") == nil
	}, waitDeadline, 20*time.Millisecond)

	got := h.waitStatus(item.ID, schema.StatusResolved)
	assert.NotNil(t, got.ClosedAt)

	escs, err := h.store.ListEscalations(context.Background(), store.EscalationFilter{ItemID: item.ID})
	require.NoError(t, err)
	if len(escs) == 1 {
		assert.NotNil(t, escs[0].ResolvedAt, "active escalation resolves with the override")
	}
	assert.Contains(t, h.eventTypes(item.ID), schema.EventOperatorOverride)
}

// A fatal fixer error blocks the item; a force-retry with budget left
// returns it to the loop, where the now-healthy fixer resolves it.
func TestBlockedItemUnblockedByOperator(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	var healthy atomic.Bool
	h.fakes.Fixer.FixFunc = func(collab.FixRequest) (*collab.FixResult, error) {
		if healthy.Load() {
			return &collab.FixResult{Success: true, Summary: "applied fix"}, nil
		}
		return nil, schema.NewError(schema.ErrCodeFatal, "deploy key rejected")
	}

	item := h.seedItem(2, 44)
	h.waitStatus(item.ID, schema.StatusBlocked)
	assert.Contains(t, h.eventTypes(item.ID), schema.EventItemBlocked)

	healthy.Store(true)
	require.NoError(t, h.agent.Admin().ForceRetry(context.Background(), item.ID, "alice", "rotated the key"))

	got := h.waitStatus(item.ID, schema.StatusResolved)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Contains(t, h.eventTypes(item.ID), schema.EventItemUnblocked)
}

// Restart recovery: a process that dies mid-attempt leaves an open
// attempt behind. The next boot marks it interrupted, re-enqueues the
// item, and the fix completes without duplicating attempt numbers.
func TestRestartRecoversInterruptedAttempt(t *testing.T) {
	dbPath := t.TempDir() + "/restart.db"
	ctx := context.Background()

	// Simulate the aftermath of a crash: an item parked in Fixing with
	// an attempt that never finished.
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	item := &store.WorkItem{
		ID:        uuid.NewString(),
		Repo:      "acme/api",
		PRNumber:  45,
		Branch:    "main",
		CheckName: "unit-tests",
		CheckType: "tests",
		Priority:  2,
		Status:    schema.StatusFixing,
	}
	require.NoError(t, s.CreateItem(ctx, item))
	item.AttemptCount = 1
	require.NoError(t, s.SaveTransition(ctx, item, 1, &store.TransitionDelta{
		NewAttempt: &store.Attempt{
			ID:        uuid.NewString(),
			ItemID:    item.ID,
			Number:    1,
			StartedAt: time.Now().UTC(),
		},
	}))
	require.NoError(t, s.Close())

	h := newHarness(t, harnessConfig{dbPath: dbPath})

	got := h.waitStatus(item.ID, schema.StatusResolved)
	assert.Equal(t, 2, got.AttemptCount)

	attempts, err := h.store.ListAttempts(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, schema.AttemptInterrupted, attempts[0].Outcome)
	assert.Equal(t, schema.AttemptSucceeded, attempts[1].Outcome)
	assert.Contains(t, h.eventTypes(item.ID), schema.EventAttemptInterrupted)
}

// With one worker, every more-urgent item is fixed before any less
// urgent one.
func TestPriorityOrdering(t *testing.T) {
	dbPath := t.TempDir() + "/priority.db"
	ctx := context.Background()

	// Seed before boot so the first dispatch sees the full backlog.
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	urgent := map[string]bool{}
	for i := 0; i < 10; i++ {
		priority := 5
		if i%5 == 0 { // items 0 and 5
			priority = 1
		}
		item := &store.WorkItem{
			ID:        uuid.NewString(),
			Repo:      "acme/api",
			PRNumber:  100 + i,
			Branch:    "main",
			CheckName: "unit-tests",
			CheckType: "tests",
			Priority:  priority,
			Status:    schema.StatusMonitoring,
		}
		require.NoError(t, s.CreateItem(ctx, item))
		if priority == 1 {
			urgent[item.ID] = true
		}
	}
	require.NoError(t, s.Close())

	cfg := fastConfig()
	cfg.PoolSize = 1
	h := newHarness(t, harnessConfig{dbPath: dbPath, agent: cfg})

	require.Eventually(t, func() bool {
		return h.fakes.Fixer.Calls() == 10
	}, waitDeadline, 10*time.Millisecond, "not all items were fixed")

	reqs := h.fakes.Fixer.Requests()
	require.Len(t, reqs, 10)
	assert.True(t, urgent[reqs[0].ItemID], "most urgent item runs first")
	assert.True(t, urgent[reqs[1].ItemID], "both priority-1 items run before any priority-5")
}

// Dry run walks the item to the brink of fixing and parks it there,
// reporting the skipped attempt without invoking the fixer.
func TestDryRunSkipsFixes(t *testing.T) {
	cfg := fastConfig()
	cfg.Pipeline.DryRun = true

	h := newHarness(t, harnessConfig{agent: cfg})
	item := h.seedItem(2, 46)

	require.Eventually(t, func() bool {
		got, err := h.store.GetItem(context.Background(), item.ID)
		return err == nil && got.Status == schema.StatusFixing && got.NextEligibleAt != nil
	}, waitDeadline, 10*time.Millisecond, "item never parked in dry run")

	assert.Zero(t, h.fakes.Fixer.Calls())
	assert.Contains(t, h.eventTypes(item.ID), schema.EventFixSkipped)

	got, err := h.store.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AttemptCount, "dry run consumes no attempt budget")
}

// A check that goes green on its own short-circuits the item to
// Resolved without any fix attempt.
func TestSelfHealingCheck(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fakes.Observer.StatusFunc = func(collab.CheckRef) (*collab.CheckState, error) {
		return &collab.CheckState{Green: true, Status: "success", PRState: "open"}, nil
	}

	item := h.seedItem(2, 47)
	got := h.waitStatus(item.ID, schema.StatusResolved)

	assert.Zero(t, got.AttemptCount)
	assert.Zero(t, h.fakes.Fixer.Calls())
	assert.Contains(t, h.eventTypes(item.ID), schema.EventCheckGreen)
}

// Live stream: hub subscribers observe lifecycle events as the pipeline
// lands them.
func TestEventStreaming(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), waitDeadline)
	defer cancel()
	ch, unsub, err := h.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventFixSucceeded},
	})
	require.NoError(t, err)
	defer unsub()

	item := h.seedItem(2, 48)

	select {
	case ev := <-ch:
		assert.Equal(t, item.ID, ev.ItemID)
		assert.Equal(t, "acme/api", ev.Repo)
	case <-ctx.Done():
		t.Fatal("no fix_succeeded event streamed")
	}
}
