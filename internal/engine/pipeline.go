package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/reasoning"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Escalator hands an item over to humans and drives pending escalations
// toward resolution.
type Escalator interface {
	Raise(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy, reason, urgency string) (*store.Escalation, error)
	PollResolutions(ctx context.Context) error
}

// PipelineStore is the slice of the persistence layer the pipeline reads
// and writes outside of FSM transitions.
type PipelineStore interface {
	GetItem(ctx context.Context, id string) (*store.WorkItem, error)
	SaveTransition(ctx context.Context, item *store.WorkItem, expectedVersion int64, delta *store.TransitionDelta) error
	ActiveEscalationForItem(ctx context.Context, itemID string) (*store.Escalation, error)
}

// PolicySource resolves the policy for a repository. A miss means the
// repository has been removed from the monitored set.
type PolicySource interface {
	Get(repo string) (*schema.RepositoryPolicy, bool)
}

// ActionTimeouts caps each collaborator call made by the pipeline.
type ActionTimeouts struct {
	Observe time.Duration
	Analyze time.Duration
	Fix     time.Duration
	Notify  time.Duration
}

// DefaultActionTimeouts returns the stock caps. Fix carries the whole
// agent session, so it runs far longer than the rest.
func DefaultActionTimeouts() ActionTimeouts {
	return ActionTimeouts{
		Observe: 30 * time.Second,
		Analyze: 2 * time.Minute,
		Fix:     60 * time.Minute,
		Notify:  30 * time.Second,
	}
}

// PipelineConfig carries the pipeline knobs.
type PipelineConfig struct {
	Timeouts ActionTimeouts
	// PollInterval is how long an escalating item parks between
	// resolution checks.
	PollInterval time.Duration
	// DryRun reports what a fix attempt would do without invoking the
	// fixer or consuming any budget.
	DryRun bool
}

// PipelineDeps bundles the collaborators and infrastructure the pipeline
// drives. Hub may be nil when no one is streaming.
type PipelineDeps struct {
	Store     PipelineStore
	FSM       *ItemFSM
	Governor  *Governor
	Collabs   collab.Set
	Policies  PolicySource
	Builder   *reasoning.ContextBuilder
	Escalator Escalator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

const (
	defaultEscalationPoll = time.Minute

	// dryRunRecheck is how long a dry-run item parks before reporting
	// the skipped attempt again.
	dryRunRecheck = time.Hour

	baseErrorBackoff = 30 * time.Second
	maxErrorBackoff  = 10 * time.Minute
)

// Pipeline advances work items through their lifecycle one state action
// at a time. Each action reads the durable item, performs at most one
// collaborator call, and lands its outcome as a single guarded store
// write, so a crash between any two writes loses nothing but the call
// in flight.
type Pipeline struct {
	deps   PipelineDeps
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline creates a pipeline. Zero config fields get defaults.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	def := DefaultActionTimeouts()
	if cfg.Timeouts.Observe <= 0 {
		cfg.Timeouts.Observe = def.Observe
	}
	if cfg.Timeouts.Analyze <= 0 {
		cfg.Timeouts.Analyze = def.Analyze
	}
	if cfg.Timeouts.Fix <= 0 {
		cfg.Timeouts.Fix = def.Fix
	}
	if cfg.Timeouts.Notify <= 0 {
		cfg.Timeouts.Notify = def.Notify
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultEscalationPoll
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}
}

// Run loads the item and advances it until it parks, blocks, or reaches
// a terminal state. The scheduler redispatches parked items once their
// eligibility time arrives.
func (p *Pipeline) Run(ctx context.Context, itemID string) error {
	item, err := p.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		again, err := p.Advance(ctx, item)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// Advance performs the action for the item's current state and reports
// whether the item can be driven further right away. Action errors are
// classified in place: fatal errors block the item, permanent ones
// escalate it, transient ones park it with backoff. Only a cancelled
// context surfaces an error to the caller.
func (p *Pipeline) Advance(ctx context.Context, item *store.WorkItem) (bool, error) {
	if item.Status.IsTerminal() || item.Status == schema.StatusBlocked {
		return false, nil
	}

	pol, ok := p.deps.Policies.Get(item.Repo)
	if !ok {
		ev := event(item.ID, schema.EventItemClosed, map[string]any{"reason": "repository no longer monitored"})
		if err := p.transition(ctx, item, schema.StatusClosed, deltaWith(ev)); err != nil {
			return false, err
		}
		p.logger.Info("item closed", "item_id", item.ID, "reason", "repository no longer monitored")
		return false, nil
	}

	again, err := p.step(ctx, item, pol)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		return p.handleError(ctx, item, err)
	}
	return again, nil
}

func (p *Pipeline) step(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (bool, error) {
	switch item.Status {
	case schema.StatusScanning:
		if err := p.transition(ctx, item, schema.StatusMonitoring, nil); err != nil {
			return false, err
		}
		return true, nil
	case schema.StatusMonitoring:
		return p.actMonitor(ctx, item)
	case schema.StatusAnalyzing:
		return p.actAnalyze(ctx, item, pol)
	case schema.StatusFixing:
		return p.actFix(ctx, item, pol)
	case schema.StatusRetryWait:
		return p.actRetryWait(ctx, item)
	case schema.StatusSucceeded:
		if err := p.transition(ctx, item, schema.StatusResolved, nil); err != nil {
			return false, err
		}
		return false, nil
	case schema.StatusEscalating:
		return p.actEscalate(ctx, item, pol)
	}
	return false, schema.NewErrorf(schema.ErrCodeNonRetryable,
		"no pipeline action for status %q", item.Status).WithItem(item.ID)
}

// checkPulse re-reads the live check before any expensive action. A
// closed or merged PR closes the item; a green check short-circuits it
// to Succeeded. Either way the pending action is skipped.
func (p *Pipeline) checkPulse(ctx context.Context, item *store.WorkItem) (bool, error) {
	ref := collab.CheckRef{Repo: item.Repo, PRNumber: item.PRNumber, CheckName: item.CheckName}
	var state *collab.CheckState
	err := p.call(ctx, collab.NameObserver, p.cfg.Timeouts.Observe, func(ctx context.Context) error {
		var cerr error
		state, cerr = p.deps.Collabs.Observer.CheckStatus(ctx, ref)
		return cerr
	})
	if err != nil {
		return false, err
	}

	switch {
	case state.PRState == "closed" || state.PRState == "merged":
		ev := event(item.ID, schema.EventItemClosed, map[string]any{"reason": "pr " + state.PRState})
		if err := p.transition(ctx, item, schema.StatusClosed, deltaWith(ev)); err != nil {
			return false, err
		}
		p.logger.Info("item closed", "item_id", item.ID, "reason", "pr "+state.PRState)
		return true, nil
	case state.Green:
		ev := event(item.ID, schema.EventCheckGreen, map[string]any{"status": state.Status})
		if err := p.transition(ctx, item, schema.StatusSucceeded, deltaWith(ev)); err != nil {
			return false, err
		}
		p.logger.Info("check recovered", "item_id", item.ID, "check", item.CheckName)
		return true, nil
	}
	return false, nil
}

func (p *Pipeline) actMonitor(ctx context.Context, item *store.WorkItem) (bool, error) {
	handled, err := p.checkPulse(ctx, item)
	if err != nil || handled {
		return handled, err
	}

	ref := collab.CheckRef{Repo: item.Repo, PRNumber: item.PRNumber, CheckName: item.CheckName}
	var detail *collab.FailureDetail
	err = p.call(ctx, collab.NameObserver, p.cfg.Timeouts.Observe, func(ctx context.Context) error {
		var cerr error
		detail, cerr = p.deps.Collabs.Observer.FetchFailure(ctx, ref)
		return cerr
	})
	if err != nil {
		return false, err
	}

	failure, _ := json.Marshal(detail)
	item.Failure = failure
	ev := event(item.ID, schema.EventFailureObserved, map[string]any{
		"check_name": detail.CheckName,
		"check_type": detail.CheckType,
		"head_sha":   detail.HeadSHA,
	})
	if err := p.transition(ctx, item, schema.StatusAnalyzing, deltaWith(ev)); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) actAnalyze(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (bool, error) {
	handled, err := p.checkPulse(ctx, item)
	if err != nil || handled {
		return handled, err
	}

	req := collab.AnalyzeRequest{
		Repo:         item.Repo,
		PRNumber:     item.PRNumber,
		Branch:       item.Branch,
		CheckName:    item.CheckName,
		CheckType:    item.CheckType,
		Failure:      item.Failure,
		Instructions: pol.Prompt.Context,
	}
	var verdict *collab.Verdict
	err = p.call(ctx, collab.NameClassifier, p.cfg.Timeouts.Analyze, func(ctx context.Context) error {
		var cerr error
		verdict, cerr = p.deps.Collabs.Classifier.Analyze(ctx, req)
		return cerr
	})
	if err != nil {
		return false, err
	}

	ev := event(item.ID, schema.EventAnalysisCompleted, map[string]any{
		"fixable":       verdict.Fixable,
		"severity":      verdict.Severity,
		"reason":        verdict.Reason,
		"suggested_fix": verdict.SuggestedFix,
		"confidence":    verdict.Confidence,
	})

	if verdict.Fixable {
		if err := p.transition(ctx, item, schema.StatusFixing, deltaWith(ev)); err != nil {
			return false, err
		}
		return true, nil
	}

	item.LastError = noteError("unfixable: "+verdict.Reason, severityUrgency(verdict.Severity))
	if err := p.transition(ctx, item, schema.StatusEscalating, deltaWith(ev)); err != nil {
		return false, err
	}
	p.logger.Info("verdict: not fixable", "item_id", item.ID, "reason", verdict.Reason)
	return true, nil
}

func (p *Pipeline) actFix(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (bool, error) {
	if p.cfg.DryRun {
		number := item.AttemptCount + 1
		p.logger.Info("dry run: fix skipped", "item_id", item.ID, "attempt", number)
		ev := event(item.ID, schema.EventFixSkipped, map[string]any{"attempt": number, "reason": "dry_run"})
		return false, p.park(ctx, item, time.Now().UTC().Add(dryRunRecheck), "", ev)
	}

	if item.AttemptCount >= pol.RetryPolicy().MaxAttempts {
		return p.exhaust(ctx, item, pol, nil)
	}

	if err := p.deps.Governor.Admit(collab.NameFixer); err != nil {
		return false, err
	}
	if err := p.deps.Governor.ConsumeDailyFix(time.Now().UTC()); err != nil {
		return false, err
	}
	release, err := p.deps.Governor.AcquireFix(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	fixCtx, err := p.deps.Builder.Build(ctx, item, pol)
	if err != nil {
		return false, err
	}

	// The attempt is opened durably before the fixer is invoked; a crash
	// mid-call leaves an open attempt that boot recovery marks
	// interrupted.
	number := item.AttemptCount + 1
	attempt := &store.Attempt{
		ID:            uuid.NewString(),
		ItemID:        item.ID,
		Number:        number,
		ContextDigest: fixCtx.Digest,
		StartedAt:     time.Now().UTC(),
	}
	item.AttemptCount = number
	if err := p.deps.Store.SaveTransition(ctx, item, item.Version, &store.TransitionDelta{NewAttempt: attempt}); err != nil {
		item.AttemptCount = number - 1
		return false, err
	}
	p.logger.Info("fix attempt started", "item_id", item.ID, "attempt", number, "digest", fixCtx.Digest)

	var result *collab.FixResult
	fixErr := func() error {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Fix)
		defer cancel()
		var cerr error
		result, cerr = p.deps.Collabs.Fixer.AttemptFix(fctx, collab.FixRequest{
			ItemID:    item.ID,
			Repo:      item.Repo,
			PRNumber:  item.PRNumber,
			Branch:    item.Branch,
			CheckName: item.CheckName,
			Attempt:   number,
			Prompt:    fixCtx.Prompt,
		})
		return cerr
	}()
	p.deps.Governor.Record(collab.NameFixer, fixErr)

	finished := time.Now().UTC()
	duration := finished.Sub(attempt.StartedAt).Milliseconds()

	if fixErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-attempt: leave the attempt open for boot
			// recovery instead of writing after cancellation.
			return false, fixErr
		}
		done := &store.AttemptCompletion{
			AttemptID:    attempt.ID,
			Outcome:      schema.AttemptError,
			ErrorMessage: fixErr.Error(),
			FinishedAt:   finished,
			DurationMs:   duration,
		}
		return p.settleFailure(ctx, item, pol, number, done, fixErr)
	}

	if result.Success {
		done := &store.AttemptCompletion{
			AttemptID:  attempt.ID,
			Outcome:    schema.AttemptSucceeded,
			Summary:    result.Summary,
			FinishedAt: finished,
			DurationMs: duration,
		}
		ev := event(item.ID, schema.EventFixSucceeded, map[string]any{
			"attempt":    number,
			"summary":    result.Summary,
			"commit_sha": result.CommitSHA,
		})
		delta := &store.TransitionDelta{AttemptDone: done, Events: []*store.Event{ev}}
		if err := p.transition(ctx, item, schema.StatusSucceeded, delta); err != nil {
			return false, err
		}
		p.logger.Info("fix succeeded", "item_id", item.ID, "attempt", number, "commit_sha", result.CommitSHA)
		return true, nil
	}

	done := &store.AttemptCompletion{
		AttemptID:  attempt.ID,
		Outcome:    schema.AttemptFailed,
		Summary:    result.Summary,
		FinishedAt: finished,
		DurationMs: duration,
	}
	return p.settleFailure(ctx, item, pol, number, done, nil)
}

// settleFailure lands the completion of a failed or errored attempt
// together with the item's next state in one write.
func (p *Pipeline) settleFailure(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy, number int, done *store.AttemptCompletion, cause error) (bool, error) {
	reason := done.ErrorMessage
	if reason == "" {
		reason = done.Summary
	}
	if reason == "" {
		reason = "fix attempt failed"
	}

	if cause != nil {
		switch Classify(cause) {
		case ClassFatal:
			item.LastError = noteError(reason, "")
			ev := event(item.ID, schema.EventItemBlocked, map[string]any{"reason": reason, "attempt": number})
			delta := &store.TransitionDelta{AttemptDone: done, Events: []*store.Event{ev}}
			if err := p.transition(ctx, item, schema.StatusBlocked, delta); err != nil {
				return false, err
			}
			p.logger.Error("item blocked", "item_id", item.ID, "reason", reason)
			return false, nil
		case ClassPermanent:
			item.LastError = noteError(reason, "")
			ev := event(item.ID, schema.EventFixFailed, map[string]any{"attempt": number, "error": reason})
			delta := &store.TransitionDelta{AttemptDone: done, Events: []*store.Event{ev}}
			if err := p.transition(ctx, item, schema.StatusEscalating, delta); err != nil {
				return false, err
			}
			p.logger.Warn("fix failed permanently", "item_id", item.ID, "attempt", number, "reason", reason)
			return true, nil
		}
	}

	failed := event(item.ID, schema.EventFixFailed, map[string]any{"attempt": number, "error": reason})
	decision := Decide(item.AttemptCount, pol.RetryPolicy())
	if !decision.Retry {
		return p.exhaust(ctx, item, pol, &store.TransitionDelta{AttemptDone: done, Events: []*store.Event{failed}})
	}

	next := time.Now().UTC().Add(decision.Delay)
	item.NextEligibleAt = &next
	sched := event(item.ID, schema.EventRetryScheduled, map[string]any{
		"attempt":          number,
		"delay_ms":         decision.Delay.Milliseconds(),
		"next_eligible_at": next.Format(time.RFC3339),
	})
	delta := &store.TransitionDelta{AttemptDone: done, Events: []*store.Event{failed, sched}}
	if err := p.transition(ctx, item, schema.StatusRetryWait, delta); err != nil {
		return false, err
	}
	p.logger.Info("retry scheduled", "item_id", item.ID, "attempt", number, "delay", decision.Delay)
	return false, nil
}

// exhaust escalates an item whose attempt budget is spent. The delta, if
// any, carries the completion of the attempt that spent it.
func (p *Pipeline) exhaust(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy, delta *store.TransitionDelta) (bool, error) {
	if delta == nil {
		delta = &store.TransitionDelta{}
	}
	delta.Events = append(delta.Events, event(item.ID, schema.EventRetryExhausted, map[string]any{
		"attempts":     item.AttemptCount,
		"max_attempts": pol.RetryPolicy().MaxAttempts,
	}))
	item.LastError = noteError("max attempts reached", "")
	if err := p.transition(ctx, item, schema.StatusEscalating, delta); err != nil {
		return false, err
	}
	p.logger.Warn("retry budget exhausted", "item_id", item.ID, "attempts", item.AttemptCount)
	return true, nil
}

func (p *Pipeline) actRetryWait(ctx context.Context, item *store.WorkItem) (bool, error) {
	if item.NextEligibleAt != nil && item.NextEligibleAt.After(time.Now()) {
		return false, nil
	}

	handled, err := p.checkPulse(ctx, item)
	if err != nil || handled {
		return handled, err
	}

	item.NextEligibleAt = nil
	if err := p.transition(ctx, item, schema.StatusFixing, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) actEscalate(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (bool, error) {
	rec, err := p.deps.Store.ActiveEscalationForItem(ctx, item.ID)
	if err != nil && !notFound(err) {
		return false, err
	}
	if rec == nil {
		reason, urgency := parseLastError(item.LastError)
		if reason == "" {
			reason = "automated fixing gave up"
		}
		if _, err := p.deps.Escalator.Raise(ctx, item, pol, reason, urgency); err != nil {
			return false, err
		}
	}

	if err := p.deps.Escalator.PollResolutions(ctx); err != nil {
		return false, err
	}

	// Resolution lands through the escalation manager, so re-read the
	// item rather than trusting the copy in hand.
	fresh, err := p.deps.Store.GetItem(ctx, item.ID)
	if err != nil {
		return false, err
	}
	*item = *fresh
	if item.Status != schema.StatusEscalating {
		return !item.Status.IsTerminal(), nil
	}
	return false, p.park(ctx, item, time.Now().UTC().Add(p.cfg.PollInterval), "")
}

// handleError settles a failed action according to the error class.
// Transient failures park the item with exponential backoff so a flaky
// collaborator cannot spin the worker.
func (p *Pipeline) handleError(ctx context.Context, item *store.WorkItem, actErr error) (bool, error) {
	var agErr *schema.AgentError
	if errors.As(actErr, &agErr) && agErr.Code == schema.ErrCodeConflict {
		// Someone else advanced the item (operator override, escalation
		// resolution). Resume from the durable state.
		fresh, err := p.deps.Store.GetItem(ctx, item.ID)
		if err != nil {
			return false, err
		}
		*item = *fresh
		p.logger.Debug("item reloaded after concurrent write", "item_id", item.ID, "status", item.Status)
		return !item.Status.IsTerminal() && item.Status != schema.StatusBlocked, nil
	}

	switch Classify(actErr) {
	case ClassFatal:
		if CanTransition(item.Status, schema.StatusBlocked) {
			item.LastError = noteError(actErr.Error(), "")
			ev := event(item.ID, schema.EventItemBlocked, map[string]any{"reason": actErr.Error()})
			if err := p.transition(ctx, item, schema.StatusBlocked, deltaWith(ev)); err != nil {
				return false, err
			}
			p.logger.Error("item blocked", "item_id", item.ID, "error", actErr)
			return false, nil
		}
		fallthrough
	case ClassPermanent:
		if CanTransition(item.Status, schema.StatusEscalating) {
			item.LastError = noteError(actErr.Error(), "")
			if err := p.transition(ctx, item, schema.StatusEscalating, nil); err != nil {
				return false, err
			}
			p.logger.Warn("action failed permanently", "item_id", item.ID, "status", item.Status, "error", actErr)
			return true, nil
		}
	}

	item.ConsecutiveErrors++
	wait := errorBackoff(item.ConsecutiveErrors, actErr)
	p.logger.Warn("action failed, parking item",
		"item_id", item.ID, "status", item.Status, "error", actErr,
		"consecutive", item.ConsecutiveErrors, "retry_in", wait)
	return false, p.park(ctx, item, time.Now().UTC().Add(wait), actErr.Error())
}

// transition persists a state change and streams the delta events,
// canonical one included, to live subscribers.
func (p *Pipeline) transition(ctx context.Context, item *store.WorkItem, to schema.ItemStatus, delta *store.TransitionDelta) error {
	if delta == nil {
		delta = &store.TransitionDelta{}
	}
	item.ConsecutiveErrors = 0
	if err := p.deps.FSM.Transition(ctx, item, to, delta); err != nil {
		return err
	}
	p.publish(ctx, item, delta.Events)
	return nil
}

// park records when the item becomes eligible again without changing its
// state. A non-empty reason lands as the item's last error.
func (p *Pipeline) park(ctx context.Context, item *store.WorkItem, until time.Time, reason string, events ...*store.Event) error {
	u := until.UTC()
	item.NextEligibleAt = &u
	if reason != "" {
		item.LastError = noteError(reason, "")
	}
	delta := &store.TransitionDelta{Events: events}
	if err := p.deps.Store.SaveTransition(ctx, item, item.Version, delta); err != nil {
		return err
	}
	p.publish(ctx, item, events)
	return nil
}

func (p *Pipeline) call(ctx context.Context, collaborator string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return p.deps.Governor.Do(ctx, collaborator, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(cctx)
	})
}

// publish streams events to the hub. Delivery is best effort; slow or
// absent subscribers never hold up the pipeline.
func (p *Pipeline) publish(ctx context.Context, item *store.WorkItem, events []*store.Event) {
	if p.deps.Hub == nil {
		return
	}
	for _, ev := range events {
		_ = p.deps.Hub.Publish(ctx, streaming.StreamEvent{
			ItemID:    item.ID,
			Repo:      item.Repo,
			EventType: ev.Type,
			Payload:   ev.Payload,
		})
	}
}

// errorBackoff picks the park delay after consecutive transient
// failures. Budget denials park until the limit resets instead of
// probing on a doubling clock.
func errorBackoff(consecutive int, err error) time.Duration {
	var agErr *schema.AgentError
	if errors.As(err, &agErr) {
		switch agErr.Code {
		case schema.ErrCodeDailyLimit:
			now := time.Now().UTC()
			return NextUTCMidnight(now).Sub(now)
		case schema.ErrCodeRateLimited:
			if s, ok := agErr.Details["retry_after"].(string); ok {
				if d, perr := time.ParseDuration(s); perr == nil && d > 0 {
					return d
				}
			}
		}
	}

	n := consecutive
	if n < 1 {
		n = 1
	}
	if n > 6 {
		n = 6
	}
	d := baseErrorBackoff << (n - 1)
	if d > maxErrorBackoff {
		d = maxErrorBackoff
	}
	return d
}

// lastError is the shape persisted in WorkItem.LastError.
type lastError struct {
	Reason  string `json:"reason"`
	Urgency string `json:"urgency,omitempty"`
	At      string `json:"at"`
}

func noteError(reason, urgency string) json.RawMessage {
	raw, _ := json.Marshal(lastError{
		Reason:  reason,
		Urgency: urgency,
		At:      time.Now().UTC().Format(time.RFC3339),
	})
	return raw
}

func parseLastError(raw json.RawMessage) (reason, urgency string) {
	if len(raw) == 0 {
		return "", ""
	}
	var le lastError
	if err := json.Unmarshal(raw, &le); err != nil {
		return "", ""
	}
	return le.Reason, le.Urgency
}

func severityUrgency(severity string) string {
	switch severity {
	case schema.UrgencyLow, schema.UrgencyNormal, schema.UrgencyCritical:
		return severity
	}
	return schema.UrgencyNormal
}

func event(itemID, eventType string, payload map[string]any) *store.Event {
	raw, _ := json.Marshal(payload)
	return &store.Event{ItemID: itemID, Type: eventType, Payload: raw}
}

func deltaWith(events ...*store.Event) *store.TransitionDelta {
	return &store.TransitionDelta{Events: events}
}

func notFound(err error) bool {
	var agErr *schema.AgentError
	return errors.As(err, &agErr) && agErr.Code == schema.ErrCodeNotFound
}
