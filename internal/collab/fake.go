package collab

import (
	"context"
	"fmt"
	"sync"
)

// Scriptable in-memory collaborators. The zero values behave like a
// healthy happy path: checks are red until fixed, failures classify as
// fixable, fixes succeed, notifications deliver. Tests override the
// function fields to script other behaviors.

// FakeObserver is a scriptable Observer.
type FakeObserver struct {
	mu          sync.Mutex
	ScanFunc    func(repo string, branchFilters []string) ([]PullState, error)
	StatusFunc  func(ref CheckRef) (*CheckState, error)
	FailureFunc func(ref CheckRef) (*FailureDetail, error)
	scanCalls   int
	statusCalls int
}

func (f *FakeObserver) ScanPulls(_ context.Context, repo string, branchFilters []string) ([]PullState, error) {
	f.mu.Lock()
	f.scanCalls++
	fn := f.ScanFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(repo, branchFilters)
	}
	return nil, nil
}

func (f *FakeObserver) CheckStatus(_ context.Context, ref CheckRef) (*CheckState, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.StatusFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ref)
	}
	return &CheckState{Green: false, Status: "failure", PRState: "open"}, nil
}

func (f *FakeObserver) FetchFailure(_ context.Context, ref CheckRef) (*FailureDetail, error) {
	f.mu.Lock()
	fn := f.FailureFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ref)
	}
	return &FailureDetail{
		CheckName: ref.CheckName,
		CheckType: "tests",
		Excerpt:   "assertion failed",
	}, nil
}

// ScanCalls reports how many times ScanPulls ran.
func (f *FakeObserver) ScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls
}

// StatusCalls reports how many times CheckStatus ran.
func (f *FakeObserver) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// FakeClassifier is a scriptable Classifier.
type FakeClassifier struct {
	mu          sync.Mutex
	AnalyzeFunc func(req AnalyzeRequest) (*Verdict, error)
	calls       int
}

func (f *FakeClassifier) Analyze(_ context.Context, req AnalyzeRequest) (*Verdict, error) {
	f.mu.Lock()
	f.calls++
	fn := f.AnalyzeFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &Verdict{Fixable: true, Severity: "normal", Reason: "test failure", Confidence: 0.9}, nil
}

// Calls reports how many analyses ran.
func (f *FakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeFixer is a scriptable Fixer. Requests are recorded in order.
type FakeFixer struct {
	mu       sync.Mutex
	FixFunc  func(req FixRequest) (*FixResult, error)
	requests []FixRequest
}

func (f *FakeFixer) AttemptFix(_ context.Context, req FixRequest) (*FixResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.FixFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &FixResult{Success: true, Summary: "applied fix"}, nil
}

// Requests returns a copy of all fix requests seen so far.
func (f *FakeFixer) Requests() []FixRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FixRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls reports how many fix attempts ran.
func (f *FakeFixer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// FakeNotifier is a scriptable Notifier. Notifications are recorded;
// resolutions are scripted per notification ID.
type FakeNotifier struct {
	mu            sync.Mutex
	NotifyFunc    func(n Notification) (*NotifyReceipt, error)
	ResolveFunc   func(notificationID string) (*ResolutionState, error)
	notifications []Notification
	resolutions   map[string]*ResolutionState
	seq           int
}

func (f *FakeNotifier) Notify(_ context.Context, n Notification) (*NotifyReceipt, error) {
	f.mu.Lock()
	f.notifications = append(f.notifications, n)
	f.seq++
	id := fmt.Sprintf("ntf-%d", f.seq)
	fn := f.NotifyFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return &NotifyReceipt{NotificationID: id}, nil
}

func (f *FakeNotifier) CheckResolution(_ context.Context, notificationID string) (*ResolutionState, error) {
	f.mu.Lock()
	fn := f.ResolveFunc
	state := f.resolutions[notificationID]
	f.mu.Unlock()
	if fn != nil {
		return fn(notificationID)
	}
	if state != nil {
		return state, nil
	}
	return &ResolutionState{State: ResolutionPending}, nil
}

// SetResolution scripts the polled state for a notification ID.
func (f *FakeNotifier) SetResolution(notificationID string, state *ResolutionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolutions == nil {
		f.resolutions = make(map[string]*ResolutionState)
	}
	f.resolutions[notificationID] = state
}

// Notifications returns a copy of everything delivered so far.
func (f *FakeNotifier) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

// FakeSet bundles one fake of each collaborator role.
type FakeSet struct {
	Observer   *FakeObserver
	Classifier *FakeClassifier
	Fixer      *FakeFixer
	Notifier   *FakeNotifier
}

// NewFakeSet creates a FakeSet with zero-value (happy path) fakes.
func NewFakeSet() *FakeSet {
	return &FakeSet{
		Observer:   &FakeObserver{},
		Classifier: &FakeClassifier{},
		Fixer:      &FakeFixer{},
		Notifier:   &FakeNotifier{},
	}
}

// Set returns the fakes as a collaborator Set.
func (f *FakeSet) Set() Set {
	return Set{
		Observer:   f.Observer,
		Classifier: f.Classifier,
		Fixer:      f.Fixer,
		Notifier:   f.Notifier,
	}
}
