package pscheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/common/orcerrors"
	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/scheduler"
)

// In-memory repository doubles implementing the same conditional-update
// semantics as the postgres implementations. SQL-level behaviour (skip
// locked, conditional upserts) is emulated under a single mutex.

type fakeRequestRepository struct {
	mu       sync.Mutex
	requests map[string]*UserRequest
}

func newFakeRequestRepository() *fakeRequestRepository {
	return &fakeRequestRepository{requests: map[string]*UserRequest{}}
}

func (r *fakeRequestRepository) Upsert(ctx context.Context, request *UserRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *request
	r.requests[request.ResourceKey] = &clone
	return nil
}

func (r *fakeRequestRepository) Get(ctx context.Context, resourceKey string) (*UserRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[resourceKey]
	if !ok {
		return nil, &orcerrors.ErrNotFound{Type: "user request", Value: resourceKey}
	}
	clone := *request
	return &clone, nil
}

func (r *fakeRequestRepository) List(ctx context.Context) ([]*UserRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.requests))
	for key := range r.requests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	requests := make([]*UserRequest, 0, len(keys))
	for _, key := range keys {
		clone := *r.requests[key]
		requests = append(requests, &clone)
	}
	return requests, nil
}

func (r *fakeRequestRepository) Delete(ctx context.Context, resourceKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, resourceKey)
	return nil
}

type fakeRunRepository struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newFakeRunRepository() *fakeRunRepository {
	return &fakeRunRepository{runs: map[string]*Run{}}
}

func (r *fakeRunRepository) Create(ctx context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.ResourceKey == run.ResourceKey {
			return &orcerrors.ErrAlreadyExists{
				Type:    "run",
				Value:   run.ResourceKey,
				Message: "a run is already active for this resource",
			}
		}
	}
	clone := *run
	r.runs[run.RunID] = &clone
	return nil
}

func (r *fakeRunRepository) Get(ctx context.Context, runID string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, &orcerrors.ErrNotFound{Type: "run", Value: runID}
	}
	clone := *run
	return &clone, nil
}

func (r *fakeRunRepository) GetForResource(ctx context.Context, resourceKey string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.ResourceKey == resourceKey {
			clone := *run
			return &clone, nil
		}
	}
	return nil, &orcerrors.ErrNotFound{Type: "run", Value: resourceKey}
}

func (r *fakeRunRepository) SetReverting(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.IsReverting = true
	}
	return nil
}

func (r *fakeRunRepository) SetWaitingManualIntervention(ctx context.Context, runID string, waiting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.WaitingManualIntervention = waiting
	}
	return nil
}

func (r *fakeRunRepository) Delete(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
	return nil
}

type stepFailure struct {
	stepID  int64
	attempt int
	state   StepState
	message string
}

type fakeStepRepository struct {
	mu      sync.Mutex
	nextID  int64
	steps   map[int64]*Step
	history []stepFailure
	clock   util.Clock
}

func newFakeStepRepository(clock util.Clock) *fakeStepRepository {
	return &fakeStepRepository{nextID: 1, steps: map[int64]*Step{}, clock: clock}
}

func (r *fakeStepRepository) Create(ctx context.Context, step *Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.steps {
		if existing.RunID == step.RunID &&
			existing.StepType == step.StepType &&
			existing.IsReverting == step.IsReverting {
			return nil
		}
	}
	clone := *step
	clone.StepID = r.nextID
	r.nextID++
	r.steps[clone.StepID] = &clone
	return nil
}

func (r *fakeStepRepository) Get(ctx context.Context, stepID int64) (*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return nil, &orcerrors.ErrNotFound{Type: "step", Value: "unknown"}
	}
	clone := *step
	return &clone, nil
}

func (r *fakeStepRepository) GetAllRunTrackedSteps(ctx context.Context, runID string) ([]*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := []*Step{}
	for _, step := range r.steps {
		if step.RunID == runID {
			clone := *step
			steps = append(steps, &clone)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	return steps, nil
}

func (r *fakeStepRepository) SetRunStepsAsCancelled(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for _, step := range r.steps {
		if step.RunID != runID {
			continue
		}
		switch step.State {
		case StepStateCreated, StepStateReady, StepStateRunning:
			step.State = StepStateCancelled
			step.FinishedAt = &now
		}
	}
	return nil
}

func (r *fakeStepRepository) SetStepAsReady(ctx context.Context, stepID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step, ok := r.steps[stepID]; ok && step.State == StepStateCreated {
		step.State = StepStateReady
	}
	return nil
}

func (r *fakeStepRepository) RetryStep(ctx context.Context, stepID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return &orcerrors.ErrNotFound{Type: "step", Value: "unknown"}
	}
	if step.State != StepStateFailed && step.State != StepStateCancelled {
		return &ErrStepNotRetryable{StepID: stepID, State: step.State}
	}
	r.history = append(r.history, stepFailure{
		stepID: stepID, attempt: step.AttemptNumber, state: step.State, message: step.Message,
	})
	step.State = StepStateCreated
	step.AttemptNumber++
	step.AvailableAttempts--
	step.FinishedAt = nil
	step.Message = ""
	return nil
}

func (r *fakeStepRepository) ManualRetryStep(ctx context.Context, stepID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return &orcerrors.ErrNotFound{Type: "step", Value: "unknown"}
	}
	if step.State != StepStateFailed && step.State != StepStateCancelled {
		return &ErrStepNotRetryable{StepID: stepID, State: step.State}
	}
	r.history = append(r.history, stepFailure{
		stepID: stepID, attempt: step.AttemptNumber, state: step.State, message: step.Message,
	})
	step.State = StepStateCreated
	step.AvailableAttempts++
	step.FinishedAt = nil
	step.Message = "Manual RETRY: " + reason
	return nil
}

func (r *fakeStepRepository) ManualSkipStep(ctx context.Context, stepID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return &orcerrors.ErrNotFound{Type: "step", Value: "unknown"}
	}
	if step.State != StepStateFailed && step.State != StepStateCancelled {
		return &ErrStepNotRetryable{StepID: stepID, State: step.State}
	}
	now := r.clock.Now()
	step.State = StepStateSkipped
	step.FinishedAt = &now
	step.Message = "Manual SKIP: " + reason
	return nil
}

func (r *fakeStepRepository) AcquireRunningStepForWorker(ctx context.Context, stepID *int64) (*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidate *Step
	for _, step := range r.steps {
		if step.State != StepStateReady {
			continue
		}
		if stepID != nil && step.StepID != *stepID {
			continue
		}
		if candidate == nil || step.StepID < candidate.StepID {
			candidate = step
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.State = StepStateRunning
	clone := *candidate
	return &clone, nil
}

func (r *fakeStepRepository) MarkStepAsSuccess(ctx context.Context, stepID int64, message string) error {
	return r.markStep(stepID, StepStateSuccess, message)
}

func (r *fakeStepRepository) MarkStepAsFailed(ctx context.Context, stepID int64, message string) error {
	return r.markStep(stepID, StepStateFailed, message)
}

func (r *fakeStepRepository) MarkStepAsCancelled(ctx context.Context, stepID int64, message string) error {
	return r.markStep(stepID, StepStateCancelled, message)
}

func (r *fakeStepRepository) markStep(stepID int64, state StepState, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok || step.State != StepStateRunning {
		return nil
	}
	now := r.clock.Now()
	step.State = state
	step.FinishedAt = &now
	step.Message = message
	return nil
}

func (r *fakeStepRepository) failuresFor(stepID int64) []stepFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	failures := []stepFailure{}
	for _, failure := range r.history {
		if failure.stepID == stepID {
			failures = append(failures, failure)
		}
	}
	return failures
}

type fakeLeaseRepository struct {
	mu     sync.Mutex
	leases map[int64]*Lease
	clock  util.Clock
	// When set, every acquire and renewal is refused.
	denyAll bool
	// When set, Remove keeps the repository locked for this long, so a
	// concurrent renewal attempt lands right after the removal.
	removeHold time.Duration
}

func newFakeLeaseRepository(clock util.Clock) *fakeLeaseRepository {
	return &fakeLeaseRepository{leases: map[int64]*Lease{}, clock: clock}
}

func (r *fakeLeaseRepository) AcquireOrExtend(ctx context.Context, stepID int64, owner string, duration time.Duration) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denyAll {
		return nil, ErrLeaseHeld
	}
	now := r.clock.Now()
	lease, ok := r.leases[stepID]
	if ok && lease.Owner != owner && lease.ExpiresAt.After(now) {
		return nil, ErrLeaseHeld
	}
	if ok && lease.Owner == owner && lease.ExpiresAt.After(now) {
		lease.RenewCount++
		lease.LastHeartbeatAt = now
		lease.ExpiresAt = lease.ExpiresAt.Add(duration)
	} else {
		lease = &Lease{
			StepID:          stepID,
			Owner:           owner,
			AcquiredAt:      now,
			LastHeartbeatAt: now,
			ExpiresAt:       now.Add(duration),
		}
		r.leases[stepID] = lease
	}
	clone := *lease
	return &clone, nil
}

func (r *fakeLeaseRepository) Get(ctx context.Context, stepID int64) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lease, ok := r.leases[stepID]
	if !ok {
		return nil, &orcerrors.ErrNotFound{Type: "lease", Value: "unknown"}
	}
	clone := *lease
	return &clone, nil
}

func (r *fakeLeaseRepository) Remove(ctx context.Context, stepID int64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lease, ok := r.leases[stepID]; ok && lease.Owner == owner {
		delete(r.leases, stepID)
	}
	if r.removeHold > 0 {
		time.Sleep(r.removeHold)
	}
	return nil
}

func (r *fakeLeaseRepository) setRemoveHold(hold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeHold = hold
}

func (r *fakeLeaseRepository) setDenyAll(deny bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denyAll = deny
}

func (r *fakeLeaseRepository) setLease(lease *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *lease
	r.leases[lease.StepID] = &clone
}

type fakeStatusProbe struct {
	mu       sync.Mutex
	statuses map[string]ServiceStatus
	err      error
}

func newFakeStatusProbe() *fakeStatusProbe {
	return &fakeStatusProbe{statuses: map[string]ServiceStatus{}}
}

func (p *fakeStatusProbe) GetServiceStatus(ctx context.Context, resourceKey string) (ServiceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if status, ok := p.statuses[resourceKey]; ok {
		return status, nil
	}
	return ServiceStatusAbsent, nil
}

func (p *fakeStatusProbe) setStatus(resourceKey string, status ServiceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[resourceKey] = status
}

// recordingBus captures published events without dispatching them, so tests
// drive reconciliation explicitly and assert on what was emitted.
type recordingBus struct {
	mu     sync.Mutex
	events []*scheduler.Event
}

func (b *recordingBus) Publish(ctx context.Context, event *scheduler.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(kind scheduler.EventKind, handler scheduler.EventHandler) error {
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published(kind scheduler.EventKind) []*scheduler.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := []*scheduler.Event{}
	for _, event := range b.events {
		if event.Kind == kind {
			events = append(events, event)
		}
	}
	return events
}

type followerLeaderController struct{}

func (followerLeaderController) GetToken() LeaderToken          { return InvalidLeaderToken() }
func (followerLeaderController) ValidateToken(LeaderToken) bool { return false }
func (followerLeaderController) Run(ctx context.Context) error  { return nil }

var errProbeDown = errors.New("probe unreachable")
