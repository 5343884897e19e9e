package pscheduler

import (
	"context"
	"time"
)

// UserRequestRepository persists the last desired-state request per
// resource. The reconciliation manager owns these rows exclusively.
type UserRequestRepository interface {
	Upsert(ctx context.Context, request *UserRequest) error
	Get(ctx context.Context, resourceKey string) (*UserRequest, error)
	List(ctx context.Context) ([]*UserRequest, error)
	Delete(ctx context.Context, resourceKey string) error
}

// RunRepository persists the runs table. The uniqueness constraint on the
// resource key enforces at most one active run per resource.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	GetForResource(ctx context.Context, resourceKey string) (*Run, error)
	SetReverting(ctx context.Context, runID string) error
	SetWaitingManualIntervention(ctx context.Context, runID string, waiting bool) error
	Delete(ctx context.Context, runID string) error
}

// StepRepository persists step rows and implements the state transitions
// of the step lifecycle. All transitions are conditional updates so that
// concurrent or repeated calls cannot corrupt state.
type StepRepository interface {
	// Create materializes a step row, silently doing nothing if the
	// (run, type, direction) row already exists.
	Create(ctx context.Context, step *Step) error
	Get(ctx context.Context, stepID int64) (*Step, error)
	GetAllRunTrackedSteps(ctx context.Context, runID string) ([]*Step, error)
	// SetRunStepsAsCancelled cancels every non-terminal step of a run.
	SetRunStepsAsCancelled(ctx context.Context, runID string) error
	// SetStepAsReady promotes a CREATED step to READY, silently doing
	// nothing for steps in any other state.
	SetStepAsReady(ctx context.Context, stepID int64) error
	// RetryStep archives the step's failure to the fail history and
	// re-enters it: attempt number up by one, one attempt consumed.
	RetryStep(ctx context.Context, stepID int64) error
	// ManualRetryStep is the operator retry: grants one extra attempt and
	// records the reason.
	ManualRetryStep(ctx context.Context, stepID int64, reason string) error
	// ManualSkipStep is the operator skip: dependencies treat the step as
	// satisfied from now on.
	ManualSkipStep(ctx context.Context, stepID int64, reason string) error
	// AcquireRunningStepForWorker atomically claims one READY step (a
	// specific one if stepID is given), transitions it to RUNNING and
	// returns it, or returns nil if nothing is claimable. Two concurrent
	// callers can never receive the same step.
	AcquireRunningStepForWorker(ctx context.Context, stepID *int64) (*Step, error)
	MarkStepAsSuccess(ctx context.Context, stepID int64, message string) error
	MarkStepAsFailed(ctx context.Context, stepID int64, message string) error
	MarkStepAsCancelled(ctx context.Context, stepID int64, message string) error
}

// LeaseRepository persists worker leases on steps.
type LeaseRepository interface {
	// AcquireOrExtend takes or renews the lease on a step in a single
	// atomic statement. It succeeds when no lease exists, the existing
	// lease expired, or the caller already owns it; otherwise it returns
	// ErrLeaseHeld.
	AcquireOrExtend(ctx context.Context, stepID int64, owner string, duration time.Duration) (*Lease, error)
	Get(ctx context.Context, stepID int64) (*Lease, error)
	Remove(ctx context.Context, stepID int64, owner string) error
}
