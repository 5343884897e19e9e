package pscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/scheduler"
)

const testResource = "tenant-a/service-1"

type reconcilerHarness struct {
	requests   *fakeRequestRepository
	runs       *fakeRunRepository
	steps      *fakeStepRepository
	leases     *fakeLeaseRepository
	probe      *fakeStatusProbe
	bus        *recordingBus
	clock      *util.DummyClock
	reconciler *Reconciler
}

func testWorkflows(t *testing.T) *WorkflowRegistry {
	noop := func(ctx context.Context, resourceKey string, payload []byte) error { return nil }
	registry := NewWorkflowRegistry()
	require.NoError(t, registry.Register(&Workflow{
		Name: WorkflowStartService,
		Groups: [][]*WorkflowStep{
			{{Type: "allocate-node", Apply: noop, Revert: noop, AvailableAttempts: 2, Timeout: time.Second}},
			{
				{Type: "launch-service", Apply: noop, Revert: noop, AvailableAttempts: 2, Timeout: time.Second},
				{Type: "register-dns", Apply: noop, Revert: noop, AvailableAttempts: 2, Timeout: time.Second},
			},
		},
	}))
	require.NoError(t, registry.Register(&Workflow{
		Name: WorkflowStopService,
		Groups: [][]*WorkflowStep{
			{{Type: "drain-service", Apply: noop, Revert: noop, AvailableAttempts: 2, Timeout: time.Second}},
			{{Type: "release-node", Apply: noop, Revert: noop, AvailableAttempts: 2, Timeout: time.Second}},
		},
	}))
	return registry
}

func withReconciler(t *testing.T, action func(h *reconcilerHarness)) {
	clock := &util.DummyClock{T: time.Now()}
	h := &reconcilerHarness{
		requests: newFakeRequestRepository(),
		runs:     newFakeRunRepository(),
		steps:    newFakeStepRepository(clock),
		leases:   newFakeLeaseRepository(clock),
		probe:    newFakeStatusProbe(),
		bus:      &recordingBus{},
		clock:    clock,
	}
	h.reconciler = NewReconciler(
		h.requests, h.runs, h.steps, h.leases, testWorkflows(t), h.probe, h.bus,
		NewStandaloneLeaderController(), clock)
	action(h)
}

func (h *reconcilerHarness) submit(t *testing.T, desired DesiredState) {
	require.NoError(t, h.reconciler.SubmitUserRequest(
		context.Background(), testResource, desired, []byte(`{"image":"svc:1"}`)))
}

func (h *reconcilerHarness) reconcile(t *testing.T) {
	require.NoError(t, h.reconciler.ReconcileResource(context.Background(), testResource))
}

func (h *reconcilerHarness) run(t *testing.T) *Run {
	run, err := h.runs.GetForResource(context.Background(), testResource)
	require.NoError(t, err)
	return run
}

func (h *reconcilerHarness) stepByType(t *testing.T, stepType string, reverting bool) *Step {
	run := h.run(t)
	steps, err := h.steps.GetAllRunTrackedSteps(context.Background(), run.RunID)
	require.NoError(t, err)
	for _, step := range steps {
		if step.StepType == stepType && step.IsReverting == reverting {
			return step
		}
	}
	t.Fatalf("step %s (reverting=%v) not found", stepType, reverting)
	return nil
}

// finishStep claims the step the way a worker would and writes a terminal state.
func (h *reconcilerHarness) finishStep(t *testing.T, step *Step, state StepState, message string) {
	ctx := context.Background()
	claimed, err := h.steps.AcquireRunningStepForWorker(ctx, &step.StepID)
	require.NoError(t, err)
	require.NotNil(t, claimed, "step %s is not claimable", step.StepType)
	switch state {
	case StepStateSuccess:
		require.NoError(t, h.steps.MarkStepAsSuccess(ctx, step.StepID, message))
	case StepStateFailed:
		require.NoError(t, h.steps.MarkStepAsFailed(ctx, step.StepID, message))
	default:
		t.Fatalf("unsupported terminal state %s", state)
	}
}

func TestReconciler_StartsRunWhenServiceAbsent(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.probe.setStatus(testResource, ServiceStatusAbsent)

		h.reconcile(t)

		run := h.run(t)
		assert.Equal(t, WorkflowStartService, run.WorkflowName)
		assert.False(t, run.IsReverting)

		assert.Equal(t, StepStateReady, h.stepByType(t, "allocate-node", false).State)
		assert.Equal(t, StepStateCreated, h.stepByType(t, "launch-service", false).State)
		assert.Equal(t, StepStateCreated, h.stepByType(t, "register-dns", false).State)
		assert.Len(t, h.bus.published(scheduler.EventStepReady), 1)
	})
}

func TestReconciler_ConvergedResourceIsLeftAlone(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.probe.setStatus(testResource, ServiceStatusPresent)

		h.reconcile(t)

		_, err := h.runs.GetForResource(context.Background(), testResource)
		assert.Error(t, err)
	})
}

func TestReconciler_AbsentConvergenceDeletesRequest(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStateAbsent)
		h.probe.setStatus(testResource, ServiceStatusAbsent)

		h.reconcile(t)

		_, err := h.requests.Get(context.Background(), testResource)
		assert.Error(t, err)
	})
}

func TestReconciler_FailedServiceIsStoppedFirst(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.probe.setStatus(testResource, ServiceStatusFailed)

		h.reconcile(t)

		assert.Equal(t, WorkflowStopService, h.run(t).WorkflowName)
	})
}

func TestReconciler_TransitioningServiceIsObservedOnly(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.probe.setStatus(testResource, ServiceStatusStarting)

		h.reconcile(t)

		_, err := h.runs.GetForResource(context.Background(), testResource)
		assert.Error(t, err)
	})
}

func TestReconciler_GroupOrderingAndFinalization(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		h.finishStep(t, h.stepByType(t, "allocate-node", false), StepStateSuccess, "")
		h.reconcile(t)

		// Second group only becomes READY once the first is satisfied.
		assert.Equal(t, StepStateReady, h.stepByType(t, "launch-service", false).State)
		assert.Equal(t, StepStateReady, h.stepByType(t, "register-dns", false).State)

		h.finishStep(t, h.stepByType(t, "launch-service", false), StepStateSuccess, "")
		h.finishStep(t, h.stepByType(t, "register-dns", false), StepStateSuccess, "")
		h.reconcile(t)

		_, err := h.runs.GetForResource(context.Background(), testResource)
		assert.Error(t, err, "completed run should be deleted")
		assert.NotEmpty(t, h.bus.published(scheduler.EventReconciliation))
	})
}

func TestReconciler_RetriesFailedStepWithBudgetLeft(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		step := h.stepByType(t, "allocate-node", false)
		h.finishStep(t, step, StepStateFailed, "no capacity")
		h.reconcile(t)

		retried := h.stepByType(t, "allocate-node", false)
		assert.Equal(t, StepStateReady, retried.State)
		assert.Equal(t, 2, retried.AttemptNumber)
		assert.Equal(t, 1, retried.AvailableAttempts)

		failures := h.steps.failuresFor(step.StepID)
		require.Len(t, failures, 1)
		assert.Equal(t, 1, failures[0].attempt)
		assert.Equal(t, "no capacity", failures[0].message)
	})
}

func TestReconciler_ExhaustedStepRevertsRun(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		h.finishStep(t, h.stepByType(t, "allocate-node", false), StepStateFailed, "no capacity")
		h.reconcile(t)
		h.finishStep(t, h.stepByType(t, "allocate-node", false), StepStateFailed, "still no capacity")
		h.reconcile(t)

		run := h.run(t)
		assert.True(t, run.IsReverting)
		// The untouched forward steps were cancelled, not left dangling.
		assert.Equal(t, StepStateCancelled, h.stepByType(t, "launch-service", false).State)

		// The next pass materializes the revert steps, last group first.
		h.reconcile(t)
		assert.Equal(t, StepStateReady, h.stepByType(t, "launch-service", true).State)
		assert.Equal(t, StepStateReady, h.stepByType(t, "register-dns", true).State)
		assert.Equal(t, StepStateCreated, h.stepByType(t, "allocate-node", true).State)
	})
}

func TestReconciler_RevertExhaustionWaitsForOperator(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)
		run := h.run(t)
		require.NoError(t, h.runs.SetReverting(context.Background(), run.RunID))
		h.reconcile(t)

		// Burn the full attempt budget of a revert step.
		h.finishStep(t, h.stepByType(t, "launch-service", true), StepStateFailed, "volume detach hangs")
		h.reconcile(t)
		h.finishStep(t, h.stepByType(t, "launch-service", true), StepStateFailed, "volume detach hangs")
		h.reconcile(t)

		assert.True(t, h.run(t).WaitingManualIntervention)

		// A halted run is never finalized, however long it sits there.
		h.reconcile(t)
		assert.True(t, h.run(t).WaitingManualIntervention)

		// The operator grants one extra attempt and the run resumes.
		stuck := h.stepByType(t, "launch-service", true)
		require.NoError(t, h.reconciler.ManualRetryStep(context.Background(), stuck.StepID, "detached by hand"))
		h.reconcile(t)

		assert.False(t, h.run(t).WaitingManualIntervention)
		resumed := h.stepByType(t, "launch-service", true)
		assert.Equal(t, StepStateReady, resumed.State)
		assert.Equal(t, "Manual RETRY: detached by hand", resumed.Message)
	})
}

func TestReconciler_ManualSkipUnblocksRun(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		h.finishStep(t, h.stepByType(t, "allocate-node", false), StepStateFailed, "boom")
		h.reconcile(t)
		h.finishStep(t, h.stepByType(t, "allocate-node", false), StepStateFailed, "boom")

		stuck := h.stepByType(t, "allocate-node", false)
		require.NoError(t, h.reconciler.ManualSkipStep(context.Background(), stuck.StepID, "node pre-allocated"))
		h.reconcile(t)

		skipped := h.stepByType(t, "allocate-node", false)
		assert.Equal(t, StepStateSkipped, skipped.State)
		assert.Equal(t, "Manual SKIP: node pre-allocated", skipped.Message)
		// A skipped step satisfies its group, the next group proceeds.
		assert.Equal(t, StepStateReady, h.stepByType(t, "launch-service", false).State)
	})
}

func TestReconciler_AbsentRequestCancelsInFlightStart(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)
		require.False(t, h.run(t).IsReverting)

		h.submit(t, DesiredStateAbsent)
		h.reconcile(t)

		run := h.run(t)
		assert.True(t, run.IsReverting)
		assert.Equal(t, StepStateCancelled, h.stepByType(t, "allocate-node", false).State)
		assert.Equal(t, StepStateCancelled, h.stepByType(t, "launch-service", false).State)
	})
}

func TestReconciler_RecoversOrphanedRunningStep(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		step := h.stepByType(t, "allocate-node", false)
		claimed, err := h.steps.AcquireRunningStepForWorker(context.Background(), &step.StepID)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		h.leases.setLease(&Lease{
			StepID:    step.StepID,
			Owner:     "dead-worker",
			ExpiresAt: h.clock.Now().Add(-time.Minute),
		})

		h.reconcile(t)

		recovered := h.stepByType(t, "allocate-node", false)
		assert.Equal(t, StepStateReady, recovered.State, "recovered step should be retried")
		assert.Equal(t, 2, recovered.AttemptNumber)
	})
}

func TestReconciler_RunningStepWithLiveLeaseIsNotTouched(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.reconcile(t)

		step := h.stepByType(t, "allocate-node", false)
		claimed, err := h.steps.AcquireRunningStepForWorker(context.Background(), &step.StepID)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		h.leases.setLease(&Lease{
			StepID:    step.StepID,
			Owner:     "live-worker",
			ExpiresAt: h.clock.Now().Add(time.Minute),
		})

		h.reconcile(t)

		assert.Equal(t, StepStateRunning, h.stepByType(t, "allocate-node", false).State)
	})
}

func TestReconciler_OnlyLeaderSweeps(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		follower := NewReconciler(
			h.requests, h.runs, h.steps, h.leases, testWorkflows(t), h.probe, h.bus,
			followerLeaderController{}, h.clock)

		follower.ReconcileAll(context.Background())

		_, err := h.runs.GetForResource(context.Background(), testResource)
		assert.Error(t, err, "a follower must not reconcile anything")
	})
}

func TestReconciler_SweepCoversEveryRequest(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		ctx := context.Background()
		require.NoError(t, h.reconciler.SubmitUserRequest(ctx, "svc-a", DesiredStatePresent, nil))
		require.NoError(t, h.reconciler.SubmitUserRequest(ctx, "svc-b", DesiredStatePresent, nil))

		h.reconciler.ReconcileAll(ctx)

		_, errA := h.runs.GetForResource(ctx, "svc-a")
		_, errB := h.runs.GetForResource(ctx, "svc-b")
		assert.NoError(t, errA)
		assert.NoError(t, errB)
	})
}

func TestReconciler_ProbeErrorIsSurfaced(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		h.submit(t, DesiredStatePresent)
		h.probe.err = errProbeDown

		err := h.reconciler.ReconcileResource(context.Background(), testResource)
		assert.ErrorIs(t, err, errProbeDown)
	})
}

func TestReconciler_InvalidDesiredStateRejected(t *testing.T) {
	withReconciler(t, func(h *reconcilerHarness) {
		err := h.reconciler.SubmitUserRequest(context.Background(), testResource, "MAYBE", nil)
		assert.Error(t, err)
	})
}
