package pscheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/common/logging"
	"github.com/maestroproject/maestro/internal/common/orcerrors"
	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/scheduler"
)

// Workflow names the reconciler maps desired-state decisions onto. Both must
// be registered in the workflow registry handed to the reconciler.
const (
	WorkflowStartService = "start-service"
	WorkflowStopService  = "stop-service"
)

var (
	reconcileSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_reconciler_sweeps_total",
		Help: "Number of global reconciliation sweeps performed.",
	})
	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_reconciler_resource_errors_total",
		Help: "Number of per-resource reconciliations that failed.",
	})
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_reconciler_runs_started_total",
		Help: "Number of workflow runs started, by workflow.",
	}, []string{"workflow"})
)

// Reconciler drives every resource towards its last requested desired state.
// It never performs service actions itself: it materializes step rows and
// promotes them to READY, and the worker pool does the rest. Every decision
// is re-derived from the database on each pass, so a crashed reconciler
// resumes by simply running again.
type Reconciler struct {
	requests UserRequestRepository
	runs     RunRepository
	steps    StepRepository
	leases   LeaseRepository
	registry *WorkflowRegistry
	probe    StatusProbe
	bus      scheduler.EventBus
	leader   LeaderController
	clock    util.Clock
}

func NewReconciler(
	requests UserRequestRepository,
	runs RunRepository,
	steps StepRepository,
	leases LeaseRepository,
	registry *WorkflowRegistry,
	probe StatusProbe,
	bus scheduler.EventBus,
	leader LeaderController,
	clock util.Clock,
) *Reconciler {
	return &Reconciler{
		requests: requests,
		runs:     runs,
		steps:    steps,
		leases:   leases,
		registry: registry,
		probe:    probe,
		bus:      bus,
		leader:   leader,
		clock:    clock,
	}
}

// Start subscribes the reconciler to per-resource reconciliation events.
func (r *Reconciler) Start() error {
	return r.bus.Subscribe(scheduler.EventReconciliation, func(ctx context.Context, event *scheduler.Event) error {
		if err := r.ReconcileResource(ctx, event.ResourceID); err != nil {
			reconcileErrors.Inc()
			logging.WithStacktrace(log.WithField("resourceKey", event.ResourceID), err).
				Error("reconciliation failed")
		}
		return nil
	})
}

// SubmitUserRequest records the new desired state for a resource and wakes
// its reconciliation. A later request for the same resource overwrites an
// earlier one.
func (r *Reconciler) SubmitUserRequest(ctx context.Context, resourceKey string, desired DesiredState, payload []byte) error {
	if desired != DesiredStatePresent && desired != DesiredStateAbsent {
		return &orcerrors.ErrInvalidArgument{
			Name:    "desiredState",
			Value:   desired,
			Message: "must be PRESENT or ABSENT",
		}
	}
	err := r.requests.Upsert(ctx, &UserRequest{
		ResourceKey:  resourceKey,
		DesiredState: desired,
		Payload:      payload,
		RequestedAt:  r.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, &scheduler.Event{Kind: scheduler.EventReconciliation, ResourceID: resourceKey})
}

// ManualRetryStep applies the operator RETRY action and wakes the resource.
func (r *Reconciler) ManualRetryStep(ctx context.Context, stepID int64, reason string) error {
	return r.manualAction(ctx, stepID, func() error {
		return r.steps.ManualRetryStep(ctx, stepID, reason)
	})
}

// ManualSkipStep applies the operator SKIP action and wakes the resource.
func (r *Reconciler) ManualSkipStep(ctx context.Context, stepID int64, reason string) error {
	return r.manualAction(ctx, stepID, func() error {
		return r.steps.ManualSkipStep(ctx, stepID, reason)
	})
}

func (r *Reconciler) manualAction(ctx context.Context, stepID int64, action func() error) error {
	step, err := r.steps.Get(ctx, stepID)
	if err != nil {
		return err
	}
	run, err := r.runs.Get(ctx, step.RunID)
	if err != nil {
		return err
	}
	if err := action(); err != nil {
		return err
	}
	return r.bus.Publish(ctx, &scheduler.Event{Kind: scheduler.EventReconciliation, ResourceID: run.ResourceKey})
}

// ReconcileAll sweeps every known resource. Only the leader sweeps, so that
// a highly-available deployment does not reconcile the same resource from
// several processes at once.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	token := r.leader.GetToken()
	if !r.leader.ValidateToken(token) {
		return
	}
	reconcileSweeps.Inc()
	requests, err := r.requests.List(ctx)
	if err != nil {
		logging.WithStacktrace(log.StandardLogger().WithField("service", "reconciler"), err).
			Error("failed to list user requests")
		return
	}
	for _, request := range requests {
		if !r.leader.ValidateToken(token) {
			log.Warn("lost leadership mid-sweep, aborting")
			return
		}
		if err := r.ReconcileResource(ctx, request.ResourceKey); err != nil {
			reconcileErrors.Inc()
			logging.WithStacktrace(log.WithField("resourceKey", request.ResourceKey), err).
				Error("reconciliation failed")
		}
	}
}

// ReconcileResource performs one reconciliation pass for a single resource.
// The pass is idempotent: with no state change in between, running it twice
// leaves the database exactly as running it once does.
func (r *Reconciler) ReconcileResource(ctx context.Context, resourceKey string) error {
	request, err := r.requests.Get(ctx, resourceKey)
	if err != nil {
		var notFound *orcerrors.ErrNotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	run, err := r.runs.GetForResource(ctx, resourceKey)
	if err != nil {
		var notFound *orcerrors.ErrNotFound
		if !errors.As(err, &notFound) {
			return err
		}
		return r.reconcileWithoutRun(ctx, request)
	}

	// A still-applying start run is obsolete the moment the user asks for
	// ABSENT: cancel what has not run yet and revert what has.
	if request.DesiredState == DesiredStateAbsent &&
		run.WorkflowName == WorkflowStartService && !run.IsReverting {
		if err := r.steps.SetRunStepsAsCancelled(ctx, run.RunID); err != nil {
			return err
		}
		if err := r.runs.SetReverting(ctx, run.RunID); err != nil {
			return err
		}
		run.IsReverting = true
		log.WithField("resourceKey", resourceKey).WithField("runId", run.RunID).
			Info("cancelled in-flight start run, reverting")
	}

	return r.advanceRun(ctx, run)
}

// reconcileWithoutRun is the decision table applied when no run is active.
func (r *Reconciler) reconcileWithoutRun(ctx context.Context, request *UserRequest) error {
	status, err := r.probe.GetServiceStatus(ctx, request.ResourceKey)
	if err != nil {
		return errors.Wrapf(err, "probing resource %s", request.ResourceKey)
	}

	switch {
	case status == ServiceStatusStarting || status == ServiceStatusStopping:
		// In flight outside our control, observe again next sweep.
		return nil
	case request.DesiredState == DesiredStatePresent && status == ServiceStatusPresent:
		// Converged.
		return nil
	case request.DesiredState == DesiredStatePresent && status == ServiceStatusAbsent:
		return r.startRun(ctx, request, WorkflowStartService)
	case request.DesiredState == DesiredStatePresent && status == ServiceStatusFailed:
		// Tear the broken instance down first, a later sweep restarts it.
		return r.startRun(ctx, request, WorkflowStopService)
	case request.DesiredState == DesiredStateAbsent && status == ServiceStatusAbsent:
		// Converged, the request has been fully served.
		return r.requests.Delete(ctx, request.ResourceKey)
	case request.DesiredState == DesiredStateAbsent:
		return r.startRun(ctx, request, WorkflowStopService)
	}
	return nil
}

func (r *Reconciler) startRun(ctx context.Context, request *UserRequest, workflowName string) error {
	if _, err := r.registry.Get(workflowName); err != nil {
		return err
	}
	run := &Run{
		RunID:        uuid.NewString(),
		ResourceKey:  request.ResourceKey,
		WorkflowName: workflowName,
	}
	if err := r.runs.Create(ctx, run); err != nil {
		var alreadyExists *orcerrors.ErrAlreadyExists
		if errors.As(err, &alreadyExists) {
			// Lost the race against a concurrent reconcile, the winner's
			// run will be advanced on the next pass.
			return nil
		}
		return err
	}
	runsStarted.WithLabelValues(workflowName).Inc()
	log.WithField("resourceKey", request.ResourceKey).
		WithField("runId", run.RunID).
		WithField("workflow", workflowName).
		Info("started workflow run")
	return r.advanceRun(ctx, run)
}

// advanceRun moves one run forward: materialize missing step rows, retry
// failed steps with budget left, flip to revert or halt for the operator
// when the budget is gone, promote the next eligible group to READY and
// finalize the run once every step of the current direction is satisfied.
func (r *Reconciler) advanceRun(ctx context.Context, run *Run) error {
	workflow, err := r.registry.Get(run.WorkflowName)
	if err != nil {
		return err
	}

	if err := r.materializeSteps(ctx, run, workflow); err != nil {
		return err
	}
	tracked, err := r.steps.GetAllRunTrackedSteps(ctx, run.RunID)
	if err != nil {
		return err
	}
	current := map[string]*Step{}
	for _, step := range tracked {
		if step.IsReverting == run.IsReverting {
			current[step.StepType] = step
		}
	}

	if err := r.recoverOrphanedSteps(ctx, current); err != nil {
		return err
	}
	exhausted, err := r.retryFailedSteps(ctx, current)
	if err != nil {
		return err
	}
	if len(exhausted) > 0 {
		return r.handleExhaustedSteps(ctx, run, exhausted)
	}
	if run.WaitingManualIntervention {
		// The operator retried or skipped every stuck step, resume.
		if err := r.runs.SetWaitingManualIntervention(ctx, run.RunID, false); err != nil {
			return err
		}
		run.WaitingManualIntervention = false
		log.WithField("runId", run.RunID).Info("manual intervention resolved, run resumed")
	}

	allSatisfied, err := r.promoteReadySteps(ctx, run, workflow, current)
	if err != nil {
		return err
	}
	if allSatisfied {
		return r.finalizeRun(ctx, run)
	}
	return nil
}

func (r *Reconciler) materializeSteps(ctx context.Context, run *Run, workflow *Workflow) error {
	for _, group := range workflow.GroupsInOrder(run.IsReverting) {
		for _, definition := range group {
			err := r.steps.Create(ctx, &Step{
				RunID:             run.RunID,
				StepType:          definition.Type,
				IsReverting:       run.IsReverting,
				State:             StepStateCreated,
				AttemptNumber:     1,
				AvailableAttempts: definition.AvailableAttempts,
				Timeout:           definition.Timeout,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverOrphanedSteps cancels RUNNING steps whose worker lease is gone or
// expired. The owning worker crashed or was partitioned away, so nobody
// will ever write a terminal state for these.
func (r *Reconciler) recoverOrphanedSteps(ctx context.Context, current map[string]*Step) error {
	for _, step := range current {
		if step.State != StepStateRunning {
			continue
		}
		lease, err := r.leases.Get(ctx, step.StepID)
		if err != nil {
			var notFound *orcerrors.ErrNotFound
			if !errors.As(err, &notFound) {
				return err
			}
		}
		if lease != nil && lease.ExpiresAt.After(r.clock.Now()) {
			continue
		}
		if err := r.steps.MarkStepAsCancelled(ctx, step.StepID, "worker lease expired"); err != nil {
			return err
		}
		step.State = StepStateCancelled
		log.WithField("stepId", step.StepID).WithField("stepType", step.StepType).
			Warn("recovered orphaned running step")
	}
	return nil
}

// retryFailedSteps re-enters FAILED and CANCELLED steps that still have
// attempt budget and returns the ones that do not.
func (r *Reconciler) retryFailedSteps(ctx context.Context, current map[string]*Step) ([]*Step, error) {
	exhausted := []*Step{}
	for _, step := range current {
		if step.State != StepStateFailed && step.State != StepStateCancelled {
			continue
		}
		if step.AvailableAttempts <= 1 {
			exhausted = append(exhausted, step)
			continue
		}
		if err := r.steps.RetryStep(ctx, step.StepID); err != nil {
			var notRetryable *ErrStepNotRetryable
			if errors.As(err, &notRetryable) {
				// A worker or operator changed the step under us, the next
				// pass sees the fresh state.
				continue
			}
			return nil, err
		}
		step.State = StepStateCreated
		step.AttemptNumber++
		step.AvailableAttempts--
		log.WithField("stepId", step.StepID).WithField("stepType", step.StepType).
			WithField("attemptsLeft", step.AvailableAttempts).
			Warn("retrying failed step")
	}
	return exhausted, nil
}

func (r *Reconciler) handleExhaustedSteps(ctx context.Context, run *Run, exhausted []*Step) error {
	if !run.IsReverting {
		// Creating and out of attempts: abandon the apply and revert.
		if err := r.steps.SetRunStepsAsCancelled(ctx, run.RunID); err != nil {
			return err
		}
		if err := r.runs.SetReverting(ctx, run.RunID); err != nil {
			return err
		}
		log.WithField("runId", run.RunID).
			WithField("stepType", exhausted[0].StepType).
			Warn("step attempts exhausted, reverting run")
		return r.bus.Publish(ctx, &scheduler.Event{Kind: scheduler.EventReconciliation, ResourceID: run.ResourceKey})
	}
	// Reverting and out of attempts: nothing automatic is safe anymore.
	if !run.WaitingManualIntervention {
		if err := r.runs.SetWaitingManualIntervention(ctx, run.RunID, true); err != nil {
			return err
		}
		log.WithField("runId", run.RunID).
			WithField("stepType", exhausted[0].StepType).
			Error("revert step attempts exhausted, waiting for manual intervention")
	}
	return nil
}

// promoteReadySteps walks the groups in execution order and promotes the
// first group whose steps are not yet all satisfied. Later groups are never
// touched, which is what enforces group ordering.
func (r *Reconciler) promoteReadySteps(ctx context.Context, run *Run, workflow *Workflow, current map[string]*Step) (bool, error) {
	for _, group := range workflow.GroupsInOrder(run.IsReverting) {
		groupSatisfied := true
		for _, definition := range group {
			step, ok := current[definition.Type]
			if !ok {
				return false, errors.Errorf(
					"step %s of run %s is not materialized", definition.Type, run.RunID)
			}
			if !step.State.IsSatisfied() {
				groupSatisfied = false
			}
		}
		if groupSatisfied {
			continue
		}
		for _, definition := range group {
			step := current[definition.Type]
			if step.State != StepStateCreated {
				continue
			}
			if err := r.steps.SetStepAsReady(ctx, step.StepID); err != nil {
				return false, err
			}
			err := r.bus.Publish(ctx, &scheduler.Event{
				Kind:       scheduler.EventStepReady,
				ResourceID: run.ResourceKey,
				Payload:    []byte(fmt.Sprintf("%d", step.StepID)),
			})
			if err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return true, nil
}

// finalizeRun deletes a fully satisfied run. Step rows go with it, the
// user request stays: the next sweep re-probes and either converges or
// starts the follow-up workflow.
func (r *Reconciler) finalizeRun(ctx context.Context, run *Run) error {
	if err := r.runs.Delete(ctx, run.RunID); err != nil {
		return err
	}
	log.WithField("runId", run.RunID).
		WithField("resourceKey", run.ResourceKey).
		WithField("workflow", run.WorkflowName).
		WithField("reverted", run.IsReverting).
		Info("workflow run completed")
	return r.bus.Publish(ctx, &scheduler.Event{Kind: scheduler.EventReconciliation, ResourceID: run.ResourceKey})
}
