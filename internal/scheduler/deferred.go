package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/common/util"
)

// InterruptReason tags why a running deferred task is being stopped.
type InterruptReason string

const (
	InterruptUserCancel InterruptReason = "user-cancel"
	InterruptLeaseLost  InterruptReason = "lease-expired"
)

// DeferredRunner executes a step's Execute/Revert as a background task
// with the step's declared retry and timeout policy, persisting every
// status transition and re-enqueuing the schedule event once the task
// reaches a terminal status.
//
// Tasks are addressed by a uid so that a cancellation request can reach
// the exact in-flight execution it targets.
type DeferredRunner struct {
	store *Store
	bus   EventBus

	mu         sync.Mutex
	interrupts map[string]chan InterruptReason
	wg         sync.WaitGroup
}

func NewDeferredRunner(store *Store, bus EventBus) *DeferredRunner {
	return &DeferredRunner{
		store:      store,
		bus:        bus,
		interrupts: map[string]chan InterruptReason{},
	}
}

// StartStep records the step as CREATED under a fresh task uid and starts
// its execution in the background. The caller is expected to have marked
// the step SCHEDULED already.
func (r *DeferredRunner) StartStep(ctx context.Context, ref StepRef, step Step) (string, error) {
	taskUID := util.NewULID()
	if err := r.store.SetStepCreated(ctx, ref, taskUID); err != nil {
		return "", err
	}
	interrupt := make(chan InterruptReason, 1)
	r.mu.Lock()
	r.interrupts[taskUID] = interrupt
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ref, step, taskUID, interrupt)
	return taskUID, nil
}

// Cancel delivers an interrupt to the task with the given uid. It reports
// whether the task was found; false means the task already finished or
// never started.
func (r *DeferredRunner) Cancel(taskUID string, reason InterruptReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	interrupt, ok := r.interrupts[taskUID]
	if !ok {
		return false
	}
	select {
	case interrupt <- reason:
	default:
		// An interrupt is already pending, one is enough.
	}
	return true
}

// Wait blocks until every in-flight task has finished. Used on shutdown
// and in tests.
func (r *DeferredRunner) Wait() {
	r.wg.Wait()
}

func (r *DeferredRunner) run(ref StepRef, step Step, taskUID string, interrupt chan InterruptReason) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.interrupts, taskUID)
		r.mu.Unlock()
	}()

	logger := log.WithField("scheduleId", ref.ScheduleID).
		WithField("step", ref.StepName).
		WithField("taskUid", taskUID)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence after this point uses a fresh context: runCtx may be
	// dead by the time the terminal status is written.
	storeCtx := context.Background()

	if err := r.store.SetStepStatus(storeCtx, ref, StepStatusRunning); err != nil {
		logger.WithError(err).Error("marking step running")
		return
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- r.runAttempts(runCtx, ref, step)
	}()

	var terminal StepStatus
	var traceback string
	select {
	case err := <-resultCh:
		if err == nil {
			terminal = StepStatusSuccess
		} else {
			terminal = StepStatusFailed
			traceback = fmt.Sprintf("%+v", err)
		}
	case reason := <-interrupt:
		cancel()
		<-resultCh
		terminal = StepStatusCancelled
		logger.WithField("reason", reason).Info("step interrupted")
	}

	if terminal == StepStatusFailed {
		if err := r.store.SetStepFailed(storeCtx, ref, traceback); err != nil {
			logger.WithError(err).Error("marking step failed")
			return
		}
	} else {
		if err := r.store.SetStepStatus(storeCtx, ref, terminal); err != nil {
			logger.WithError(err).Error("marking step terminal")
			return
		}
	}
	if terminal == StepStatusCancelled {
		if err := r.bus.Publish(storeCtx, &Event{Kind: EventStepCancelled, ScheduleID: ref.ScheduleID}); err != nil {
			logger.WithError(err).Error("publishing step-cancelled event")
		}
	}
	if err := r.bus.Publish(storeCtx, &Event{Kind: EventScheduleAdvance, ScheduleID: ref.ScheduleID}); err != nil {
		logger.WithError(err).Error("publishing schedule event")
	}
}

func (r *DeferredRunner) runAttempts(ctx context.Context, ref StepRef, step Step) error {
	retries := step.ExecuteRetries()
	timeout := step.ExecuteTimeout()
	if !ref.IsCreating {
		retries = step.RevertRetries()
		timeout = step.RevertTimeout()
	}
	return retry.Do(
		func() error {
			return r.attempt(ctx, ref, step, timeout)
		},
		retry.Attempts(uint(retries)+1),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("scheduleId", ref.ScheduleID).
				WithField("step", ref.StepName).
				WithField("attempt", n+1).
				WithError(err).
				Warn("step attempt failed, retrying")
		}),
	)
}

// attempt runs a single execution under its own deadline. A timed-out
// attempt spends one slot of the retry budget, exactly like a returned
// error; only the interrupt channel stops the task as a whole.
func (r *DeferredRunner) attempt(ctx context.Context, ref StepRef, step Step, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := r.store.IncrementStepAttempts(attemptCtx, ref); err != nil {
				return err
			}
			opCtx, err := r.store.GetContext(attemptCtx, ref.ScheduleID)
			if err != nil {
				return err
			}
			var provided OperationContext
			if ref.IsCreating {
				provided, err = step.Execute(attemptCtx, opCtx)
			} else {
				provided, err = step.Revert(attemptCtx, opCtx)
			}
			if err != nil {
				return err
			}
			return r.store.SetContextValues(attemptCtx, ref.ScheduleID, provided)
		}()
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		// The action ignored its context. Abandon it and move on to the
		// next attempt so a single stuck call cannot eat the whole budget.
		return errors.Errorf("attempt timed out after %s", timeout)
	}
}
