package pscheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maestroproject/maestro/internal/common/logging"
	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/configuration"
	"github.com/maestroproject/maestro/internal/scheduler"
)

var (
	workerClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_worker_step_claims_total",
		Help: "Number of steps claimed by workers.",
	})
	workerSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_worker_step_successes_total",
		Help: "Number of steps completed successfully.",
	})
	workerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_worker_step_failures_total",
		Help: "Number of steps that failed or timed out.",
	})
	workerLeaseLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_worker_lease_losses_total",
		Help: "Number of step executions interrupted by a lost lease.",
	})
)

// WorkerPool claims READY steps, executes their handlers and persists
// exactly one terminal state per execution. Exclusivity comes from two
// layers: the atomic READY to RUNNING claim, and a heartbeat lease that
// detects this worker dying or being partitioned away mid-execution.
type WorkerPool struct {
	steps    StepRepository
	leases   LeaseRepository
	runs     RunRepository
	requests UserRequestRepository
	registry *WorkflowRegistry
	bus      scheduler.EventBus
	config   configuration.WorkerConfig
	clock    util.Clock
}

func NewWorkerPool(
	steps StepRepository,
	leases LeaseRepository,
	runs RunRepository,
	requests UserRequestRepository,
	registry *WorkflowRegistry,
	bus scheduler.EventBus,
	config configuration.WorkerConfig,
	clock util.Clock,
) *WorkerPool {
	return &WorkerPool{
		steps:    steps,
		leases:   leases,
		runs:     runs,
		requests: requests,
		registry: registry,
		bus:      bus,
		config:   config,
		clock:    clock,
	}
}

// Start subscribes the pool to step-ready events for low-latency pickup.
// The polling workers remain the safety net: a lost or duplicated event
// changes latency, never correctness.
func (p *WorkerPool) Start() error {
	return p.bus.Subscribe(scheduler.EventStepReady, func(ctx context.Context, event *scheduler.Event) error {
		stepID, err := strconv.ParseInt(string(event.Payload), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "malformed step-ready payload %q", event.Payload)
		}
		workerID := uuid.NewString()
		step, err := p.steps.AcquireRunningStepForWorker(ctx, &stepID)
		if err != nil {
			return err
		}
		if step == nil {
			// Someone else claimed it first.
			return nil
		}
		workerClaims.Inc()
		p.executeStep(ctx, workerID, step)
		return nil
	})
}

// Run starts the polling workers and blocks until the context is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Count; i++ {
		g.Go(func() error {
			return p.runWorker(ctx, uuid.NewString())
		})
	}
	return g.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) error {
	workerLog := log.WithField("workerId", workerID)
	workerLog.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			workerLog.Info("worker stopped")
			return nil
		default:
		}
		step, err := p.steps.AcquireRunningStepForWorker(ctx, nil)
		if err != nil {
			logging.WithStacktrace(workerLog, err).Error("failed to claim a step")
			p.clock.Sleep(p.config.PollInterval)
			continue
		}
		if step == nil {
			p.clock.Sleep(p.config.PollInterval)
			continue
		}
		workerClaims.Inc()
		p.executeStep(ctx, workerID, step)
	}
}

// executeStep runs one claimed step to a terminal state. The handler runs
// in its own goroutine; a sibling goroutine heartbeats the lease and
// interrupts the execution if a renewal is refused.
func (p *WorkerPool) executeStep(ctx context.Context, workerID string, step *Step) {
	stepLog := log.WithField("workerId", workerID).
		WithField("stepId", step.StepID).
		WithField("stepType", step.StepType)

	if _, err := p.leases.AcquireOrExtend(ctx, step.StepID, workerID, p.config.LeaseDuration); err != nil {
		// A stale lease from a dead worker has not expired yet. Leave the
		// step alone, the reconciler recovers it once the lease runs out.
		logging.WithStacktrace(stepLog, err).Warn("could not lease claimed step")
		return
	}

	handler, resourceKey, payload, err := p.resolveHandler(ctx, step)
	if err != nil {
		logging.WithStacktrace(stepLog, err).Error("step is not executable")
		p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
			return p.steps.MarkStepAsFailed(storeCtx, step.StepID, err.Error())
		})
		p.removeLease(step.StepID, workerID)
		workerFailures.Inc()
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(runCtx, resourceKey, payload)
	}()

	interrupt := make(chan struct{}, 1)
	stopHeartbeat := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		p.heartbeat(step.StepID, workerID, stepLog, interrupt, stopHeartbeat)
	}()
	// The heartbeat must be stopped and joined before the lease is removed,
	// or a late renewal would recreate the lease row we just deleted.
	joinHeartbeat := func() {
		close(stopHeartbeat)
		<-heartbeatStopped
	}

	select {
	case err := <-done:
		joinHeartbeat()
		switch {
		case err == nil:
			workerSuccesses.Inc()
			p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
				return p.steps.MarkStepAsSuccess(storeCtx, step.StepID, "")
			})
		case runCtx.Err() != nil:
			workerFailures.Inc()
			p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
				return p.steps.MarkStepAsCancelled(storeCtx, step.StepID,
					fmt.Sprintf("execution timed out after %s", step.Timeout))
			})
		default:
			workerFailures.Inc()
			stepLog.WithError(err).Warn("step execution failed")
			p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
				return p.steps.MarkStepAsFailed(storeCtx, step.StepID, err.Error())
			})
		}
		p.removeLease(step.StepID, workerID)
	case <-runCtx.Done():
		// The handler ignored its context past the deadline. Abandon it,
		// the terminal state must still be written within the lease window.
		joinHeartbeat()
		workerFailures.Inc()
		stepLog.Warn("step handler did not return by its deadline")
		p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
			return p.steps.MarkStepAsCancelled(storeCtx, step.StepID,
				fmt.Sprintf("execution timed out after %s", step.Timeout))
		})
		p.removeLease(step.StepID, workerID)
	case <-interrupt:
		// The lease is gone, another worker may own the step soon. Stop the
		// handler and record the cancellation, but do not touch the lease row.
		joinHeartbeat()
		workerLeaseLosses.Inc()
		cancel()
		<-done
		stepLog.Warn("lease lost during execution, cancelling step")
		p.finishStep(stepLog, step, resourceKey, func(storeCtx context.Context) error {
			return p.steps.MarkStepAsCancelled(storeCtx, step.StepID, "worker lease lost")
		})
	}
}

func (p *WorkerPool) resolveHandler(ctx context.Context, step *Step) (StepHandler, string, []byte, error) {
	run, err := p.runs.Get(ctx, step.RunID)
	if err != nil {
		return nil, "", nil, err
	}
	request, err := p.requests.Get(ctx, run.ResourceKey)
	if err != nil {
		return nil, run.ResourceKey, nil, err
	}
	definition, err := p.registry.GetStep(run.WorkflowName, step.StepType)
	if err != nil {
		return nil, run.ResourceKey, nil, err
	}
	if step.IsReverting {
		return definition.Revert, run.ResourceKey, request.Payload, nil
	}
	return definition.Apply, run.ResourceKey, request.Payload, nil
}

// heartbeat renews the lease until told to stop. A refused or failed
// renewal interrupts the execution exactly once.
func (p *WorkerPool) heartbeat(stepID int64, workerID string, stepLog *log.Entry, interrupt chan<- struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.HeartbeatInterval)
			_, err := p.leases.AcquireOrExtend(ctx, stepID, workerID, p.config.LeaseDuration)
			cancel()
			if err != nil {
				stepLog.WithError(err).Warn("lease renewal failed")
				select {
				case interrupt <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// finishStep persists a terminal transition and wakes the reconciler. The
// write uses a fresh context so that shutdown cannot drop a result for
// work that was actually performed.
func (p *WorkerPool) finishStep(stepLog *log.Entry, step *Step, resourceKey string, write func(context.Context) error) {
	storeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := write(storeCtx); err != nil {
		logging.WithStacktrace(stepLog, err).Error("failed to persist step result")
		return
	}
	if resourceKey == "" {
		return
	}
	err := p.bus.Publish(storeCtx, &scheduler.Event{
		Kind:       scheduler.EventReconciliation,
		ResourceID: resourceKey,
	})
	if err != nil {
		logging.WithStacktrace(stepLog, err).Error("failed to publish reconciliation event")
	}
}

func (p *WorkerPool) removeLease(stepID int64, workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.leases.Remove(ctx, stepID, workerID); err != nil {
		log.WithError(err).WithField("stepId", stepID).Warn("failed to remove lease")
	}
}
