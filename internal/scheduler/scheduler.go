package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/common/logging"
	"github.com/maestroproject/maestro/internal/common/orcerrors"
	"github.com/maestroproject/maestro/internal/common/util"
)

// Scheduler advances schedules (running operation instances) through
// their step groups. It owns schedule and step state exclusively; all
// progress is driven by schedule events delivered over the bus, so any
// process instance subscribed to the bus can pick up any schedule.
type Scheduler struct {
	registry *Registry
	store    *Store
	bus      EventBus
	runner   *DeferredRunner
	clock    util.Clock

	// Advances for the same schedule are serialized within this process,
	// so a duplicate delivery racing the original cannot start the same
	// step twice.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewScheduler(registry *Registry, store *Store, bus EventBus, runner *DeferredRunner, clock util.Clock) *Scheduler {
	return &Scheduler{
		registry: registry,
		store:    store,
		bus:      bus,
		runner:   runner,
		clock:    clock,
		locks:    map[string]*sync.Mutex{},
	}
}

func (s *Scheduler) scheduleLock(scheduleID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[scheduleID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[scheduleID] = lock
	}
	return lock
}

// Start subscribes the advance handler to the schedule event queue.
func (s *Scheduler) Start() error {
	return s.bus.Subscribe(EventScheduleAdvance, s.onScheduleEvent)
}

type startOptions struct {
	onCreateCompleted *Event
	onUndoCompleted   *Event
}

type StartOption func(*startOptions)

// WithOnCreateCompleted registers an event published when the schedule
// finishes its create path, instead of the default create-completed event.
func WithOnCreateCompleted(event *Event) StartOption {
	return func(o *startOptions) { o.onCreateCompleted = event }
}

// WithOnUndoCompleted registers an event published when the schedule
// finishes its undo path, instead of the default undo-completed event.
func WithOnUndoCompleted(event *Event) StartOption {
	return func(o *startOptions) { o.onUndoCompleted = event }
}

// StartOperation creates a new schedule for the named operation and
// enqueues its first advance. It returns as soon as the schedule is
// persisted; the event loop does the rest.
func (s *Scheduler) StartOperation(
	ctx context.Context,
	operationName string,
	initialContext OperationContext,
	opts ...StartOption,
) (string, error) {
	operation, err := s.registry.Get(operationName)
	if err != nil {
		return "", err
	}
	for _, required := range operation.InitialContextRequiredKeys {
		if _, ok := initialContext[required]; !ok {
			return "", &orcerrors.ErrInvalidArgument{
				Name:    "initialContext",
				Value:   required,
				Message: fmt.Sprintf("operation %q requires initial context key %q", operationName, required),
			}
		}
	}
	provided := operation.ProvidedContextKeys()
	for key := range initialContext {
		if providedBy, ok := provided[key]; ok {
			return "", &ErrInitialContextKeyNotAllowed{
				OperationName: operationName,
				Key:           key,
				ProvidedBy:    providedBy,
			}
		}
	}

	options := &startOptions{}
	for _, opt := range opts {
		opt(options)
	}
	state := &ScheduleState{
		ScheduleID:    util.NewULID(),
		OperationName: operationName,
		GroupIndex:    0,
		IsCreating:    true,
	}
	if options.onCreateCompleted != nil {
		if state.OnCreateCompleted, err = json.Marshal(options.onCreateCompleted); err != nil {
			return "", errors.WithStack(err)
		}
	}
	if options.onUndoCompleted != nil {
		if state.OnUndoCompleted, err = json.Marshal(options.onUndoCompleted); err != nil {
			return "", errors.WithStack(err)
		}
	}
	if err := s.store.CreateSchedule(ctx, state, initialContext); err != nil {
		return "", err
	}
	if err := s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: state.ScheduleID}); err != nil {
		return "", err
	}
	log.WithField("scheduleId", state.ScheduleID).
		WithField("operation", operationName).
		Info("operation started")
	return state.ScheduleID, nil
}

// GetSchedule exposes the persisted schedule state, used by operators to
// find schedules parked in manual-intervention or framework-error state.
func (s *Scheduler) GetSchedule(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	return s.store.GetSchedule(ctx, scheduleID)
}

// CancelOperation switches a creating schedule onto its undo path by
// cancelling every non-terminal step of the current group. Cancelling a
// schedule that is already undoing is a no-op.
func (s *Scheduler) CancelOperation(ctx context.Context, scheduleID string) error {
	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !schedule.IsCreating {
		log.WithField("scheduleId", scheduleID).Info("schedule is already undoing, nothing to cancel")
		return nil
	}
	operation, err := s.registry.Get(schedule.OperationName)
	if err != nil {
		return err
	}
	if !operation.Cancellable {
		return &ErrOperationNotCancellable{OperationName: schedule.OperationName}
	}
	group := operation.Groups[schedule.GroupIndex]
	groupName := group.Name(schedule.GroupIndex)
	states, err := s.groupStates(ctx, schedule, group, groupName)
	if err != nil {
		return err
	}

	waiting := []string{}
	for name, state := range states {
		if state.RequiresManualIntervention {
			waiting = append(waiting, name)
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		return &ErrCannotCancelWhileManualIntervention{ScheduleID: scheduleID, StepNames: waiting}
	}

	for name, state := range states {
		// Steps of a repeating group are cancelled even when terminal:
		// their terminal status is transient, the group restarts.
		if state.Status.IsTerminal() && !group.Repeats() {
			continue
		}
		if state.DeferredTaskUID != "" && s.runner.Cancel(state.DeferredTaskUID, InterruptUserCancel) {
			// The runner persists CANCELLED and re-enqueues the event.
			continue
		}
		ref := s.stepRef(schedule, groupName, name)
		if err := s.store.SetStepStatus(ctx, ref, StepStatusCancelled); err != nil {
			return err
		}
	}
	return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: scheduleID})
}

// RestartOperationStepStuckInError re-enters a failed step of the current
// group, archiving its failure record first. Sibling steps are untouched.
func (s *Scheduler) RestartOperationStepStuckInError(ctx context.Context, scheduleID string, stepName string) error {
	return s.restartStep(ctx, scheduleID, stepName, false)
}

// RestartOperationStepStuckInManualIntervention is the operator "retry"
// action for a step parked waiting for manual intervention.
func (s *Scheduler) RestartOperationStepStuckInManualIntervention(ctx context.Context, scheduleID string, stepName string) error {
	return s.restartStep(ctx, scheduleID, stepName, true)
}

func (s *Scheduler) restartStep(ctx context.Context, scheduleID string, stepName string, inManualIntervention bool) error {
	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	operation, err := s.registry.Get(schedule.OperationName)
	if err != nil {
		return err
	}
	group := operation.Groups[schedule.GroupIndex]
	groupName := group.Name(schedule.GroupIndex)
	if _, ok := group.StepByName(stepName); !ok {
		return &ErrStepNameNotInCurrentGroup{
			ScheduleID: scheduleID,
			StepName:   stepName,
			GroupName:  groupName,
		}
	}
	ref := s.stepRef(schedule, groupName, stepName)
	state, err := s.store.GetStep(ctx, ref)
	if err != nil {
		return err
	}
	if state.Status != StepStatusFailed {
		return &ErrStepNotInErrorState{ScheduleID: scheduleID, StepName: stepName, Status: state.Status}
	}
	if inManualIntervention && !state.RequiresManualIntervention {
		return &ErrStepNotWaitingForManualIntervention{ScheduleID: scheduleID, StepName: stepName}
	}
	if err := s.store.SetStepManualAction(ctx, ref, "retry"); err != nil {
		return err
	}
	if err := s.store.ArchiveStepFailure(ctx, ref); err != nil {
		return err
	}
	if err := s.store.ClearOperationError(ctx, scheduleID); err != nil {
		return err
	}
	return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: scheduleID})
}

// onScheduleEvent is the bus handler advancing one schedule. It must be
// idempotent under at-least-once delivery. Failures of the advance logic
// itself are a framework bug: they are recorded on the schedule and never
// returned to the bus, so the message is not redelivered forever.
func (s *Scheduler) onScheduleEvent(ctx context.Context, event *Event) error {
	logger := log.WithField("scheduleId", event.ScheduleID)
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("panic while advancing schedule: %v", p)
			s.reportFrameworkIssue(event.ScheduleID, fmt.Sprintf("panic while advancing schedule: %v", p))
		}
	}()
	lock := s.scheduleLock(event.ScheduleID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.advance(ctx, event.ScheduleID); err != nil {
		var notFound *orcerrors.ErrNotFound
		if errors.As(err, &notFound) {
			// Duplicate delivery after cleanup.
			logger.Debug("schedule no longer exists, dropping event")
			return nil
		}
		logging.WithStacktrace(logger, err).Error("advancing schedule failed")
		s.reportFrameworkIssue(event.ScheduleID, err.Error())
	}
	return nil
}

func (s *Scheduler) advance(ctx context.Context, scheduleID string) error {
	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	logger := log.WithField("scheduleId", scheduleID).WithField("operation", schedule.OperationName)
	if schedule.ErrorType != "" {
		logger.WithField("errorType", schedule.ErrorType).Info("schedule is parked, not advancing")
		return nil
	}
	operation, err := s.registry.Get(schedule.OperationName)
	if err != nil {
		return err
	}
	if schedule.GroupIndex < 0 || schedule.GroupIndex >= len(operation.Groups) {
		return errors.Errorf("group index %d out of range for operation %q with %d groups",
			schedule.GroupIndex, schedule.OperationName, len(operation.Groups))
	}
	group := operation.Groups[schedule.GroupIndex]
	groupName := group.Name(schedule.GroupIndex)
	states, err := s.groupStates(ctx, schedule, group, groupName)
	if err != nil {
		return err
	}

	// Start any step of the group that has no execution record yet, then
	// wait for completion events.
	started := false
	for _, step := range group.Steps() {
		if states[step.Name()].Status != StepStatusUnknown {
			continue
		}
		ref := s.stepRef(schedule, groupName, step.Name())
		if err := s.store.SetStepStatus(ctx, ref, StepStatusScheduled); err != nil {
			return err
		}
		if _, err := s.runner.StartStep(ctx, ref, step); err != nil {
			return err
		}
		started = true
	}
	if started {
		return nil
	}
	for _, state := range states {
		if !state.Status.IsTerminal() {
			return nil
		}
	}

	allSuccess := true
	anyFailed := false
	anyCancelled := false
	manualSteps := []string{}
	for _, step := range group.Steps() {
		state := states[step.Name()]
		if state.Status != StepStatusSuccess {
			allSuccess = false
		}
		if state.Status == StepStatusFailed {
			anyFailed = true
			if schedule.IsCreating && step.WaitForManualIntervention() {
				manualSteps = append(manualSteps, step.Name())
			}
		}
		if state.Status == StepStatusCancelled {
			anyCancelled = true
		}
	}

	switch {
	case group.Repeats() && schedule.IsCreating:
		return s.advanceRepeating(ctx, schedule, group, groupName, anyFailed, anyCancelled)
	case schedule.IsCreating:
		return s.advanceCreating(ctx, schedule, operation, allSuccess, manualSteps)
	default:
		return s.advanceUndoing(ctx, schedule, allSuccess, anyFailed)
	}
}

func (s *Scheduler) advanceRepeating(
	ctx context.Context,
	schedule *ScheduleState,
	group *StepGroup,
	groupName string,
	anyFailed bool,
	anyCancelled bool,
) error {
	if anyFailed || anyCancelled {
		if err := s.store.SetIsCreating(ctx, schedule.ScheduleID, false); err != nil {
			return err
		}
		return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: schedule.ScheduleID})
	}
	s.clock.Sleep(group.WaitBeforeRepeat())
	stepNames := make([]string, 0, len(group.Steps()))
	for _, step := range group.Steps() {
		stepNames = append(stepNames, step.Name())
	}
	// A cancel may have landed during the wait; the reset checks for it
	// atomically and refuses to wipe a cancelled group.
	reset, err := s.store.ResetGroupStepsIfNoneCancelled(ctx,
		schedule.ScheduleID, schedule.OperationName, groupName, stepNames, schedule.IsCreating)
	if err != nil {
		return err
	}
	if !reset {
		if err := s.store.SetIsCreating(ctx, schedule.ScheduleID, false); err != nil {
			return err
		}
	}
	return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: schedule.ScheduleID})
}

func (s *Scheduler) advanceCreating(
	ctx context.Context,
	schedule *ScheduleState,
	operation *Operation,
	allSuccess bool,
	manualSteps []string,
) error {
	if allSuccess {
		if schedule.GroupIndex == len(operation.Groups)-1 {
			return s.complete(ctx, schedule, true)
		}
		if err := s.store.SetGroupIndex(ctx, schedule.ScheduleID, schedule.GroupIndex+1); err != nil {
			return err
		}
		return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: schedule.ScheduleID})
	}
	if len(manualSteps) > 0 {
		sort.Strings(manualSteps)
		groupName := operation.Groups[schedule.GroupIndex].Name(schedule.GroupIndex)
		for _, stepName := range manualSteps {
			ref := s.stepRef(schedule, groupName, stepName)
			if err := s.store.SetStepRequiresManualIntervention(ctx, ref, true); err != nil {
				return err
			}
		}
		message := fmt.Sprintf("steps [%s] are waiting for manual intervention", strings.Join(manualSteps, ", "))
		log.WithField("scheduleId", schedule.ScheduleID).Warn(message)
		return s.store.SetOperationError(ctx, schedule.ScheduleID, OperationErrorStep, message)
	}
	// A failed or cancelled step with no manual intervention: undo.
	if err := s.store.SetIsCreating(ctx, schedule.ScheduleID, false); err != nil {
		return err
	}
	return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: schedule.ScheduleID})
}

func (s *Scheduler) advanceUndoing(
	ctx context.Context,
	schedule *ScheduleState,
	allSuccess bool,
	anyFailed bool,
) error {
	if allSuccess {
		if schedule.GroupIndex == 0 {
			return s.complete(ctx, schedule, false)
		}
		if err := s.store.SetGroupIndex(ctx, schedule.ScheduleID, schedule.GroupIndex-1); err != nil {
			return err
		}
		return s.bus.Publish(ctx, &Event{Kind: EventScheduleAdvance, ScheduleID: schedule.ScheduleID})
	}
	// Undo must not fail. Park the schedule for an operator instead of
	// retrying a revert that already exhausted its attempts.
	if anyFailed {
		message := fmt.Sprintf("step failed while undoing group %d", schedule.GroupIndex)
		log.WithField("scheduleId", schedule.ScheduleID).Error(message)
		return s.store.SetOperationError(ctx, schedule.ScheduleID, OperationErrorStep, message)
	}
	message := fmt.Sprintf("step cancelled while undoing group %d, this should not happen", schedule.GroupIndex)
	log.WithField("scheduleId", schedule.ScheduleID).Error(message)
	return s.store.SetOperationError(ctx, schedule.ScheduleID, OperationErrorFramework, message)
}

func (s *Scheduler) complete(ctx context.Context, schedule *ScheduleState, created bool) error {
	completion := &Event{Kind: EventUndoCompleted, ScheduleID: schedule.ScheduleID}
	serialized := schedule.OnUndoCompleted
	if created {
		completion = &Event{Kind: EventCreateCompleted, ScheduleID: schedule.ScheduleID}
		serialized = schedule.OnCreateCompleted
	}
	if len(serialized) > 0 {
		if err := json.Unmarshal(serialized, completion); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := s.store.DeleteSchedule(ctx, schedule.ScheduleID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, schedule.ScheduleID)
	s.mu.Unlock()
	log.WithField("scheduleId", schedule.ScheduleID).
		WithField("operation", schedule.OperationName).
		WithField("created", created).
		Info("operation completed")
	return s.bus.Publish(ctx, completion)
}

func (s *Scheduler) reportFrameworkIssue(scheduleID string, message string) {
	// Uses a fresh context: the handler context may already be cancelled.
	err := s.store.SetOperationError(context.Background(), scheduleID, OperationErrorFramework, message)
	if err != nil {
		log.WithError(err).WithField("scheduleId", scheduleID).Error("recording framework issue")
	}
}

func (s *Scheduler) stepRef(schedule *ScheduleState, groupName string, stepName string) StepRef {
	return StepRef{
		ScheduleID:    schedule.ScheduleID,
		OperationName: schedule.OperationName,
		GroupName:     groupName,
		StepName:      stepName,
		IsCreating:    schedule.IsCreating,
	}
}

func (s *Scheduler) groupStates(
	ctx context.Context,
	schedule *ScheduleState,
	group *StepGroup,
	groupName string,
) (map[string]*StepState, error) {
	stepNames := make([]string, 0, len(group.Steps()))
	for _, step := range group.Steps() {
		stepNames = append(stepNames, step.Name())
	}
	return s.store.GetGroupSteps(ctx,
		schedule.ScheduleID, schedule.OperationName, groupName, stepNames, schedule.IsCreating)
}
