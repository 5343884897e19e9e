package scheduler

import (
	"fmt"
	"strings"
)

// Errors returned synchronously to callers of the scheduler API. All are
// matched with errors.As, in the manner of package orcerrors.

// ErrOperationNotCancellable indicates a cancel request against an
// operation registered as non-cancellable.
type ErrOperationNotCancellable struct {
	OperationName string
}

func (err *ErrOperationNotCancellable) Error() string {
	return fmt.Sprintf("operation %q is not cancellable", err.OperationName)
}

// ErrCannotCancelWhileManualIntervention indicates that the current group
// of the schedule has steps waiting for an operator. Cancelling would race
// the operator's retry/skip decision, so the request is rejected before
// any state is mutated.
type ErrCannotCancelWhileManualIntervention struct {
	ScheduleID string
	StepNames  []string
}

func (err *ErrCannotCancelWhileManualIntervention) Error() string {
	return fmt.Sprintf(
		"cannot cancel schedule %q: steps [%s] are waiting for manual intervention",
		err.ScheduleID, strings.Join(err.StepNames, ", "))
}

// ErrInitialContextKeyNotAllowed indicates that the initial context given
// to StartOperation contains a key one of the operation's steps would also
// produce. Allowing it would make re-runs of the step non-reproducible.
type ErrInitialContextKeyNotAllowed struct {
	OperationName string
	Key           string
	ProvidedBy    string
}

func (err *ErrInitialContextKeyNotAllowed) Error() string {
	return fmt.Sprintf(
		"initial context key %q is not allowed for operation %q: step %q provides it",
		err.Key, err.OperationName, err.ProvidedBy)
}

// ErrStepNameNotInCurrentGroup indicates a restart request for a step that
// is not part of the group the schedule is currently executing.
type ErrStepNameNotInCurrentGroup struct {
	ScheduleID string
	StepName   string
	GroupName  string
}

func (err *ErrStepNameNotInCurrentGroup) Error() string {
	return fmt.Sprintf(
		"step %q is not part of group %q currently executing for schedule %q",
		err.StepName, err.GroupName, err.ScheduleID)
}

// ErrStepNotInErrorState indicates a restart request for a step that has
// no recorded failure.
type ErrStepNotInErrorState struct {
	ScheduleID string
	StepName   string
	Status     StepStatus
}

func (err *ErrStepNotInErrorState) Error() string {
	return fmt.Sprintf(
		"step %q of schedule %q is in status %q, not in an error state",
		err.StepName, err.ScheduleID, err.Status)
}

// ErrStepNotWaitingForManualIntervention indicates a manual-intervention
// restart request for a step that is not flagged as waiting for one.
type ErrStepNotWaitingForManualIntervention struct {
	ScheduleID string
	StepName   string
}

func (err *ErrStepNotWaitingForManualIntervention) Error() string {
	return fmt.Sprintf(
		"step %q of schedule %q is not waiting for manual intervention",
		err.StepName, err.ScheduleID)
}
