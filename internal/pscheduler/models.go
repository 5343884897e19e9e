package pscheduler

import (
	"time"
)

// DesiredState is the last user-declared intention for a resource.
type DesiredState string

const (
	DesiredStatePresent DesiredState = "PRESENT"
	DesiredStateAbsent  DesiredState = "ABSENT"
)

// ServiceStatus is the observed state of a resource as reported by the
// status probe. Absence is a valid result, not an error.
type ServiceStatus string

const (
	ServiceStatusAbsent   ServiceStatus = "ABSENT"
	ServiceStatusPresent  ServiceStatus = "PRESENT"
	ServiceStatusStarting ServiceStatus = "STARTING"
	ServiceStatusStopping ServiceStatus = "STOPPING"
	ServiceStatusFailed   ServiceStatus = "FAILED"
)

// StepState is the lifecycle of one persisted step row.
type StepState string

const (
	// StepStateCreated is the initial state of a materialized step.
	StepStateCreated StepState = "CREATED"
	// StepStateReady means all predecessors are satisfied and a worker
	// may claim the step.
	StepStateReady     StepState = "READY"
	StepStateRunning   StepState = "RUNNING"
	StepStateSuccess   StepState = "SUCCESS"
	StepStateFailed    StepState = "FAILED"
	StepStateCancelled StepState = "CANCELLED"
	StepStateSkipped   StepState = "SKIPPED"
)

func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateSuccess, StepStateFailed, StepStateCancelled, StepStateSkipped:
		return true
	}
	return false
}

// IsSatisfied reports whether a dependency on a step in this state is met.
func (s StepState) IsSatisfied() bool {
	return s == StepStateSuccess || s == StepStateSkipped
}

// UserRequest records the last desired-state request for a resource,
// one row per resource, overwritten on every new request.
type UserRequest struct {
	ResourceKey  string
	DesiredState DesiredState
	// Serialized start/stop payload, opaque to the scheduler.
	Payload     []byte
	RequestedAt time.Time
}

// Run associates a resource with the workflow currently acting on it.
// At most one run exists per resource at a time.
type Run struct {
	RunID                     string
	ResourceKey               string
	WorkflowName              string
	IsReverting               bool
	WaitingManualIntervention bool
}

// Step is one persisted unit of work belonging to a run. A (run, type,
// direction) triple is unique.
type Step struct {
	StepID            int64
	RunID             string
	StepType          string
	IsReverting       bool
	State             StepState
	AttemptNumber     int
	AvailableAttempts int
	Timeout           time.Duration
	FinishedAt        *time.Time
	Message           string
}

// Lease binds one step to one worker for a bounded time window. At most
// one non-expired lease exists per step.
type Lease struct {
	StepID          int64
	Owner           string
	RenewCount      int
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
}
