package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/maestroproject/maestro/internal/common/orcerrors"
)

// StepStatus is the state of one step within a (schedule, group, direction)
// triple.
type StepStatus string

const (
	StepStatusUnknown   StepStatus = "UNKNOWN"
	StepStatusScheduled StepStatus = "SCHEDULED"
	StepStatusCreated   StepStatus = "CREATED"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSuccess   StepStatus = "SUCCESS"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusCancelled StepStatus = "CANCELLED"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed || s == StepStatusCancelled
}

// OperationErrorType classifies why a schedule is parked.
type OperationErrorType string

const (
	// OperationErrorFramework marks a bug in the advance logic itself.
	OperationErrorFramework OperationErrorType = "FRAMEWORK_ISSUE"
	// OperationErrorStep marks a step failure the schedule cannot recover
	// from on its own.
	OperationErrorStep OperationErrorType = "STEP_ISSUE"
)

// ScheduleState holds the schedule-level fields persisted per running
// operation instance.
type ScheduleState struct {
	ScheduleID    string
	OperationName string
	GroupIndex    int
	IsCreating    bool
	ErrorType     OperationErrorType
	ErrorMessage  string
	// Serialized continuation events published on completion, may be empty.
	OnCreateCompleted []byte
	OnUndoCompleted   []byte
}

// StepRef identifies one step execution record.
type StepRef struct {
	ScheduleID    string
	OperationName string
	GroupName     string
	StepName      string
	IsCreating    bool
}

// StepState holds the per-step fields persisted per direction.
type StepState struct {
	Status                     StepStatus
	Attempts                   int
	DeferredTaskUID            string
	ErrorTraceback             string
	RequiresManualIntervention bool
	ManualAction               string
}

const (
	fieldOperationName     = "operationName"
	fieldGroupIndex        = "groupIndex"
	fieldIsCreating        = "isCreating"
	fieldErrorType         = "errorType"
	fieldErrorMessage      = "errorMessage"
	fieldOnCreateCompleted = "onCreateCompleted"
	fieldOnUndoCompleted   = "onUndoCompleted"

	fieldStatus          = "status"
	fieldAttempts        = "attempts"
	fieldDeferredTaskUID = "deferredTaskUid"
	fieldErrorTraceback  = "errorTraceback"
	fieldManualWait      = "requiresManualIntervention"
	fieldManualAction    = "manualAction"
)

// Store persists schedule, step and operation-context state in redis
// hashes. All values are opaque to the store; context entries in
// particular are stored as raw bytes.
type Store struct {
	db        redis.UniversalClient
	namespace string
}

func NewStore(db redis.UniversalClient, namespace string) *Store {
	if namespace == "" {
		namespace = "SCH"
	}
	return &Store{db: db, namespace: namespace}
}

func (s *Store) scheduleKey(scheduleID string) string {
	return s.namespace + ":" + scheduleID
}

func (s *Store) contextKey(scheduleID string) string {
	return s.scheduleKey(scheduleID) + ":CTX"
}

func (s *Store) stepKey(ref StepRef) string {
	direction := "C"
	if !ref.IsCreating {
		direction = "R"
	}
	return fmt.Sprintf("%s:STEPS:%s:%s:%s:%s",
		s.scheduleKey(ref.ScheduleID), ref.OperationName, ref.GroupName, ref.StepName, direction)
}

func (s *Store) failsKey(ref StepRef) string {
	return s.stepKey(ref) + ":FAILS"
}

func (s *Store) CreateSchedule(ctx context.Context, state *ScheduleState, initialContext OperationContext) error {
	pipe := s.db.TxPipeline()
	pipe.HSet(ctx, s.scheduleKey(state.ScheduleID), map[string]interface{}{
		fieldOperationName:     state.OperationName,
		fieldGroupIndex:        state.GroupIndex,
		fieldIsCreating:        strconv.FormatBool(state.IsCreating),
		fieldOnCreateCompleted: string(state.OnCreateCompleted),
		fieldOnUndoCompleted:   string(state.OnUndoCompleted),
	})
	if len(initialContext) > 0 {
		values := map[string]interface{}{}
		for k, v := range initialContext {
			values[k] = v
		}
		pipe.HSet(ctx, s.contextKey(state.ScheduleID), values)
	}
	_, err := pipe.Exec(ctx)
	return errors.WithStack(err)
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	fields, err := s.db.HGetAll(ctx, s.scheduleKey(scheduleID)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, &orcerrors.ErrNotFound{Type: "schedule", Value: scheduleID}
	}
	groupIndex, err := strconv.Atoi(fields[fieldGroupIndex])
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt group index for schedule %s", scheduleID)
	}
	return &ScheduleState{
		ScheduleID:        scheduleID,
		OperationName:     fields[fieldOperationName],
		GroupIndex:        groupIndex,
		IsCreating:        fields[fieldIsCreating] == "true",
		ErrorType:         OperationErrorType(fields[fieldErrorType]),
		ErrorMessage:      fields[fieldErrorMessage],
		OnCreateCompleted: []byte(fields[fieldOnCreateCompleted]),
		OnUndoCompleted:   []byte(fields[fieldOnUndoCompleted]),
	}, nil
}

func (s *Store) SetGroupIndex(ctx context.Context, scheduleID string, groupIndex int) error {
	err := s.db.HSet(ctx, s.scheduleKey(scheduleID), fieldGroupIndex, groupIndex).Err()
	return errors.WithStack(err)
}

func (s *Store) SetIsCreating(ctx context.Context, scheduleID string, isCreating bool) error {
	err := s.db.HSet(ctx, s.scheduleKey(scheduleID), fieldIsCreating, strconv.FormatBool(isCreating)).Err()
	return errors.WithStack(err)
}

func (s *Store) SetOperationError(ctx context.Context, scheduleID string, errorType OperationErrorType, message string) error {
	err := s.db.HSet(ctx, s.scheduleKey(scheduleID),
		fieldErrorType, string(errorType),
		fieldErrorMessage, message,
	).Err()
	return errors.WithStack(err)
}

func (s *Store) ClearOperationError(ctx context.Context, scheduleID string) error {
	err := s.db.HDel(ctx, s.scheduleKey(scheduleID), fieldErrorType, fieldErrorMessage).Err()
	return errors.WithStack(err)
}

// DeleteSchedule removes every key belonging to the schedule: the schedule
// hash, the operation context and all step records.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	base := s.scheduleKey(scheduleID)
	// Scan with a ":" separator so a schedule id that happens to be a
	// prefix of another id never matches the other schedule's keys.
	iter := s.db.Scan(ctx, 0, base+":*", 0).Iterator()
	keys := []string{base}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.WithStack(err)
	}
	err := s.db.Del(ctx, keys...).Err()
	return errors.WithStack(err)
}

func (s *Store) GetContext(ctx context.Context, scheduleID string) (OperationContext, error) {
	fields, err := s.db.HGetAll(ctx, s.contextKey(scheduleID)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	opCtx := OperationContext{}
	for k, v := range fields {
		opCtx[k] = []byte(v)
	}
	return opCtx, nil
}

func (s *Store) SetContextValues(ctx context.Context, scheduleID string, values OperationContext) error {
	if len(values) == 0 {
		return nil
	}
	toSet := map[string]interface{}{}
	for k, v := range values {
		toSet[k] = v
	}
	err := s.db.HSet(ctx, s.contextKey(scheduleID), toSet).Err()
	return errors.WithStack(err)
}

func (s *Store) GetStep(ctx context.Context, ref StepRef) (*StepState, error) {
	fields, err := s.db.HGetAll(ctx, s.stepKey(ref)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return stepStateFromFields(fields), nil
}

// GetGroupSteps returns the state of every named step of a group. Steps
// with no record yet are returned with status UNKNOWN.
func (s *Store) GetGroupSteps(
	ctx context.Context,
	scheduleID string,
	operationName string,
	groupName string,
	stepNames []string,
	isCreating bool,
) (map[string]*StepState, error) {
	states := map[string]*StepState{}
	for _, stepName := range stepNames {
		ref := StepRef{
			ScheduleID:    scheduleID,
			OperationName: operationName,
			GroupName:     groupName,
			StepName:      stepName,
			IsCreating:    isCreating,
		}
		state, err := s.GetStep(ctx, ref)
		if err != nil {
			return nil, err
		}
		states[stepName] = state
	}
	return states, nil
}

func (s *Store) SetStepStatus(ctx context.Context, ref StepRef, status StepStatus) error {
	err := s.db.HSet(ctx, s.stepKey(ref), fieldStatus, string(status)).Err()
	return errors.WithStack(err)
}

func (s *Store) SetStepCreated(ctx context.Context, ref StepRef, deferredTaskUID string) error {
	err := s.db.HSet(ctx, s.stepKey(ref),
		fieldStatus, string(StepStatusCreated),
		fieldDeferredTaskUID, deferredTaskUID,
	).Err()
	return errors.WithStack(err)
}

func (s *Store) SetStepFailed(ctx context.Context, ref StepRef, traceback string) error {
	err := s.db.HSet(ctx, s.stepKey(ref),
		fieldStatus, string(StepStatusFailed),
		fieldErrorTraceback, traceback,
	).Err()
	return errors.WithStack(err)
}

func (s *Store) IncrementStepAttempts(ctx context.Context, ref StepRef) error {
	err := s.db.HIncrBy(ctx, s.stepKey(ref), fieldAttempts, 1).Err()
	return errors.WithStack(err)
}

func (s *Store) SetStepRequiresManualIntervention(ctx context.Context, ref StepRef, value bool) error {
	err := s.db.HSet(ctx, s.stepKey(ref), fieldManualWait, strconv.FormatBool(value)).Err()
	return errors.WithStack(err)
}

func (s *Store) SetStepManualAction(ctx context.Context, ref StepRef, action string) error {
	err := s.db.HSet(ctx, s.stepKey(ref), fieldManualAction, action).Err()
	return errors.WithStack(err)
}

// ArchiveStepFailure snapshots the step's current record onto its failure
// archive list and deletes the record, so that the advance loop re-enters
// the step from scratch.
func (s *Store) ArchiveStepFailure(ctx context.Context, ref StepRef) error {
	fields, err := s.db.HGetAll(ctx, s.stepKey(ref)).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	snapshot, err := json.Marshal(fields)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := s.db.TxPipeline()
	pipe.RPush(ctx, s.failsKey(ref), snapshot)
	pipe.Del(ctx, s.stepKey(ref))
	_, err = pipe.Exec(ctx)
	return errors.WithStack(err)
}

// GetStepFailureArchive returns the archived failure snapshots of a step,
// oldest first.
func (s *Store) GetStepFailureArchive(ctx context.Context, ref StepRef) ([]map[string]string, error) {
	entries, err := s.db.LRange(ctx, s.failsKey(ref), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	archive := make([]map[string]string, 0, len(entries))
	for _, entry := range entries {
		fields := map[string]string{}
		if err := json.Unmarshal([]byte(entry), &fields); err != nil {
			return nil, errors.WithStack(err)
		}
		archive = append(archive, fields)
	}
	return archive, nil
}

// resetGroupScript deletes the step records of a group unless any of them
// was cancelled in the meantime, in which case nothing is deleted. The
// check and the deletes must be atomic or a cancellation landing between
// them would be wiped out.
var resetGroupScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	if redis.call('HGET', key, 'status') == 'CANCELLED' then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call('DEL', key)
end
return 1
`)

// ResetGroupStepsIfNoneCancelled removes the step records of a group so a
// repeating group can run again. It reports false, deleting nothing, if
// any step of the group is CANCELLED.
func (s *Store) ResetGroupStepsIfNoneCancelled(
	ctx context.Context,
	scheduleID string,
	operationName string,
	groupName string,
	stepNames []string,
	isCreating bool,
) (bool, error) {
	keys := make([]string, 0, len(stepNames))
	for _, stepName := range stepNames {
		keys = append(keys, s.stepKey(StepRef{
			ScheduleID:    scheduleID,
			OperationName: operationName,
			GroupName:     groupName,
			StepName:      stepName,
			IsCreating:    isCreating,
		}))
	}
	deleted, err := resetGroupScript.Run(ctx, s.db, keys).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return deleted == 1, nil
}

func stepStateFromFields(fields map[string]string) *StepState {
	if len(fields) == 0 {
		return &StepState{Status: StepStatusUnknown}
	}
	attempts, _ := strconv.Atoi(fields[fieldAttempts])
	status := StepStatus(fields[fieldStatus])
	if status == "" {
		status = StepStatusUnknown
	}
	return &StepState{
		Status:                     status,
		Attempts:                   attempts,
		DeferredTaskUID:            fields[fieldDeferredTaskUID],
		ErrorTraceback:             fields[fieldErrorTraceback],
		RequiresManualIntervention: fields[fieldManualWait] == "true",
		ManualAction:               fields[fieldManualAction],
	}
}
