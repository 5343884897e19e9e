package pscheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/common/orcerrors"
)

var psql = goqu.Dialect("postgres")

var (
	userRequestsTable = goqu.T("user_requests")
	runsTable         = goqu.T("runs")
	stepsTable        = goqu.T("steps")
)

type PostgresUserRequestRepository struct {
	db *pgxpool.Pool
}

func NewPostgresUserRequestRepository(db *pgxpool.Pool) *PostgresUserRequestRepository {
	return &PostgresUserRequestRepository{db: db}
}

func (r *PostgresUserRequestRepository) Upsert(ctx context.Context, request *UserRequest) error {
	sql, args, err := psql.Insert(userRequestsTable).
		Rows(goqu.Record{
			"resource_key":  request.ResourceKey,
			"desired_state": string(request.DesiredState),
			"payload":       request.Payload,
			"requested_at":  request.RequestedAt,
		}).
		OnConflict(goqu.DoUpdate("resource_key", goqu.Record{
			"desired_state": string(request.DesiredState),
			"payload":       request.Payload,
			"requested_at":  request.RequestedAt,
		})).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func (r *PostgresUserRequestRepository) Get(ctx context.Context, resourceKey string) (*UserRequest, error) {
	request := &UserRequest{}
	var desiredState string
	err := r.db.QueryRow(ctx,
		"SELECT resource_key, desired_state, payload, requested_at FROM user_requests WHERE resource_key = $1",
		resourceKey,
	).Scan(&request.ResourceKey, &desiredState, &request.Payload, &request.RequestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "user request", Value: resourceKey}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	request.DesiredState = DesiredState(desiredState)
	return request, nil
}

func (r *PostgresUserRequestRepository) List(ctx context.Context) ([]*UserRequest, error) {
	rows, err := r.db.Query(ctx,
		"SELECT resource_key, desired_state, payload, requested_at FROM user_requests ORDER BY resource_key")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	requests := []*UserRequest{}
	for rows.Next() {
		request := &UserRequest{}
		var desiredState string
		if err := rows.Scan(&request.ResourceKey, &desiredState, &request.Payload, &request.RequestedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		request.DesiredState = DesiredState(desiredState)
		requests = append(requests, request)
	}
	return requests, errors.WithStack(rows.Err())
}

func (r *PostgresUserRequestRepository) Delete(ctx context.Context, resourceKey string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM user_requests WHERE resource_key = $1", resourceKey)
	return errors.WithStack(err)
}

type PostgresRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRunRepository(db *pgxpool.Pool) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) Create(ctx context.Context, run *Run) error {
	sql, args, err := psql.Insert(runsTable).
		Rows(goqu.Record{
			"run_id":                      run.RunID,
			"resource_key":                run.ResourceKey,
			"workflow_name":               run.WorkflowName,
			"is_reverting":                run.IsReverting,
			"waiting_manual_intervention": run.WaitingManualIntervention,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return &orcerrors.ErrAlreadyExists{
				Type:    "run",
				Value:   run.ResourceKey,
				Message: "a run is already active for this resource",
			}
		}
		return errors.WithStack(err)
	}
	return nil
}

const runColumns = "run_id, resource_key, workflow_name, is_reverting, waiting_manual_intervention"

func scanRun(row pgx.Row) (*Run, error) {
	run := &Run{}
	err := row.Scan(&run.RunID, &run.ResourceKey, &run.WorkflowName, &run.IsReverting, &run.WaitingManualIntervention)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *PostgresRunRepository) Get(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM runs WHERE run_id = $1", runColumns), runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "run", Value: runID}
	}
	return run, errors.WithStack(err)
}

func (r *PostgresRunRepository) GetForResource(ctx context.Context, resourceKey string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM runs WHERE resource_key = $1", runColumns), resourceKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "run", Value: resourceKey}
	}
	return run, errors.WithStack(err)
}

func (r *PostgresRunRepository) SetReverting(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, "UPDATE runs SET is_reverting = true WHERE run_id = $1", runID)
	return errors.WithStack(err)
}

func (r *PostgresRunRepository) SetWaitingManualIntervention(ctx context.Context, runID string, waiting bool) error {
	_, err := r.db.Exec(ctx,
		"UPDATE runs SET waiting_manual_intervention = $2 WHERE run_id = $1", runID, waiting)
	return errors.WithStack(err)
}

func (r *PostgresRunRepository) Delete(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM runs WHERE run_id = $1", runID)
	return errors.WithStack(err)
}

type PostgresStepRepository struct {
	db *pgxpool.Pool
}

func NewPostgresStepRepository(db *pgxpool.Pool) *PostgresStepRepository {
	return &PostgresStepRepository{db: db}
}

func (r *PostgresStepRepository) Create(ctx context.Context, step *Step) error {
	sql, args, err := psql.Insert(stepsTable).
		Rows(goqu.Record{
			"run_id":             step.RunID,
			"step_type":          step.StepType,
			"is_reverting":       step.IsReverting,
			"state":              string(step.State),
			"attempt_number":     step.AttemptNumber,
			"available_attempts": step.AvailableAttempts,
			"timeout_ms":         step.Timeout.Milliseconds(),
			"message":            step.Message,
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

const stepColumns = "step_id, run_id, step_type, is_reverting, state, attempt_number, available_attempts, timeout_ms, finished_at, message"

func scanStep(row pgx.Row) (*Step, error) {
	step := &Step{}
	var state string
	var timeoutMs int64
	err := row.Scan(&step.StepID, &step.RunID, &step.StepType, &step.IsReverting, &state,
		&step.AttemptNumber, &step.AvailableAttempts, &timeoutMs, &step.FinishedAt, &step.Message)
	if err != nil {
		return nil, err
	}
	step.State = StepState(state)
	step.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return step, nil
}

func (r *PostgresStepRepository) Get(ctx context.Context, stepID int64) (*Step, error) {
	step, err := scanStep(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM steps WHERE step_id = $1", stepColumns), stepID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "step", Value: fmt.Sprintf("%d", stepID)}
	}
	return step, errors.WithStack(err)
}

func (r *PostgresStepRepository) GetAllRunTrackedSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM steps WHERE run_id = $1 ORDER BY step_id", stepColumns), runID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	steps := []*Step{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		steps = append(steps, step)
	}
	return steps, errors.WithStack(rows.Err())
}

func (r *PostgresStepRepository) SetRunStepsAsCancelled(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE steps SET state = 'CANCELLED', finished_at = now()
		WHERE run_id = $1 AND state IN ('CREATED', 'READY', 'RUNNING')`,
		runID)
	return errors.WithStack(err)
}

func (r *PostgresStepRepository) SetStepAsReady(ctx context.Context, stepID int64) error {
	_, err := r.db.Exec(ctx,
		"UPDATE steps SET state = 'READY' WHERE step_id = $1 AND state = 'CREATED'", stepID)
	return errors.WithStack(err)
}

func (r *PostgresStepRepository) RetryStep(ctx context.Context, stepID int64) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.State != StepStateFailed && step.State != StepStateCancelled {
			return &ErrStepNotRetryable{StepID: stepID, State: step.State}
		}
		if err := archiveStepFailure(ctx, tx, step); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE steps SET
				state = 'CREATED',
				attempt_number = attempt_number + 1,
				available_attempts = available_attempts - 1,
				finished_at = NULL,
				message = ''
			WHERE step_id = $1`,
			stepID)
		return errors.WithStack(err)
	})
}

func (r *PostgresStepRepository) ManualRetryStep(ctx context.Context, stepID int64, reason string) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.State != StepStateFailed && step.State != StepStateCancelled {
			return &ErrStepNotRetryable{StepID: stepID, State: step.State}
		}
		if err := archiveStepFailure(ctx, tx, step); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE steps SET
				state = 'CREATED',
				available_attempts = available_attempts + 1,
				finished_at = NULL,
				message = $2
			WHERE step_id = $1`,
			stepID, "Manual RETRY: "+reason)
		return errors.WithStack(err)
	})
}

func (r *PostgresStepRepository) ManualSkipStep(ctx context.Context, stepID int64, reason string) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.State != StepStateFailed && step.State != StepStateCancelled {
			return &ErrStepNotRetryable{StepID: stepID, State: step.State}
		}
		_, err = tx.Exec(ctx, `
			UPDATE steps SET state = 'SKIPPED', finished_at = now(), message = $2
			WHERE step_id = $1`,
			stepID, "Manual SKIP: "+reason)
		return errors.WithStack(err)
	})
}

const claimAnyStepQuery = `
	WITH candidate AS (
		SELECT step_id FROM steps
		WHERE state = 'READY'
		ORDER BY step_id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE steps SET state = 'RUNNING'
	FROM candidate
	WHERE steps.step_id = candidate.step_id
	RETURNING steps.step_id, steps.run_id, steps.step_type, steps.is_reverting, steps.state,
		steps.attempt_number, steps.available_attempts, steps.timeout_ms, steps.finished_at, steps.message`

const claimSpecificStepQuery = `
	WITH candidate AS (
		SELECT step_id FROM steps
		WHERE state = 'READY' AND step_id = $1
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE steps SET state = 'RUNNING'
	FROM candidate
	WHERE steps.step_id = candidate.step_id
	RETURNING steps.step_id, steps.run_id, steps.step_type, steps.is_reverting, steps.state,
		steps.attempt_number, steps.available_attempts, steps.timeout_ms, steps.finished_at, steps.message`

func (r *PostgresStepRepository) AcquireRunningStepForWorker(ctx context.Context, stepID *int64) (*Step, error) {
	var row pgx.Row
	if stepID != nil {
		row = r.db.QueryRow(ctx, claimSpecificStepQuery, *stepID)
	} else {
		row = r.db.QueryRow(ctx, claimAnyStepQuery)
	}
	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return step, errors.WithStack(err)
}

func (r *PostgresStepRepository) MarkStepAsSuccess(ctx context.Context, stepID int64, message string) error {
	return r.markStep(ctx, stepID, StepStateSuccess, message)
}

func (r *PostgresStepRepository) MarkStepAsFailed(ctx context.Context, stepID int64, message string) error {
	return r.markStep(ctx, stepID, StepStateFailed, message)
}

func (r *PostgresStepRepository) MarkStepAsCancelled(ctx context.Context, stepID int64, message string) error {
	return r.markStep(ctx, stepID, StepStateCancelled, message)
}

// Terminal transitions only apply to RUNNING steps, so replaying a
// completion cannot overwrite a later state.
func (r *PostgresStepRepository) markStep(ctx context.Context, stepID int64, state StepState, message string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE steps SET state = $2, finished_at = now(), message = $3
		WHERE step_id = $1 AND state = 'RUNNING'`,
		stepID, string(state), message)
	return errors.WithStack(err)
}

func lockStep(ctx context.Context, tx pgx.Tx, stepID int64) (*Step, error) {
	step, err := scanStep(tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM steps WHERE step_id = $1 FOR UPDATE", stepColumns), stepID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "step", Value: fmt.Sprintf("%d", stepID)}
	}
	return step, errors.WithStack(err)
}

func archiveStepFailure(ctx context.Context, tx pgx.Tx, step *Step) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO step_fail_history (step_id, attempt, state, finished_at, message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		step.StepID, step.AttemptNumber, string(step.State), step.FinishedAt, step.Message)
	return errors.WithStack(err)
}

type PostgresLeaseRepository struct {
	db *pgxpool.Pool
}

func NewPostgresLeaseRepository(db *pgxpool.Pool) *PostgresLeaseRepository {
	return &PostgresLeaseRepository{db: db}
}

// The acquire-or-extend is a single conditional upsert: the WHERE clause
// makes it succeed only for the current owner or once the previous lease
// expired, which is what guarantees at most one live owner per step.
const acquireOrExtendLeaseQuery = `
	INSERT INTO step_lease (step_id, owner, renew_count, acquired_at, last_heartbeat_at, expires_at)
	VALUES ($1, $2, 0, now(), now(), now() + make_interval(secs => $3))
	ON CONFLICT (step_id) DO UPDATE SET
		owner = EXCLUDED.owner,
		renew_count = CASE
			WHEN step_lease.owner = EXCLUDED.owner AND step_lease.expires_at >= now()
			THEN step_lease.renew_count + 1 ELSE 0 END,
		acquired_at = CASE
			WHEN step_lease.owner = EXCLUDED.owner AND step_lease.expires_at >= now()
			THEN step_lease.acquired_at ELSE now() END,
		last_heartbeat_at = now(),
		expires_at = greatest(step_lease.expires_at, now()) + make_interval(secs => $3)
	WHERE step_lease.owner = EXCLUDED.owner OR step_lease.expires_at < now()
	RETURNING step_id, owner, renew_count, acquired_at, last_heartbeat_at, expires_at`

func (r *PostgresLeaseRepository) AcquireOrExtend(ctx context.Context, stepID int64, owner string, duration time.Duration) (*Lease, error) {
	lease := &Lease{}
	err := r.db.QueryRow(ctx, acquireOrExtendLeaseQuery, stepID, owner, duration.Seconds()).
		Scan(&lease.StepID, &lease.Owner, &lease.RenewCount, &lease.AcquiredAt, &lease.LastHeartbeatAt, &lease.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease, nil
}

func (r *PostgresLeaseRepository) Get(ctx context.Context, stepID int64) (*Lease, error) {
	lease := &Lease{}
	err := r.db.QueryRow(ctx, `
		SELECT step_id, owner, renew_count, acquired_at, last_heartbeat_at, expires_at
		FROM step_lease WHERE step_id = $1`,
		stepID,
	).Scan(&lease.StepID, &lease.Owner, &lease.RenewCount, &lease.AcquiredAt, &lease.LastHeartbeatAt, &lease.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &orcerrors.ErrNotFound{Type: "lease", Value: fmt.Sprintf("%d", stepID)}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease, nil
}

func (r *PostgresLeaseRepository) Remove(ctx context.Context, stepID int64, owner string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM step_lease WHERE step_id = $1 AND owner = $2", stepID, owner)
	return errors.WithStack(err)
}
