package pscheduler

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// The schema is kept deliberately small: the interesting machinery lives
// in the conditional statements the repositories issue, not in the tables.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_requests (
		resource_key  text PRIMARY KEY,
		desired_state text NOT NULL,
		payload       bytea,
		requested_at  timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id                      text PRIMARY KEY,
		resource_key                text NOT NULL UNIQUE,
		workflow_name               text NOT NULL,
		is_reverting                boolean NOT NULL DEFAULT false,
		waiting_manual_intervention boolean NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		step_id            bigserial PRIMARY KEY,
		run_id             text NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
		step_type          text NOT NULL,
		is_reverting       boolean NOT NULL,
		state              text NOT NULL,
		attempt_number     int NOT NULL DEFAULT 0,
		available_attempts int NOT NULL,
		timeout_ms         bigint NOT NULL,
		finished_at        timestamptz,
		message            text NOT NULL DEFAULT '',
		UNIQUE (run_id, step_type, is_reverting)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_state ON steps (state)`,
	`CREATE TABLE IF NOT EXISTS step_fail_history (
		step_id     bigint NOT NULL REFERENCES steps (step_id) ON DELETE CASCADE,
		attempt     int NOT NULL,
		state       text NOT NULL,
		finished_at timestamptz,
		message     text NOT NULL DEFAULT '',
		PRIMARY KEY (step_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS step_lease (
		step_id           bigint PRIMARY KEY REFERENCES steps (step_id) ON DELETE CASCADE,
		owner             text NOT NULL,
		renew_count       int NOT NULL DEFAULT 0,
		acquired_at       timestamptz NOT NULL,
		last_heartbeat_at timestamptz NOT NULL,
		expires_at        timestamptz NOT NULL
	)`,
}

// Migrate creates the scheduler tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, migration := range migrations {
		if _, err := db.Exec(ctx, migration); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
