package pscheduler

import (
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrLeaseHeld is returned when a lease operation is refused because
// another worker owns a non-expired lease. This is not a failure, the
// caller should move on to other work.
var ErrLeaseHeld = errors.New("lease is held by another worker")

// ErrStepNotRetryable indicates a retry request for a step that is not in
// a retryable state (FAILED or CANCELLED).
type ErrStepNotRetryable struct {
	StepID int64
	State  StepState
}

func (err *ErrStepNotRetryable) Error() string {
	return fmt.Sprintf("step %d is in state %q and cannot be retried", err.StepID, err.State)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
