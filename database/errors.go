package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// sqlstateQueryCanceled is reported by postgres when statement_timeout
// cancels a statement.
const sqlstateQueryCanceled = "57014"

// TimeoutError marks a driver error as a command or connection timeout.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Err.Error() }

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// ClassifyError wraps driver timeouts in a TimeoutError and returns every
// other error unchanged. Adapters apply it to errors of command execution.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	var pgErr *pgconn.PgError
	if pgconn.Timeout(err) || (errors.As(err, &pgErr) && pgErr.Code == sqlstateQueryCanceled) {
		return &TimeoutError{Err: err}
	}
	return err
}
