package engine

import (
	"errors"

	"github.com/Konsultn-Engineering/datamapper/database"
)

// Reader is a forward-only cursor over the raw rows of a select. Close
// releases the command, and the session too when the reader was opened by
// an Engine method.
type Reader struct {
	rows    database.Rows
	scope   *RequestScope
	session *Session
	closed  bool
}

func (r *Reader) Next() bool                 { return !r.closed && r.rows.Next() }
func (r *Reader) Scan(dest ...any) error     { return r.rows.Scan(dest...) }
func (r *Reader) Columns() ([]string, error) { return r.rows.Columns() }
func (r *Reader) Err() error                 { return r.rows.Err() }

// NextResultSet advances to the next result set when the driver supports
// batches.
func (r *Reader) NextResultSet() bool {
	m, ok := r.rows.(database.MultiRows)
	return ok && !r.closed && m.NextResultSet()
}

func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.scope.release()
	if r.session != nil {
		err = errors.Join(err, r.session.Close())
	}
	return err
}
