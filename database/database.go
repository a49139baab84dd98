// Package database defines the command and session capability the mapper
// executes statements through, with adapters for database/sql and pgx.
package database

import (
	"context"
	"errors"

	"github.com/Konsultn-Engineering/datamapper/dialect"
)

// ErrClosed is returned by a command or session used after Close.
var ErrClosed = errors.New("database: use of closed session")

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Columns() ([]string, error)
	Err() error
}

// MultiRows is implemented by readers that can advance to the next result
// set of a batch.
type MultiRows interface {
	Rows
	NextResultSet() bool
}

// Command is one database command. Parameters are bound by 1-based
// position; dbType is the declared type of the parameter and may be empty.
// A command is owned by a single goroutine.
type Command interface {
	Prepare(sql string) error
	BindParameter(index int, value any, dbType string) error
	// ExecuteScalar returns the first column of the first row, or nil when
	// the command returns no rows.
	ExecuteScalar(ctx context.Context) (any, error)
	// ExecuteNonQuery returns the number of affected rows.
	ExecuteNonQuery(ctx context.Context) (int64, error)
	ExecuteReader(ctx context.Context) (Rows, error)
	Close() error
}

// Session is a connection with an optional transaction. Commands created by
// a session run inside its transaction while one is open.
type Session interface {
	CreateCommand() (Command, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
	// Close rolls back an open transaction and releases the connection.
	Close() error
}

type SessionFactory interface {
	OpenSession(ctx context.Context) (Session, error)
	Close() error
}

// DialectProvider is implemented by factories that know the SQL dialect of
// their database.
type DialectProvider interface {
	Dialect() dialect.Dialect
}

// bindAt stores value at the 1-based index, growing args as needed.
func bindAt(args []any, index int, value any) ([]any, error) {
	if index < 1 {
		return args, errors.New("database: parameter index must be 1-based")
	}
	for len(args) < index {
		args = append(args, nil)
	}
	args[index-1] = value
	return args, nil
}
