package engine

import (
	"context"

	"github.com/Konsultn-Engineering/datamapper/mapping"
)

// Method names the public operation an execution serves.
type Method string

const (
	MethodInsert      Method = "insert"
	MethodUpdate      Method = "update"
	MethodDelete      Method = "delete"
	MethodObject      Method = "object"
	MethodList        Method = "list"
	MethodMap         Method = "map"
	MethodRowDelegate Method = "rowDelegate"
	MethodReader      Method = "reader"
)

// Event describes one execution to interceptors. SQL and Args are empty in
// Before and filled in After.
type Event struct {
	Statement string
	Kind      mapping.StatementKind
	Method    Method
	Parameter any
	SQL       string
	Args      []any
	CacheHit  bool
}

// Interceptor hooks into statement execution.
//
// Before runs ahead of SQL composition. When it reports handled, execution
// stops and its result is returned as the operation's result: the generated
// key for inserts, the affected row count (int64) for updates and deletes,
// the object for single-object queries and a slice for list and map
// queries.
//
// After runs once the command completed and may replace the result.
type Interceptor struct {
	Name   string
	Before func(ctx context.Context, ev *Event) (result any, handled bool, err error)
	After  func(ctx context.Context, ev *Event, result any) (any, error)
}
