package engine

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
)

// RequestScope is the state of one statement execution. It is owned by the
// goroutine running the execution and released when the execution ends,
// or when the reader it produced is closed.
type RequestScope struct {
	ctx       context.Context
	cancel    context.CancelFunc
	session   *Session
	statement *MappedStatement
	method    Method
	param     any

	sql     *dynamic.Result
	args    []any
	command database.Command
	rows    database.Rows

	// result maps of the result sets being mapped, innermost last
	maps    []*mapping.ResultMap
	pending []pendingSelect
	started time.Time
}

// pendingSelect is a post-select recorded while rows are read and run once
// the reader is closed.
type pendingSelect struct {
	target reflect.Value // row holder: struct pointer or map
	base   reflect.Type
	assoc  mapping.PostSelect
	param  any
}

var scopePool = sync.Pool{
	New: func() any { return &RequestScope{} },
}

func (s *Session) newScope(ctx context.Context, ms *MappedStatement, method Method, param any) *RequestScope {
	rs := scopePool.Get().(*RequestScope)
	rs.ctx = ctx
	rs.session = s
	rs.statement = ms
	rs.method = method
	rs.param = param
	rs.started = time.Now()
	return rs
}

func (rs *RequestScope) Statement() *MappedStatement { return rs.statement }

func (rs *RequestScope) Parameter() any { return rs.param }

// SQL returns the composed SQL and bindings, nil before composition.
func (rs *RequestScope) SQL() *dynamic.Result { return rs.sql }

// release closes the reader and command and returns the scope to the pool.
// It is safe to call more than once.
func (rs *RequestScope) release() error {
	if rs.session == nil {
		return nil
	}
	var err error
	if rs.rows != nil {
		err = rs.rows.Close()
	}
	if rs.command != nil {
		if cerr := rs.command.Close(); err == nil {
			err = cerr
		}
	}
	if rs.cancel != nil {
		rs.cancel()
	}
	clear(rs.pending)
	clear(rs.maps)
	*rs = RequestScope{pending: rs.pending[:0], maps: rs.maps[:0]}
	scopePool.Put(rs)
	return err
}

// compose renders the statement's SQL and converts bound values through
// their type handlers.
func (rs *RequestScope) compose() error {
	e := rs.session.engine
	id := rs.statement.desc.ID
	res, err := rs.statement.desc.SQL.Evaluate(rs.param, rs.statement.evalOptions(e.dialect))
	if err != nil {
		return errs.Execution(id, err)
	}
	rs.sql = res
	rs.args, err = rs.convert(res.Bindings)
	return err
}

// convert passes bound values through their type handlers.
func (rs *RequestScope) convert(bindings []dynamic.Binding) ([]any, error) {
	id := rs.statement.desc.ID
	handlers := rs.session.engine.handlers
	args := make([]any, len(bindings))
	for i, b := range bindings {
		var t reflect.Type
		if b.Value != nil {
			t = reflect.TypeOf(b.Value)
		}
		h, err := handlers.Resolve(b.Handler, t)
		if err != nil {
			return nil, errs.Execution(id, err)
		}
		v, err := h.Parameter(b.Value)
		if err != nil {
			return nil, errs.Execution(id, &errs.Error{Kind: errs.KindExecution, Path: b.Path, Err: err})
		}
		args[i] = v
	}
	return args, nil
}

// prepare creates the command and binds the composed parameters.
func (rs *RequestScope) prepare() error {
	id := rs.statement.desc.ID
	if t := rs.statement.desc.Timeout; t > 0 {
		rs.ctx, rs.cancel = context.WithTimeout(rs.ctx, t)
	}
	cmd, err := rs.session.db.CreateCommand()
	if err != nil {
		return errs.Execution(id, err)
	}
	rs.command = cmd
	if err := cmd.Prepare(rs.sql.SQL); err != nil {
		return errs.Execution(id, err)
	}
	for i, a := range rs.args {
		if err := cmd.BindParameter(i+1, a, rs.sql.Bindings[i].DbType); err != nil {
			return errs.Execution(id, err)
		}
	}
	return nil
}

func (rs *RequestScope) log(hit bool) {
	l := rs.session.engine.logger
	if !l.Enabled(rs.ctx, slog.LevelDebug) {
		return
	}
	l.LogAttrs(rs.ctx, slog.LevelDebug, "statement executed",
		slog.String("statement", rs.statement.desc.ID),
		slog.String("method", string(rs.method)),
		slog.String("sql", rs.sql.SQL),
		slog.Any("bindings", rs.args),
		slog.Bool("cache_hit", hit),
		slog.Duration("elapsed", time.Since(rs.started)),
	)
}
