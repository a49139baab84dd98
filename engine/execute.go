package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
)

var (
	// ErrTooManyRows is wrapped by the execution error a single-object query
	// returns in strict mode when more than one row comes back.
	ErrTooManyRows = errors.New("query returned more than one row")
	// ErrSkipRow, returned by a row delegate, leaves the row out of the
	// aggregate result.
	ErrSkipRow = errors.New("skip row")
)

// RowDelegate is called for each mapped row, in row order, before the row
// joins the result list.
type RowDelegate func(row any, param any) error

// MapRowDelegate is called for each mapped row of a map query with the
// row's key and value.
type MapRowDelegate func(key, value any, param any) error

var (
	queryKinds  = []mapping.StatementKind{mapping.Select, mapping.Procedure}
	insertKinds = []mapping.StatementKind{mapping.Insert, mapping.Procedure}
	updateKinds = []mapping.StatementKind{mapping.Update, mapping.Delete, mapping.Insert, mapping.Procedure}
)

// execution describes how one public operation runs through the pipeline.
type execution struct {
	method Method
	kinds  []mapping.StatementKind
	// variant separates cached results of the same statement and SQL that
	// differ in shape. Only executions with cacheable set use the cache.
	variant   string
	cacheable bool
	// before runs ahead of SQL composition (pre-generated keys).
	before func(rs *RequestScope) error
	run    func(rs *RequestScope) (any, error)
	// detach hands the scope to the result (readers); the result then
	// releases it.
	detach bool
}

// execute runs a statement: interceptors' Before, SQL composition, cache
// lookup, command execution, cache populate, interceptors' After.
func (s *Session) execute(ctx context.Context, id string, param any, x execution) (any, error) {
	if s.closed {
		return nil, errs.Precondition(id, "session is closed")
	}
	ms, err := s.engine.Statement(id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(x.kinds, ms.desc.Kind) {
		return nil, errs.Configuration(id, "a %s statement cannot serve %s", ms.desc.Kind, x.method)
	}

	ev := &Event{Statement: id, Kind: ms.desc.Kind, Method: x.method, Parameter: param}
	for _, ic := range s.engine.interceptors {
		if ic.Before == nil {
			continue
		}
		res, handled, err := ic.Before(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("interceptor %s: %w", ic.Name, err)
		}
		if handled {
			return res, nil
		}
	}

	rs := s.newScope(ctx, ms, x.method, param)
	owned := true
	defer func() {
		if owned {
			_ = rs.release()
		}
	}()

	if x.before != nil {
		if err := x.before(rs); err != nil {
			return nil, err
		}
	}
	if err := rs.compose(); err != nil {
		return nil, err
	}
	ev.SQL, ev.Args = rs.sql.SQL, rs.args

	var (
		result any
		hit    bool
		key    cache.Key
	)
	useCache := x.cacheable && ms.cache != nil
	if useCache {
		key = cache.NewKey(id, string(x.method)+":"+x.variant, rs.sql.SQL, rs.args)
		result, hit = ms.cache.Get(key)
	}
	if !hit {
		if err := rs.prepare(); err != nil {
			return nil, err
		}
		if result, err = x.run(rs); err != nil {
			return nil, err
		}
		if useCache {
			ms.cache.Put(key, result)
		}
	}
	ev.CacheHit = hit
	rs.log(hit)
	if x.detach {
		owned = false
	}

	for _, ic := range s.engine.interceptors {
		if ic.After == nil {
			continue
		}
		if result, err = ic.After(ctx, ev, result); err != nil {
			if x.detach {
				_ = rs.release()
			}
			return nil, fmt.Errorf("interceptor %s: %w", ic.Name, err)
		}
	}
	return result, nil
}

// readOpts controls how rows of a select become values.
type readOpts struct {
	out      reflect.Type  // per-row type; nil derives it from the statement
	instance reflect.Value // object queries: caller's object for the first row
	skip     int
	max      int
	single   bool
	delegate RowDelegate
}

type row struct {
	holder reflect.Value
	lay    *layout
	null   bool
}

// value is the row as produced for the caller.
func (r row) value() any {
	if r.null {
		return nil
	}
	return r.lay.finish(r.holder).Interface()
}

// readRows executes the reader and maps rows of every result set that has
// a result map. Post-selects run after the reader is closed; row delegates
// see rows after their post-selects completed.
func (rs *RequestScope) readRows(o readOpts) ([]any, error) {
	id := rs.statement.desc.ID
	engine := rs.session.engine

	rows, err := rs.command.ExecuteReader(rs.ctx)
	if err != nil {
		return nil, errs.Execution(id, err)
	}
	rs.rows = rows

	var (
		mapped []row
		out    []any
		seen   int
		stream = o.delegate != nil && !rs.statement.hasPostSelects()
		buf    *ScanBuffers
	)
	defer func() {
		if buf != nil {
			putBuffers(buf)
		}
	}()

	for set := 0; ; set++ {
		columns, err := rows.Columns()
		if err != nil {
			return nil, errs.Execution(id, err)
		}
		outType := o.out
		if outType == nil {
			outType = rs.statement.outType(set)
		}
		if o.instance.IsValid() {
			outType = o.instance.Type()
		}
		lay, err := rs.statement.layoutFor(engine, set, columns, outType)
		if err != nil {
			return nil, err
		}
		rs.maps = append(rs.maps, lay.rm)

		if buf != nil {
			putBuffers(buf)
		}
		buf = getBuffers(len(columns))

		for rows.Next() {
			if seen < o.skip {
				seen++
				continue
			}
			if o.max > 0 && len(mapped) >= o.max {
				break
			}
			if o.single && len(mapped) == 1 {
				if engine.strict {
					engine.logger.LogAttrs(rs.ctx, slog.LevelWarn, "single-row query returned more rows",
						slog.String("statement", id))
					return nil, errs.Execution(id, ErrTooManyRows)
				}
				break
			}
			seen++
			if err := rows.Scan(buf.ptrs...); err != nil {
				return nil, errs.Execution(id, err)
			}
			r, err := rs.mapRow(lay, buf.vals, o.instance, len(mapped) == 0)
			if err != nil {
				return nil, err
			}
			if stream {
				keep, err := callDelegate(o.delegate, r.value(), rs.param)
				if err != nil {
					return nil, err
				}
				if !keep {
					continue
				}
			}
			mapped = append(mapped, r)
		}
		if err := rows.Err(); err != nil {
			return nil, errs.Execution(id, err)
		}
		rs.maps = rs.maps[:len(rs.maps)-1]

		if o.single && len(mapped) > 0 {
			break
		}
		multi, ok := rows.(database.MultiRows)
		if !ok || set+1 >= len(rs.statement.desc.ResultMaps) || !multi.NextResultSet() {
			break
		}
	}

	err = rows.Close()
	rs.rows = nil
	if err != nil {
		return nil, errs.Execution(id, err)
	}

	if err := rs.runPostSelects(); err != nil {
		return nil, err
	}

	out = make([]any, 0, len(mapped))
	for _, r := range mapped {
		v := r.value()
		if o.delegate != nil && !stream {
			keep, err := callDelegate(o.delegate, v, rs.param)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func callDelegate(fn RowDelegate, v, param any) (bool, error) {
	if err := fn(v, param); err != nil {
		if errors.Is(err, ErrSkipRow) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// mapRow maps one scanned row and records its post-selects.
func (rs *RequestScope) mapRow(lay *layout, vals []any, instance reflect.Value, first bool) (row, error) {
	id := rs.statement.desc.ID
	holder := lay.newHolder()
	if first && instance.IsValid() {
		holder = instance
		if lay.shape == shapeMap && instance.Kind() == reflect.Ptr {
			if instance.Elem().IsNil() {
				instance.Elem().Set(reflect.MakeMap(lay.base))
			}
			holder = instance.Elem()
		}
	}
	if err := lay.mapRow(holder, vals); err != nil {
		return row{}, errs.Execution(id, err)
	}
	r := row{holder: holder, lay: lay, null: lay.nullScalar(vals)}

	if lay.rm == nil || len(lay.rm.PostSelects) == 0 {
		return r, nil
	}
	for _, ps := range lay.rm.PostSelects {
		param, err := rs.postSelectParam(lay, vals, holder, ps)
		if err != nil {
			return row{}, err
		}
		rs.pending = append(rs.pending, pendingSelect{target: holder, base: lay.base, assoc: ps, param: param})
	}
	return r, nil
}

func (m *MappedStatement) hasPostSelects() bool {
	for _, rm := range m.desc.ResultMaps {
		if rm != nil && len(rm.PostSelects) > 0 {
			return true
		}
	}
	return false
}
