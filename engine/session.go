package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// Session runs statements on one database session. A Session is not safe
// for concurrent use; Close releases the connection.
type Session struct {
	engine *Engine
	db     database.Session
	closed bool
}

func (s *Session) Engine() *Engine { return s.engine }

// DB returns the underlying database session.
func (s *Session) DB() database.Session { return s.db }

func (s *Session) Begin(ctx context.Context) error {
	if err := s.db.Begin(ctx); err != nil {
		return errs.Execution("", err)
	}
	return nil
}

func (s *Session) Commit(ctx context.Context) error {
	if err := s.db.Commit(ctx); err != nil {
		return errs.Execution("", err)
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	if err := s.db.Rollback(ctx); err != nil {
		return errs.Execution("", err)
	}
	return nil
}

func (s *Session) InTransaction() bool { return s.db.InTransaction() }

// Close rolls back an open transaction and releases the connection.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Insert runs an insert statement and returns the generated key, or nil
// when the statement has no key policy.
func (s *Session) Insert(ctx context.Context, id string, param any) (any, error) {
	key, err := s.execute(ctx, id, param, execution{
		method: MethodInsert,
		kinds:  insertKinds,
		before: func(rs *RequestScope) error { return rs.preGenerateKey() },
		run:    func(rs *RequestScope) (any, error) { return rs.insert() },
	})
	if err != nil {
		return nil, err
	}
	s.engine.flushFor(ctx, id)
	return key, nil
}

// Update runs a statement and returns the number of affected rows.
func (s *Session) Update(ctx context.Context, id string, param any) (int64, error) {
	return s.update(ctx, id, param, MethodUpdate)
}

// Delete is Update for delete statements.
func (s *Session) Delete(ctx context.Context, id string, param any) (int64, error) {
	return s.update(ctx, id, param, MethodDelete)
}

func (s *Session) update(ctx context.Context, id string, param any, method Method) (int64, error) {
	res, err := s.execute(ctx, id, param, execution{
		method: method,
		kinds:  updateKinds,
		run: func(rs *RequestScope) (any, error) {
			n, err := rs.command.ExecuteNonQuery(rs.ctx)
			if err != nil {
				return nil, errs.Execution(id, err)
			}
			return n, nil
		},
	})
	if err != nil {
		return 0, err
	}
	s.engine.flushFor(ctx, id)
	n, ok := res.(int64)
	if !ok && res != nil {
		return 0, errs.Execution(id, fmt.Errorf("update produced %T, want int64", res))
	}
	return n, nil
}

// QueryForObject returns the first row mapped onto a new result object, or
// nil when there are no rows. When result is given, the row is mapped into
// it; it must be a non-nil pointer or a map.
func (s *Session) QueryForObject(ctx context.Context, id string, param any, result ...any) (any, error) {
	var o readOpts
	if len(result) > 0 && result[0] != nil {
		rv := reflect.ValueOf(result[0])
		if !(rv.Kind() == reflect.Ptr && !rv.IsNil()) && !(rv.Kind() == reflect.Map && !rv.IsNil()) {
			return nil, errs.Precondition(id, "result object must be a non-nil pointer or map, got %T", result[0])
		}
		o.instance = rv
	} else if len(result) > 0 {
		return nil, errs.Precondition(id, "result object is nil")
	}
	return s.queryObject(ctx, id, param, o)
}

func (s *Session) queryObject(ctx context.Context, id string, param any, o readOpts) (any, error) {
	o.single = true
	res, err := s.execute(ctx, id, param, execution{
		method:    MethodObject,
		kinds:     queryKinds,
		variant:   typeName(o.out),
		cacheable: !o.instance.IsValid(),
		run: func(rs *RequestScope) (any, error) {
			rows, err := rs.readRows(o)
			if err != nil || len(rows) == 0 {
				return nil, err
			}
			return rows[0], nil
		},
	})
	return res, err
}

// QueryForList returns every mapped row.
func (s *Session) QueryForList(ctx context.Context, id string, param any) ([]any, error) {
	return s.queryList(ctx, id, param, readOpts{})
}

// QueryForPage returns at most max rows after skipping skip rows. A max of
// zero or less means no limit.
func (s *Session) QueryForPage(ctx context.Context, id string, param any, skip, max int) ([]any, error) {
	if skip < 0 {
		return nil, errs.Precondition(id, "negative skip %d", skip)
	}
	return s.queryList(ctx, id, param, readOpts{skip: skip, max: max})
}

// QueryForListInto appends the mapped rows to the slice into points at.
// Rows are mapped onto the slice's element type.
func (s *Session) QueryForListInto(ctx context.Context, id string, param any, into any) error {
	rv := reflect.ValueOf(into)
	if into == nil || rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return errs.Precondition(id, "result list must be a non-nil pointer to a slice, got %T", into)
	}
	items, err := s.queryList(ctx, id, param, readOpts{out: rv.Elem().Type().Elem()})
	if err != nil {
		return err
	}
	if err := fillSlice(rv, items); err != nil {
		return errs.Execution(id, err)
	}
	return nil
}

func (s *Session) queryList(ctx context.Context, id string, param any, o readOpts) ([]any, error) {
	res, err := s.execute(ctx, id, param, execution{
		method:    MethodList,
		kinds:     queryKinds,
		variant:   fmt.Sprintf("%s:%d:%d", typeName(o.out), o.skip, o.max),
		cacheable: true,
		run: func(rs *RequestScope) (any, error) {
			return rs.readRows(o)
		},
	})
	if err != nil {
		return nil, err
	}
	return asList(id, res)
}

// QueryWithRowDelegate calls fn for every mapped row and returns the rows
// fn kept.
func (s *Session) QueryWithRowDelegate(ctx context.Context, id string, param any, fn RowDelegate) ([]any, error) {
	if fn == nil {
		return nil, errs.Precondition(id, "row delegate is nil")
	}
	res, err := s.execute(ctx, id, param, execution{
		method: MethodRowDelegate,
		kinds:  queryKinds,
		run: func(rs *RequestScope) (any, error) {
			return rs.readRows(readOpts{delegate: fn})
		},
	})
	if err != nil {
		return nil, err
	}
	return asList(id, res)
}

// QueryForMap keys every mapped row by keyProperty. The map value is the
// row, or its valueProperty when one is given. When rows share a key, the
// last one wins.
func (s *Session) QueryForMap(ctx context.Context, id string, param any, keyProperty, valueProperty string) (map[any]any, error) {
	return s.queryMap(ctx, id, param, keyProperty, valueProperty, nil)
}

// QueryForMapWithRowDelegate is QueryForMap calling fn for every row before
// it joins the map. Rows for which fn returns ErrSkipRow are left out.
func (s *Session) QueryForMapWithRowDelegate(ctx context.Context, id string, param any, keyProperty, valueProperty string, fn MapRowDelegate) (map[any]any, error) {
	if fn == nil {
		return nil, errs.Precondition(id, "row delegate is nil")
	}
	return s.queryMap(ctx, id, param, keyProperty, valueProperty, fn)
}

func (s *Session) queryMap(ctx context.Context, id string, param any, keyProperty, valueProperty string, fn MapRowDelegate) (map[any]any, error) {
	if keyProperty == "" {
		return nil, errs.Precondition(id, "key property is required")
	}
	keyPath, err := schema.CompilePath(keyProperty)
	if err != nil {
		return nil, err
	}
	var valuePath *schema.Path
	if valueProperty != "" {
		if valuePath, err = schema.CompilePath(valueProperty); err != nil {
			return nil, err
		}
	}

	rows, err := s.queryList(ctx, id, param, readOpts{})
	if err != nil {
		return nil, err
	}

	out := make(map[any]any, len(rows))
	for _, r := range rows {
		k, v, err := entry(r, keyPath, valuePath)
		if err != nil {
			return nil, errs.Execution(id, err)
		}
		if fn != nil {
			if err := fn(k, v, param); err != nil {
				if errors.Is(err, ErrSkipRow) {
					continue
				}
				return nil, err
			}
		}
		out[k] = v
	}
	return out, nil
}

// entry extracts a map entry from a row. The key property must exist on
// every row and hold a comparable value.
func entry(row any, keyPath, valuePath *schema.Path) (any, any, error) {
	if !keyPath.Has(row) {
		return nil, nil, errs.Unresolved(keyPath.String(), fmt.Sprintf("%T", row))
	}
	k, err := keyPath.Get(row)
	if err != nil {
		return nil, nil, err
	}
	if b, ok := k.([]byte); ok {
		k = string(b)
	}
	if k != nil && !reflect.TypeOf(k).Comparable() {
		return nil, nil, fmt.Errorf("key property %q holds an unhashable %T", keyPath.String(), k)
	}
	if valuePath == nil {
		return k, row, nil
	}
	if !valuePath.Has(row) {
		return nil, nil, errs.Unresolved(valuePath.String(), fmt.Sprintf("%T", row))
	}
	v, err := valuePath.Get(row)
	return k, v, err
}

// QueryForReader executes a select and returns the raw rows. The caller
// must Close the reader.
func (s *Session) QueryForReader(ctx context.Context, id string, param any) (*Reader, error) {
	res, err := s.execute(ctx, id, param, execution{
		method: MethodReader,
		kinds:  queryKinds,
		detach: true,
		run: func(rs *RequestScope) (any, error) {
			rows, err := rs.command.ExecuteReader(rs.ctx)
			if err != nil {
				return nil, errs.Execution(id, err)
			}
			rs.rows = rows
			return &Reader{rows: rows, scope: rs}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	r, ok := res.(*Reader)
	if !ok {
		return nil, errs.Execution(id, fmt.Errorf("reader query produced %T", res))
	}
	return r, nil
}

func asList(id string, res any) ([]any, error) {
	switch v := res.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	}
	rv := reflect.ValueOf(res)
	if rv.Kind() != reflect.Slice {
		return nil, errs.Execution(id, fmt.Errorf("list query produced %T", res))
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}
