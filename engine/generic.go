package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// Querier is implemented by *Engine, which runs each call on a local
// session, and by *Session.
type Querier interface {
	withSession(ctx context.Context, fn func(*Session) error) error
}

func (e *Engine) withSession(ctx context.Context, fn func(*Session) error) error {
	_, err := local(ctx, e, func(s *Session) (struct{}, error) { return struct{}{}, fn(s) })
	return err
}

func (s *Session) withSession(_ context.Context, fn func(*Session) error) error { return fn(s) }

// QueryForObject maps the first row onto a T. Zero rows yield the zero T;
// use a pointer T to tell an absent row from a zero one.
func QueryForObject[T any](ctx context.Context, q Querier, id string, param any) (T, error) {
	var out T
	err := q.withSession(ctx, func(s *Session) error {
		res, err := s.queryObject(ctx, id, param, readOpts{out: reflect.TypeFor[T]()})
		if err != nil || res == nil {
			return err
		}
		v, ok := res.(T)
		if !ok {
			return errs.Execution(id, fmt.Errorf("query produced %T, want %s", res, reflect.TypeFor[T]()))
		}
		out = v
		return nil
	})
	return out, err
}

// QueryForList maps every row onto a T.
func QueryForList[T any](ctx context.Context, q Querier, id string, param any) ([]T, error) {
	out := []T{}
	err := q.withSession(ctx, func(s *Session) error {
		return s.QueryForListInto(ctx, id, param, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryForDictionary keys rows by keyProperty. Values are the rows mapped
// onto V, or the valueProperty of each row converted to V. The last row
// with a given key wins.
func QueryForDictionary[K comparable, V any](ctx context.Context, q Querier, id string, param any, keyProperty, valueProperty string) (map[K]V, error) {
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

	var rows []any
	err = q.withSession(ctx, func(s *Session) error {
		o := readOpts{}
		if valuePath == nil {
			o.out = reflect.TypeFor[V]()
		}
		var err error
		rows, err = s.queryList(ctx, id, param, o)
		return err
	})
	if err != nil {
		return nil, err
	}

	kt, vt := reflect.TypeFor[K](), reflect.TypeFor[V]()
	out := make(map[K]V, len(rows))
	for _, r := range rows {
		k, v, err := entry(r, keyPath, valuePath)
		if err != nil {
			return nil, errs.Execution(id, err)
		}
		kv, err := fitValue(k, kt)
		if err != nil {
			return nil, errs.Execution(id, fmt.Errorf("key %v: %w", k, err))
		}
		vv, err := fitValue(v, vt)
		if err != nil {
			return nil, errs.Execution(id, fmt.Errorf("value for key %v: %w", k, err))
		}
		out[as[K](kv)] = as[V](vv)
	}
	return out, nil
}

// as returns v as a T; nil interface values give the zero T.
func as[T any](v reflect.Value) T {
	t, _ := v.Interface().(T)
	return t
}
