package engine

import (
	"context"
	"reflect"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// postSelectParam extracts the nested statement's parameter from the row:
// the key column value, or a map of named key columns.
func (rs *RequestScope) postSelectParam(lay *layout, vals []any, holder reflect.Value, ps mapping.PostSelect) (any, error) {
	id := rs.statement.desc.ID
	value := func(column string) (any, error) {
		i, ok := lay.lookup(column)
		if !ok {
			return nil, errs.Configuration(id, "post-select %q: key column %q is not in the result set", ps.Property, column)
		}
		return vals[i], nil
	}

	switch {
	case len(ps.Keys) == 1 && ps.Keys[0].Param == "":
		return value(ps.Keys[0].Column)
	case len(ps.Keys) > 0:
		param := make(map[string]any, len(ps.Keys))
		for _, k := range ps.Keys {
			v, err := value(k.Column)
			if err != nil {
				return nil, err
			}
			param[k.Param] = v
		}
		return param, nil
	}
	// iterate over a source property only
	return nil, nil
}

// runPostSelects executes the post-selects recorded while reading rows, in
// row order, on the scope's session.
func (rs *RequestScope) runPostSelects() error {
	for i := range rs.pending {
		p := &rs.pending[i]
		if err := rs.session.postSelect(rs.ctx, p); err != nil {
			return errs.PostSelect(p.assoc.Statement, err)
		}
	}
	clear(rs.pending)
	rs.pending = rs.pending[:0]
	return nil
}

func (s *Session) postSelect(ctx context.Context, p *pendingSelect) error {
	ps := p.assoc
	propType := propertyType(p.base, ps.Property)
	path, err := schema.CompilePath(ps.Property)
	if err != nil {
		return err
	}

	strategy := ps.Strategy
	if strategy == mapping.StrategyAuto {
		strategy = mapping.StrategyObject
		if propType != nil && (propType.Kind() == reflect.Slice || propType.Kind() == reflect.Array) && propType != bytesType {
			strategy = mapping.StrategyList
		}
	}

	var value any
	switch strategy {
	case mapping.StrategyObject:
		value, err = s.queryObject(ctx, ps.Statement, p.param, readOpts{out: propType})
		if err != nil {
			return err
		}

	case mapping.StrategyList:
		items, err := s.queryList(ctx, ps.Statement, p.param, readOpts{out: elemType(propType)})
		if err != nil {
			return err
		}
		if value, err = containerFor(propType, items); err != nil {
			return err
		}

	case mapping.StrategyIterate:
		source := p.param
		if ps.Source != "" {
			if source, err = schema.Get(p.target.Interface(), ps.Source); err != nil {
				return err
			}
		}
		sv := reflect.ValueOf(source)
		for sv.IsValid() && sv.Kind() == reflect.Ptr {
			sv = sv.Elem()
		}
		var items []any
		if sv.IsValid() {
			if sv.Kind() != reflect.Slice && sv.Kind() != reflect.Array {
				return errs.Unresolved(ps.Source, "not a collection: "+sv.Type().String())
			}
			for i := 0; i < sv.Len(); i++ {
				part, err := s.queryList(ctx, ps.Statement, sv.Index(i).Interface(), readOpts{out: elemType(propType)})
				if err != nil {
					return err
				}
				items = append(items, part...)
			}
		}
		if value, err = containerFor(propType, items); err != nil {
			return err
		}

	default:
		return errs.Configuration(ps.Statement, "unknown post-select strategy %s", strategy)
	}

	return path.Set(p.target.Interface(), value)
}

func elemType(t reflect.Type) reflect.Type {
	if t != nil && (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		return t.Elem()
	}
	return nil
}

// containerFor builds the property's container from items: a slice of the
// property type, or []any when the type is unknown.
func containerFor(t reflect.Type, items []any) (any, error) {
	if t == nil || t.Kind() != reflect.Slice {
		if items == nil {
			items = []any{}
		}
		return items, nil
	}
	v, err := typedSlice(t, items)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}
