package engine

import (
	"fmt"
	"reflect"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/Konsultn-Engineering/datamapper/schema"
	"github.com/Konsultn-Engineering/datamapper/typehandler"
)

type shape uint8

const (
	shapeStruct shape = iota
	shapeMap
	shapeScalar
)

// binding maps one result column onto one property.
type binding struct {
	column  int
	name    string
	path    *schema.Path // nil: map key set directly
	typ     reflect.Type // property type, when known
	handler typehandler.Handler
	null    any
	hasNull bool
}

// layout is the column to property plan for one result set and output type.
type layout struct {
	columns  []string
	shape    shape
	out      reflect.Type // value produced per row
	base     reflect.Type // struct, map or scalar type behind out
	bindings []binding
	byName   map[string]int // column name and folded name -> index
	rm       *mapping.ResultMap
}

func buildLayout(e *Engine, statement string, rm *mapping.ResultMap, columns []string, out reflect.Type) (*layout, error) {
	l := &layout{
		columns: columns,
		out:     out,
		base:    derefType(out),
		byName:  make(map[string]int, 2*len(columns)),
		rm:      rm,
	}
	for i, c := range columns {
		if _, ok := l.byName[c]; !ok {
			l.byName[c] = i
		}
		if f := schema.FoldName(c); f != c {
			if _, ok := l.byName[f]; !ok {
				l.byName[f] = i
			}
		}
	}

	switch {
	case l.base.Kind() == reflect.Interface:
		l.base, l.out = anyMapType, anyMapType
		l.shape = shapeMap
	case isStructType(l.base):
		l.shape = shapeStruct
	case l.base.Kind() == reflect.Map:
		if k := l.base.Key().Kind(); k != reflect.String && k != reflect.Interface {
			return nil, errs.Configuration(statement, "result map type %s needs string keys", l.base)
		}
		l.shape = shapeMap
	default:
		l.shape = shapeScalar
	}

	claimed := make([]bool, len(columns))
	if rm != nil {
		for _, p := range rm.Properties {
			idx, ok := l.column(p)
			if !ok {
				return nil, errs.Configuration(statement, "result map %q: column %s for property %q is not in the result set",
					rm.ID, columnLabel(p), p.Property)
			}
			b, err := l.propertyBinding(e, idx, p.Property, p.Type, p.TypeHandler)
			if err != nil {
				return nil, errs.Execution(statement, err)
			}
			if p.NullValue != nil {
				b.null, b.hasNull = p.NullValue, true
			}
			l.bindings = append(l.bindings, b)
			claimed[idx] = true
			if l.shape == shapeScalar {
				break
			}
		}
	}

	if l.shape == shapeScalar {
		if len(l.bindings) == 0 {
			if len(columns) == 0 {
				return nil, errs.Configuration(statement, "scalar result without columns")
			}
			h := e.handlers.ForType(l.base)
			l.bindings = append(l.bindings, binding{column: 0, name: columns[0], typ: l.base, handler: h})
		}
		return l, nil
	}

	if rm == nil || rm.AutoMap {
		if err := l.autoMap(e, claimed); err != nil {
			return nil, errs.Execution(statement, err)
		}
	}
	return l, nil
}

func columnLabel(p mapping.ResultProperty) string {
	if p.Column != "" {
		return fmt.Sprintf("%q", p.Column)
	}
	return fmt.Sprintf("#%d", p.ColumnIndex)
}

func (l *layout) column(p mapping.ResultProperty) (int, bool) {
	if p.Column == "" {
		i := p.ColumnIndex - 1
		return i, i >= 0 && i < len(l.columns)
	}
	return l.lookup(p.Column)
}

func (l *layout) lookup(name string) (int, bool) {
	if i, ok := l.byName[name]; ok {
		return i, true
	}
	i, ok := l.byName[schema.FoldName(name)]
	return i, ok
}

func (l *layout) propertyBinding(e *Engine, idx int, property string, typ reflect.Type, handler string) (binding, error) {
	b := binding{column: idx, name: l.columns[idx], typ: typ}
	if b.typ == nil {
		b.typ = propertyType(l.base, property)
	}
	if l.shape == shapeMap && b.typ == nil && l.base.Elem().Kind() != reflect.Interface {
		b.typ = l.base.Elem()
	}
	if l.shape == shapeScalar {
		b.typ = l.base
	} else {
		p, err := schema.CompilePath(property)
		if err != nil {
			return b, err
		}
		b.path = p
	}
	h, err := e.handlers.Resolve(handler, b.typ)
	if err != nil {
		return b, err
	}
	b.handler = h
	return b, nil
}

// autoMap binds unclaimed columns to same-named properties. Columns without
// a matching struct field are ignored.
func (l *layout) autoMap(e *Engine, claimed []bool) error {
	var meta *schema.EntityMeta
	if l.shape == shapeStruct {
		var err error
		if meta, err = schema.Introspect(l.base); err != nil {
			return err
		}
	}
	for i, c := range l.columns {
		if claimed[i] {
			continue
		}
		switch l.shape {
		case shapeStruct:
			f, ok := meta.Lookup(c)
			if !ok {
				continue
			}
			handler := ""
			if f.Tag != nil {
				handler = f.Tag.Handler
			}
			b, err := l.propertyBinding(e, i, f.Name, f.Type, handler)
			if err != nil {
				return err
			}
			l.bindings = append(l.bindings, b)
		case shapeMap:
			b := binding{column: i, name: c}
			if l.base.Elem().Kind() != reflect.Interface {
				b.typ = l.base.Elem()
			}
			b.handler = e.handlers.ForType(b.typ)
			l.bindings = append(l.bindings, b)
		}
	}
	return nil
}

// newHolder allocates the object a row is mapped into: a pointer for
// structs, the map itself for maps, a pointer to the value for scalars.
func (l *layout) newHolder() reflect.Value {
	if l.shape == shapeMap {
		return reflect.MakeMap(l.base)
	}
	return reflect.New(l.base)
}

// finish converts a holder into the value produced for the row.
func (l *layout) finish(holder reflect.Value) reflect.Value {
	switch {
	case l.shape == shapeMap:
		if l.out.Kind() == reflect.Ptr {
			p := reflect.New(l.base)
			p.Elem().Set(holder)
			return p
		}
		return holder
	case l.out.Kind() == reflect.Ptr:
		return holder
	}
	return holder.Elem()
}

// mapRow maps scanned values into holder.
func (l *layout) mapRow(holder reflect.Value, vals []any) error {
	for i := range l.bindings {
		b := &l.bindings[i]
		v, err := b.value(vals[b.column])
		if err != nil {
			return err
		}
		switch {
		case l.shape == shapeScalar:
			rv, err := fitValue(v, l.base)
			if err != nil {
				return fmt.Errorf("column %q: %w", b.name, err)
			}
			holder.Elem().Set(rv)
		case b.path != nil:
			if err := b.path.Set(holder.Interface(), v); err != nil {
				return fmt.Errorf("column %q: %w", b.name, err)
			}
		default:
			mv := reflect.Zero(l.base.Elem())
			if v != nil {
				if mv, err = fitValue(v, l.base.Elem()); err != nil {
					return fmt.Errorf("column %q: %w", b.name, err)
				}
			}
			holder.SetMapIndex(reflect.ValueOf(b.name).Convert(l.base.Key()), mv)
		}
	}
	return nil
}

// value converts one raw column value. NULL becomes the declared null
// replacement, else nil (the property's zero value).
func (b *binding) value(raw any) (any, error) {
	if raw == nil {
		if !b.hasNull {
			return nil, nil
		}
		if b.typ == nil {
			return b.null, nil
		}
		v, err := schema.Convert(b.null, b.typ)
		if err != nil {
			return nil, fmt.Errorf("column %q null value: %w", b.name, err)
		}
		return v, nil
	}
	v, err := b.handler.Result(raw, b.typ)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", b.name, err)
	}
	return v, nil
}

// nullScalar reports whether a scalar row is SQL NULL with no replacement,
// which maps to nil for pointer outputs.
func (l *layout) nullScalar(vals []any) bool {
	if l.shape != shapeScalar || l.out.Kind() != reflect.Ptr {
		return false
	}
	b := &l.bindings[0]
	return vals[b.column] == nil && !b.hasNull
}
