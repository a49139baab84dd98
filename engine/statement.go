package engine

import (
	"reflect"
	"slices"
	"sync"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
)

// MappedStatement is a registered statement together with its cache model
// and the column layouts computed for its result sets.
type MappedStatement struct {
	desc    *mapping.Statement
	cache   *cache.Model
	layouts sync.Map // layoutKey -> *layout
}

type layoutKey struct {
	set int
	out reflect.Type
}

func (m *MappedStatement) ID() string { return m.desc.ID }

func (m *MappedStatement) Descriptor() *mapping.Statement { return m.desc }

// Cache returns the statement's cache model, or nil.
func (m *MappedStatement) Cache() *cache.Model { return m.cache }

// Render composes the statement's SQL for param without executing it.
func (m *MappedStatement) Render(param any, d dialect.Dialect) (*dynamic.Result, error) {
	res, err := m.desc.SQL.Evaluate(param, m.evalOptions(d))
	if err != nil {
		return nil, errs.Execution(m.desc.ID, err)
	}
	return res, nil
}

func (m *MappedStatement) evalOptions(d dialect.Dialect) dynamic.EvalOptions {
	opts := dynamic.EvalOptions{Dialect: d}
	if pm := m.desc.ParameterMap; pm != nil {
		opts.ParameterMap = pm.Markers
		if opts.ParameterMap == nil {
			opts.ParameterMap = []dynamic.Marker{}
		}
	}
	return opts
}

// resultMap returns the result map for the given result set, or nil when
// the statement maps by result class.
func (m *MappedStatement) resultMap(set int) *mapping.ResultMap {
	if set < len(m.desc.ResultMaps) {
		return m.desc.ResultMaps[set]
	}
	return nil
}

// outType is the type produced for each row of a result set when the
// caller does not ask for one. Struct classes produce pointers.
func (m *MappedStatement) outType(set int) reflect.Type {
	var class reflect.Type
	if rm := m.resultMap(set); rm != nil && rm.Class != nil {
		class = rm.Class
	} else if m.desc.ResultClass != nil {
		class = m.desc.ResultClass
	}
	switch {
	case class == nil:
		return anyMapType
	case isStructType(class):
		return reflect.PointerTo(class)
	}
	return class
}

// layoutFor returns the column layout for a result set. Layouts are
// computed on first use and kept unless the statement remaps or the
// result set's columns changed.
func (m *MappedStatement) layoutFor(e *Engine, set int, columns []string, out reflect.Type) (*layout, error) {
	key := layoutKey{set: set, out: out}
	if !m.desc.Remap {
		if cached, ok := m.layouts.Load(key); ok {
			if l := cached.(*layout); slices.Equal(l.columns, columns) {
				return l, nil
			}
		}
	}
	l, err := buildLayout(e, m.desc.ID, m.resultMap(set), columns, out)
	if err != nil {
		return nil, err
	}
	if !m.desc.Remap {
		m.layouts.Store(key, l)
	}
	return l, nil
}
