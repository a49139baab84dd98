// Package mapping holds the immutable descriptors the engine executes:
// statements, parameter maps, result maps, post-select bindings and insert
// key policies. Descriptors are built in code, by the config loader or by
// the generate package, and validated once when registered.
package mapping

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
)

type StatementKind uint8

const (
	Select StatementKind = iota + 1
	Insert
	Update
	Delete
	// Procedure is a statement of no particular kind; it may be run as any
	// operation.
	Procedure
)

func (k StatementKind) String() string {
	switch k {
	case Select:
		return "select"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Procedure:
		return "statement"
	}
	return "unknown"
}

// ParseKind maps "select", "insert", "update", "delete", "statement" or
// "procedure" to a StatementKind.
func ParseKind(s string) (StatementKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "select":
		return Select, true
	case "insert":
		return Insert, true
	case "update":
		return Update, true
	case "delete":
		return Delete, true
	case "statement", "procedure":
		return Procedure, true
	}
	return 0, false
}

// KeyPolicy says how an insert obtains a generated key.
type KeyPolicy uint8

const (
	KeyNone KeyPolicy = iota
	// KeyPreGenerated assigns the key before the insert, from an in-process
	// generator or a key query. A generator adds no round trip; a key query
	// adds one, issued before the insert.
	KeyPreGenerated
	// KeyPostGenerated runs the key query after the insert on the same
	// session: one extra round trip.
	KeyPostGenerated
	// KeyReturning reads the key from the insert itself (INSERT ... RETURNING).
	KeyReturning
)

func (p KeyPolicy) String() string {
	switch p {
	case KeyNone:
		return "none"
	case KeyPreGenerated:
		return "pre"
	case KeyPostGenerated:
		return "post"
	case KeyReturning:
		return "returning"
	}
	return "unknown"
}

// SelectKey configures key generation for an insert.
type SelectKey struct {
	Policy    KeyPolicy
	Property  string        // parameter property receiving the key
	Generator string        // schema generator name, KeyPreGenerated only
	SQL       *dynamic.Tree // key query
	Type      reflect.Type  // converts the key value; nil keeps the driver value
}

// ParameterMap lists the properties bound to the bare '?' placeholders of a
// statement, in order.
type ParameterMap struct {
	ID      string
	Markers []dynamic.Marker
}

// ResultProperty maps one column onto one property of the result object.
type ResultProperty struct {
	Property    string
	Column      string
	ColumnIndex int // 1-based column position; used when Column is empty
	NullValue   any // substituted when the column is NULL
	TypeHandler string
	// Type is the property type for map results; struct results use the
	// field type.
	Type reflect.Type
}

// Strategy selects how a post-select populates its property.
type Strategy uint8

const (
	// StrategyAuto picks List for slice properties and Object otherwise.
	StrategyAuto Strategy = iota
	StrategyObject
	StrategyList
	// StrategyIterate runs the nested statement once per element of a
	// source collection and appends every result.
	StrategyIterate
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyObject:
		return "object"
	case StrategyList:
		return "list"
	case StrategyIterate:
		return "iterate"
	}
	return "unknown"
}

// KeyColumn names one column whose value is passed to a nested statement.
// Param is the key name inside a composite parameter map; it is empty for a
// single-column key, which is passed as a scalar.
type KeyColumn struct {
	Param  string
	Column string
}

// PostSelect populates Property by running another statement after the
// primary rows are read.
type PostSelect struct {
	Property  string
	Statement string
	Keys      []KeyColumn
	Strategy  Strategy
	// Source names a property of the row object holding the collection
	// iterated by StrategyIterate. Empty means the key value itself.
	Source string
}

// ResultMap describes how a row becomes a result object.
type ResultMap struct {
	ID          string
	Class       reflect.Type // struct, map or scalar type; nil means map[string]any
	Properties  []ResultProperty
	PostSelects []PostSelect
	// AutoMap maps columns not named by Properties onto same-named properties.
	AutoMap bool
}

// Statement is a named SQL statement.
type Statement struct {
	ID           string
	Kind         StatementKind
	SQL          *dynamic.Tree
	ParameterMap *ParameterMap
	// ResultMaps apply to successive result sets. ResultClass is used when
	// no result map is given: columns are mapped onto it by name.
	ResultMaps  []*ResultMap
	ResultClass reflect.Type
	CacheModel  string
	// Remap recomputes the column layout on every execution instead of
	// caching it from the first.
	Remap     bool
	SelectKey *SelectKey
	Timeout   time.Duration
}

// Validate reports descriptor errors as configuration errors.
func (s *Statement) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errs.Configuration("", "statement without id")
	}
	if s.Kind == 0 {
		return errs.Configuration(s.ID, "statement kind is not set")
	}
	if s.SQL == nil {
		return errs.Configuration(s.ID, "statement has no SQL")
	}
	if s.SelectKey != nil {
		if s.Kind != Insert && s.Kind != Procedure {
			return errs.Configuration(s.ID, "selectKey is only valid on insert statements")
		}
		if err := s.SelectKey.validate(s.ID); err != nil {
			return err
		}
	}
	for _, rm := range s.ResultMaps {
		if rm == nil {
			return errs.Configuration(s.ID, "nil result map")
		}
		if err := rm.Validate(); err != nil {
			var e *errs.Error
			if errors.As(err, &e) && e.Statement == "" {
				e.Statement = s.ID
			}
			return err
		}
	}
	return nil
}

func (k *SelectKey) validate(id string) error {
	switch k.Policy {
	case KeyNone:
		return nil
	case KeyPreGenerated:
		if k.Generator == "" && k.SQL == nil {
			return errs.Configuration(id, "pre-generated key needs a generator or a key query")
		}
	case KeyPostGenerated:
		if k.SQL == nil {
			return errs.Configuration(id, "post-generated key needs a key query")
		}
	case KeyReturning:
	default:
		return errs.Configuration(id, "unknown key policy %d", k.Policy)
	}
	if strings.TrimSpace(k.Property) == "" {
		return errs.Configuration(id, "selectKey needs a key property")
	}
	return nil
}

// Validate checks a result map on its own.
func (m *ResultMap) Validate() error {
	for _, p := range m.Properties {
		if strings.TrimSpace(p.Property) == "" {
			return errs.Configuration("", "result map %q has a property without a name", m.ID)
		}
		if p.Column == "" && p.ColumnIndex <= 0 {
			return errs.Configuration("", "result map %q property %q has no column", m.ID, p.Property)
		}
	}
	for _, ps := range m.PostSelects {
		if ps.Property == "" || ps.Statement == "" {
			return errs.Configuration("", "result map %q has an incomplete post-select", m.ID)
		}
		if len(ps.Keys) == 0 && !(ps.Strategy == StrategyIterate && ps.Source != "") {
			return errs.Configuration("", "result map %q post-select %q has no key columns", m.ID, ps.Property)
		}
		if len(ps.Keys) > 1 {
			for _, k := range ps.Keys {
				if k.Param == "" {
					return errs.Configuration("", "result map %q post-select %q: composite keys need parameter names", m.ID, ps.Property)
				}
			}
		}
		if ps.Strategy > StrategyIterate {
			return errs.Configuration("", "result map %q post-select %q has unknown strategy", m.ID, ps.Property)
		}
	}
	return nil
}

// ParseKeyColumns parses a post-select column attribute: "id" for a single
// key, or "{orderId=id,region=region_code}" for a composite one.
func ParseKeyColumns(s string) ([]KeyColumn, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "{") {
		return []KeyColumn{{Column: s}}, nil
	}
	if !strings.HasSuffix(s, "}") {
		return nil, errs.Configuration("", "malformed composite key %q", s)
	}
	var keys []KeyColumn
	for _, pair := range strings.Split(s[1:len(s)-1], ",") {
		param, column, ok := strings.Cut(pair, "=")
		param, column = strings.TrimSpace(param), strings.TrimSpace(column)
		if !ok || param == "" || column == "" {
			return nil, errs.Configuration("", "malformed composite key %q", s)
		}
		keys = append(keys, KeyColumn{Param: param, Column: column})
	}
	return keys, nil
}
