// Package typehandler converts values between Go properties and database
// columns. Handlers are registered by id (referenced from parameter markers
// and result maps) and by Go type (picked automatically).
package typehandler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Handler converts one property value in each direction.
type Handler interface {
	// Parameter converts a property value into a driver argument.
	Parameter(value any) (any, error)
	// Result converts a non-nil column value into a value assignable to
	// target. A nil target asks for the handler's natural Go type.
	Result(raw any, target reflect.Type) (any, error)
}

// Funcs adapts a pair of functions to Handler. A nil function passes values through.
type Funcs struct {
	ParameterFunc func(value any) (any, error)
	ResultFunc    func(raw any, target reflect.Type) (any, error)
}

func (f Funcs) Parameter(value any) (any, error) {
	if f.ParameterFunc == nil {
		return value, nil
	}
	return f.ParameterFunc(value)
}

func (f Funcs) Result(raw any, target reflect.Type) (any, error) {
	if f.ResultFunc == nil {
		return Default.Result(raw, target)
	}
	return f.ResultFunc(raw, target)
}

// Registry holds handlers by id and by Go type. Registration happens while
// loading configuration; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Handler
	byType map[reflect.Type]Handler
}

// NewRegistry returns a registry holding the built-in handlers:
// default, json, uuid, ulid and unixtime.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]Handler),
		byType: make(map[reflect.Type]Handler),
	}
	r.Register("default", Default)
	r.Register("json", JSON)
	r.Register("uuid", UUID)
	r.Register("ulid", ULID)
	r.Register("unixtime", UnixTime)
	r.RegisterType(reflect.TypeOf(uuid.UUID{}), UUID)
	r.RegisterType(reflect.TypeOf(ulid.ULID{}), ULID)
	return r
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = h
}

func (r *Registry) RegisterType(t reflect.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// ForType returns the handler registered for t (or *t), else Default.
func (r *Registry) ForType(t reflect.Type) Handler {
	if t == nil {
		return Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byType[t]; ok {
		return h
	}
	if t.Kind() == reflect.Ptr {
		if h, ok := r.byType[t.Elem()]; ok {
			return h
		}
	}
	return Default
}

// Resolve picks the named handler when name is set, else the handler for t.
// An unknown name is a configuration error.
func (r *Registry) Resolve(name string, t reflect.Type) (Handler, error) {
	if name == "" {
		return r.ForType(t), nil
	}
	h, ok := r.Lookup(name)
	if !ok {
		return nil, errs.Configuration("", "unknown type handler %q", name)
	}
	return h, nil
}

type defaultHandler struct{}

// Default passes parameters through and converts results with schema.Convert.
var Default Handler = defaultHandler{}

func (defaultHandler) Parameter(value any) (any, error) {
	return value, nil
}

func (defaultHandler) Result(raw any, target reflect.Type) (any, error) {
	if target == nil || raw == nil {
		return raw, nil
	}
	if rt := reflect.TypeOf(raw); rt == target {
		return raw, nil
	}
	return schema.Convert(raw, target)
}

type jsonHandler struct{}

// JSON stores values as JSON text.
var JSON Handler = jsonHandler{}

func (jsonHandler) Parameter(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json parameter: %w", err)
	}
	return string(b), nil
}

func (jsonHandler) Result(raw any, target reflect.Type) (any, error) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		// drivers such as pgx decode json columns themselves
		return Default.Result(raw, target)
	}
	if target == nil {
		var out any
		err := json.Unmarshal(data, &out)
		return out, err
	}
	p := reflect.New(target)
	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return nil, fmt.Errorf("json result into %s: %w", target, err)
	}
	return p.Elem().Interface(), nil
}

type uuidHandler struct{}

// UUID binds uuid.UUID as its canonical string and reads text, 16-byte or
// driver-native uuid columns.
var UUID Handler = uuidHandler{}

func (uuidHandler) Parameter(value any) (any, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v.String(), nil
	case *uuid.UUID:
		if v == nil {
			return nil, nil
		}
		return v.String(), nil
	}
	return value, nil
}

func (uuidHandler) Result(raw any, target reflect.Type) (any, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch v := raw.(type) {
	case uuid.UUID:
		id = v
	case [16]byte:
		id = uuid.UUID(v)
	case []byte:
		if len(v) == 16 {
			id, err = uuid.FromBytes(v)
		} else {
			id, err = uuid.ParseBytes(v)
		}
	case string:
		id, err = uuid.Parse(v)
	default:
		return nil, fmt.Errorf("uuid result: unsupported column type %T", raw)
	}
	if err != nil {
		return nil, fmt.Errorf("uuid result: %w", err)
	}
	return fitTarget(id, id.String(), target)
}

type ulidHandler struct{}

// ULID binds ulid.ULID as its 26-character string.
var ULID Handler = ulidHandler{}

func (ulidHandler) Parameter(value any) (any, error) {
	if v, ok := value.(ulid.ULID); ok {
		return v.String(), nil
	}
	return value, nil
}

func (ulidHandler) Result(raw any, target reflect.Type) (any, error) {
	var (
		id  ulid.ULID
		err error
	)
	switch v := raw.(type) {
	case ulid.ULID:
		id = v
	case []byte:
		if len(v) == 16 {
			copy(id[:], v)
		} else {
			id, err = ulid.Parse(string(v))
		}
	case string:
		id, err = ulid.Parse(v)
	default:
		return nil, fmt.Errorf("ulid result: unsupported column type %T", raw)
	}
	if err != nil {
		return nil, fmt.Errorf("ulid result: %w", err)
	}
	return fitTarget(id, id.String(), target)
}

type unixTimeHandler struct{}

// UnixTime stores time.Time as integer seconds since the epoch.
var UnixTime Handler = unixTimeHandler{}

func (unixTimeHandler) Parameter(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Unix(), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.Unix(), nil
	}
	return value, nil
}

func (unixTimeHandler) Result(raw any, target reflect.Type) (any, error) {
	secs, err := schema.Convert(raw, reflect.TypeOf(int64(0)))
	if err != nil {
		return nil, fmt.Errorf("unixtime result: %w", err)
	}
	return fitTarget(time.Unix(secs.(int64), 0).UTC(), nil, target)
}

// fitTarget returns native when target accepts it, else the textual form
// converted to target.
func fitTarget(native any, textual any, target reflect.Type) (any, error) {
	if target == nil || reflect.TypeOf(native).AssignableTo(target) {
		return native, nil
	}
	if target.Kind() == reflect.Ptr && reflect.TypeOf(native).AssignableTo(target.Elem()) {
		p := reflect.New(target.Elem())
		p.Elem().Set(reflect.ValueOf(native))
		return p.Interface(), nil
	}
	if textual != nil {
		return schema.Convert(textual, target)
	}
	return schema.Convert(native, target)
}
