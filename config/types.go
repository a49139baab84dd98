package config

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Types resolves the type names used by mapper files (result classes,
// property types, key types) to Go types.
type Types struct {
	mu       sync.RWMutex
	types    map[string]reflect.Type
	fallback reflect.Type
}

// NewTypes returns a registry holding the builtin scalar names: string,
// bool, int, int32, int64, uint64, float32, float64, bytes, time, uuid and
// map (map[string]any).
func NewTypes() *Types {
	t := &Types{types: make(map[string]reflect.Type)}
	for name, typ := range map[string]reflect.Type{
		"string":  reflect.TypeFor[string](),
		"bool":    reflect.TypeFor[bool](),
		"int":     reflect.TypeFor[int](),
		"int32":   reflect.TypeFor[int32](),
		"int64":   reflect.TypeFor[int64](),
		"uint64":  reflect.TypeFor[uint64](),
		"float32": reflect.TypeFor[float32](),
		"float64": reflect.TypeFor[float64](),
		"bytes":   reflect.TypeFor[[]byte](),
		"time":    reflect.TypeFor[time.Time](),
		"uuid":    reflect.TypeFor[uuid.UUID](),
		"map":     reflect.TypeFor[map[string]any](),
	} {
		t.types[name] = typ
	}
	return t
}

// Register makes typ available under name.
func (t *Types) Register(name string, typ reflect.Type) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.types[name] = typ
}

// RegisterType registers T under name, or under its Go type name when name
// is empty.
func RegisterType[T any](t *Types, name string) {
	typ := reflect.TypeFor[T]()
	if name == "" {
		name = typ.Name()
	}
	t.Register(name, typ)
}

// SetFallback makes unknown names resolve to typ instead of failing. Tools
// that load mapper files without the application's types use
// map[string]any.
func (t *Types) SetFallback(typ reflect.Type) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = typ
}

// Lookup resolves name. A leading '*' asks for a pointer to the named type.
func (t *Types) Lookup(name string) (reflect.Type, error) {
	ptr := false
	if len(name) > 1 && name[0] == '*' {
		name, ptr = name[1:], true
	}
	t.mu.RLock()
	typ, ok := t.types[name]
	fallback := t.fallback
	t.mu.RUnlock()
	if !ok {
		if fallback != nil {
			return fallback, nil
		}
		return nil, fmt.Errorf("unknown type %q", name)
	}
	if ptr {
		return reflect.PointerTo(typ), nil
	}
	return typ, nil
}
