package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/Konsultn-Engineering/datamapper/errs"
)

// Path is a compiled dotted property path such as "order.lines[2].sku".
//
// A Path is parsed once and cached by its text; struct field resolution per
// segment goes through the Introspect cache, so repeated access never
// re-parses or re-scans struct fields. Paths are immutable and safe for
// concurrent use.
//
// Each segment resolves against the runtime value it is applied to:
// struct fields (by Go name, column tag or case-insensitive form), map keys,
// or slice/array indexes.
type Path struct {
	raw   string
	steps []step
}

type step struct {
	name  string // empty for a bare index segment
	index int    // -1 when the segment has no [n]
}

var pathCache sync.Map // string -> *Path

// CompilePath parses and caches a property path. The empty path denotes the
// object itself.
func CompilePath(raw string) (*Path, error) {
	if p, ok := pathCache.Load(raw); ok {
		return p.(*Path), nil
	}
	p, err := parsePath(raw)
	if err != nil {
		return nil, err
	}
	actual, _ := pathCache.LoadOrStore(raw, p)
	return actual.(*Path), nil
}

// MustCompilePath is CompilePath for paths known to be valid.
func MustCompilePath(raw string) *Path {
	p, err := CompilePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func parsePath(raw string) (*Path, error) {
	p := &Path{raw: raw}
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	for _, seg := range strings.Split(raw, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, errs.Configuration("", "invalid property path %q: empty segment", raw)
		}
		name := seg
		var indexes []int
		if i := strings.IndexByte(seg, '['); i >= 0 {
			name = seg[:i]
			rest := seg[i:]
			for rest != "" {
				end := strings.IndexByte(rest, ']')
				if rest[0] != '[' || end < 0 {
					return nil, errs.Configuration("", "invalid property path %q: malformed index", raw)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, errs.Configuration("", "invalid property path %q: bad index %q", raw, rest[1:end])
				}
				indexes = append(indexes, n)
				rest = rest[end+1:]
			}
		}
		if len(indexes) == 0 {
			p.steps = append(p.steps, step{name: name, index: -1})
			continue
		}
		p.steps = append(p.steps, step{name: name, index: indexes[0]})
		for _, n := range indexes[1:] {
			p.steps = append(p.steps, step{index: n})
		}
	}
	return p, nil
}

func (p *Path) String() string { return p.raw }

// IsSelf reports whether the path denotes the object itself.
func (p *Path) IsSelf() bool { return len(p.steps) == 0 }

// Get reads the value at the path. A nil value anywhere along the path, or a
// missing map key, yields nil. A struct without the named field, or an index
// out of range, is an UnresolvedPropertyError.
//
// Applied to a scalar (neither struct, map nor collection), a single-segment
// path yields the scalar itself, so a bare int parameter binds to "#id#".
func (p *Path) Get(obj any) (any, error) {
	v, err := p.walk(reflect.ValueOf(obj), false)
	if err != nil || !v.IsValid() {
		return nil, err
	}
	return v.Interface(), nil
}

// Has reports whether the path resolves on obj: struct fields exist, map keys
// are present and indexes are in range.
func (p *Path) Has(obj any) bool {
	v, err := p.walk(reflect.ValueOf(obj), true)
	return err == nil && v.IsValid()
}

func (p *Path) walk(v reflect.Value, strict bool) (reflect.Value, error) {
	if len(p.steps) == 1 && p.steps[0].index < 0 {
		if root := indirect(v); root.IsValid() && isScalar(root.Type()) {
			return root, nil
		}
	}
	for _, st := range p.steps {
		v = indirect(v)
		if !v.IsValid() {
			if strict {
				return reflect.Value{}, errs.Unresolved(p.raw, "nil value")
			}
			return reflect.Value{}, nil
		}
		if st.name != "" {
			next, err := p.member(v, st.name, strict)
			if err != nil || !next.IsValid() {
				return reflect.Value{}, err
			}
			v = next
		}
		if st.index >= 0 {
			v = indirect(v)
			if !v.IsValid() {
				return reflect.Value{}, nil
			}
			if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
				return reflect.Value{}, errs.Unresolved(p.raw, "non-indexable "+v.Type().String())
			}
			if st.index >= v.Len() {
				return reflect.Value{}, errs.Unresolved(p.raw, fmt.Sprintf("index %d out of range [0:%d]", st.index, v.Len()))
			}
			v = v.Index(st.index)
		}
	}
	return v, nil
}

func (p *Path) member(v reflect.Value, name string, strict bool) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Struct:
		meta, err := Introspect(v.Type())
		if err != nil {
			return reflect.Value{}, err
		}
		f, ok := meta.Lookup(name)
		if !ok {
			return reflect.Value{}, errs.Unresolved(p.raw, v.Type().String())
		}
		fv, err := v.FieldByIndexErr(f.Index)
		if err != nil {
			// nil embedded pointer
			return reflect.Value{}, nil
		}
		return fv, nil
	case reflect.Map:
		key, ok := mapKey(v.Type(), name)
		if !ok {
			return reflect.Value{}, errs.Unresolved(p.raw, v.Type().String())
		}
		mv := v.MapIndex(key)
		if !mv.IsValid() && strict {
			return reflect.Value{}, errs.Unresolved(p.raw, "missing map key")
		}
		return mv, nil
	default:
		return reflect.Value{}, errs.Unresolved(p.raw, v.Type().String())
	}
}

// Set assigns value at the path, converting it to the destination type and
// allocating nil pointers and maps along the way. obj must be a non-nil
// pointer or a map.
func (p *Path) Set(obj any, value any) error {
	if len(p.steps) == 0 {
		return fmt.Errorf("cannot assign to the object itself")
	}
	root := reflect.ValueOf(obj)
	switch root.Kind() {
	case reflect.Ptr:
		if root.IsNil() {
			return fmt.Errorf("cannot set %q on nil %s", p.raw, root.Type())
		}
		return p.set(root.Elem(), p.steps, value)
	case reflect.Map:
		if root.IsNil() {
			return fmt.Errorf("cannot set %q on nil map", p.raw)
		}
		return p.set(root, p.steps, value)
	default:
		return fmt.Errorf("cannot set %q on non-pointer %s", p.raw, root.Type())
	}
}

func (p *Path) set(v reflect.Value, steps []step, value any) error {
	st := steps[0]
	last := len(steps) == 1

	v, err := allocate(v)
	if err != nil {
		return err
	}

	// Values reached through an interface or a map are not addressable:
	// copy, modify and store back.
	if v.Kind() == reflect.Interface {
		inner := v.Elem()
		if !inner.IsValid() {
			return fmt.Errorf("cannot set %q through nil interface", p.raw)
		}
		if inner.Kind() == reflect.Map || inner.Kind() == reflect.Ptr {
			return p.set(inner, steps, value)
		}
		cp := reflect.New(inner.Type()).Elem()
		cp.Set(inner)
		if err := p.set(cp, steps, value); err != nil {
			return err
		}
		v.Set(cp)
		return nil
	}

	if st.name == "" {
		return p.setIndex(v, st.index, steps, value)
	}

	switch v.Kind() {
	case reflect.Struct:
		meta, err := Introspect(v.Type())
		if err != nil {
			return err
		}
		f, ok := meta.Lookup(st.name)
		if !ok {
			return errs.Unresolved(p.raw, v.Type().String())
		}
		fv, err := fieldAlloc(v, f.Index)
		if err != nil {
			return err
		}
		if st.index >= 0 {
			return p.setIndex(fv, st.index, steps, value)
		}
		if last {
			return assign(fv, value, p.raw)
		}
		return p.set(fv, steps[1:], value)

	case reflect.Map:
		key, ok := mapKey(v.Type(), st.name)
		if !ok {
			return errs.Unresolved(p.raw, v.Type().String())
		}
		elemType := v.Type().Elem()
		if last && st.index < 0 {
			cv, err := ConvertValue(reflect.ValueOf(value), elemType)
			if err != nil {
				return fmt.Errorf("property %q: %w", p.raw, err)
			}
			v.SetMapIndex(key, cv)
			return nil
		}
		tmp := reflect.New(elemType).Elem()
		if cur := v.MapIndex(key); cur.IsValid() {
			tmp.Set(cur)
		} else if elemType.Kind() == reflect.Interface {
			tmp.Set(reflect.ValueOf(map[string]any{}))
		}
		var err error
		if st.index >= 0 {
			err = p.setIndex(tmp, st.index, steps, value)
		} else {
			err = p.set(tmp, steps[1:], value)
		}
		if err != nil {
			return err
		}
		v.SetMapIndex(key, tmp)
		return nil
	}
	return errs.Unresolved(p.raw, v.Type().String())
}

func (p *Path) setIndex(v reflect.Value, index int, steps []step, value any) error {
	v, err := allocate(v)
	if err != nil {
		return err
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return errs.Unresolved(p.raw, "non-indexable "+v.Type().String())
	}
	if index >= v.Len() {
		return errs.Unresolved(p.raw, fmt.Sprintf("index %d out of range [0:%d]", index, v.Len()))
	}
	elem := v.Index(index)
	if len(steps) == 1 {
		return assign(elem, value, p.raw)
	}
	return p.set(elem, steps[1:], value)
}

func assign(dst reflect.Value, value any, path string) error {
	if !dst.CanSet() {
		return fmt.Errorf("property %q is not settable", path)
	}
	cv, err := ConvertValue(reflect.ValueOf(value), dst.Type())
	if err != nil {
		return fmt.Errorf("property %q: %w", path, err)
	}
	dst.Set(cv)
	return nil
}

// allocate dereferences pointers, creating values for nil ones, and creates
// nil maps.
func allocate(v reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			if !v.CanSet() {
				return reflect.Value{}, fmt.Errorf("cannot allocate nil %s", v.Type())
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Map && v.IsNil() && v.CanSet() {
		v.Set(reflect.MakeMap(v.Type()))
	}
	if v.Kind() == reflect.Interface && v.IsNil() && v.CanSet() {
		v.Set(reflect.ValueOf(map[string]any{}))
	}
	return v, nil
}

// fieldAlloc is FieldByIndex that allocates nil embedded pointers.
func fieldAlloc(v reflect.Value, index []int) (reflect.Value, error) {
	for i, x := range index {
		if i > 0 {
			var err error
			if v, err = allocate(v); err != nil {
				return reflect.Value{}, err
			}
		}
		v = v.Field(x)
	}
	return v, nil
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func mapKey(t reflect.Type, name string) (reflect.Value, bool) {
	kt := t.Key()
	if kt.Kind() == reflect.String {
		return reflect.ValueOf(name).Convert(kt), true
	}
	if kt.Kind() == reflect.Interface {
		return reflect.ValueOf(name), true
	}
	return reflect.Value{}, false
}

func isScalar(t reflect.Type) bool {
	if t == timeType || t == bytesType {
		return true
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		return false
	}
	return true
}

// Get is a convenience for CompilePath(path) followed by Get.
func Get(obj any, path string) (any, error) {
	p, err := CompilePath(path)
	if err != nil {
		return nil, err
	}
	return p.Get(obj)
}

// Set is a convenience for CompilePath(path) followed by Set.
func Set(obj any, path string, value any) error {
	p, err := CompilePath(path)
	if err != nil {
		return err
	}
	return p.Set(obj, value)
}
