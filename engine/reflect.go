package engine

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Konsultn-Engineering/datamapper/schema"
)

var (
	timeType   = reflect.TypeOf(time.Time{})
	bytesType  = reflect.TypeOf([]byte(nil))
	anyMapType = reflect.TypeOf(map[string]any(nil))
)

func isZero(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil() || isZero(v.Elem())
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}

func derefType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func isStructType(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Struct && t != timeType
}

// propertyType returns the declared type of a dotted property on base, or
// nil when it cannot be known before a value exists (interfaces, indexes).
func propertyType(base reflect.Type, property string) reflect.Type {
	t := base
	for _, seg := range strings.Split(property, ".") {
		t = derefType(t)
		if t == nil || strings.ContainsAny(seg, "[]") {
			return nil
		}
		switch {
		case isStructType(t):
			meta, err := schema.Introspect(t)
			if err != nil {
				return nil
			}
			f, ok := meta.Lookup(seg)
			if !ok {
				return nil
			}
			t = f.Type
		case t.Kind() == reflect.Map && t.Elem().Kind() != reflect.Interface:
			t = t.Elem()
		default:
			return nil
		}
	}
	return t
}

// fillSlice appends items to the slice dst points at, converting each item
// to the element type.
func fillSlice(dst reflect.Value, items []any) error {
	slice := dst.Elem()
	elem := slice.Type().Elem()
	for i, item := range items {
		v, err := fitValue(item, elem)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		slice = reflect.Append(slice, v)
	}
	dst.Elem().Set(slice)
	return nil
}

// typedSlice builds a new slice of type t from items.
func typedSlice(t reflect.Type, items []any) (reflect.Value, error) {
	ptr := reflect.New(t)
	ptr.Elem().Set(reflect.MakeSlice(t, 0, len(items)))
	if err := fillSlice(ptr, items); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// fitValue returns item as a value of type t: directly when assignable,
// through one pointer level when the shapes differ, else converted.
func fitValue(item any, t reflect.Type) (reflect.Value, error) {
	if item == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(item)
	switch {
	case v.Type().AssignableTo(t):
		return v, nil
	case v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Type().AssignableTo(t):
		return v.Elem(), nil
	case t.Kind() == reflect.Ptr && v.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(v)
		return p, nil
	}
	return schema.ConvertValue(v, t)
}
