package dynamic

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

var (
	int64Type   = reflect.TypeOf(int64(0))
	uint64Type  = reflect.TypeOf(uint64(0))
	float64Type = reflect.TypeOf(float64(0))
	boolType    = reflect.TypeOf(false)
	timeType    = reflect.TypeOf(time.Time{})
)

func (e *evaluator) test(n *cnode) (bool, error) {
	switch n.test {
	case IsParameterPresent:
		return deref(e.param) != nil, nil
	case IsNotParameterPresent:
		return deref(e.param) == nil, nil
	case IsPropertyAvailable:
		return e.available(n.prop), nil
	case IsNotPropertyAvailable:
		return !e.available(n.prop), nil
	}

	v, _, err := e.resolve(n.prop)
	if err != nil {
		return false, err
	}

	switch n.test {
	case IsNull:
		return deref(v) == nil, nil
	case IsNotNull:
		return deref(v) != nil, nil
	case IsEmpty:
		return isEmpty(v), nil
	case IsNotEmpty:
		return !isEmpty(v), nil
	}

	target := n.cmpValue
	if n.cmpProp != "" {
		if target, _, err = e.resolve(n.cmpProp); err != nil {
			return false, err
		}
	}
	c, ok, err := compare(v, target)
	if err != nil {
		return false, errs.Configuration("", "%s on %q: %v", n.test, n.prop, err)
	}
	if !ok {
		// nil is comparable to nothing
		return n.test == IsNotEqual, nil
	}

	switch n.test {
	case IsEqual:
		return c == 0, nil
	case IsNotEqual:
		return c != 0, nil
	case IsGreaterThan:
		return c > 0, nil
	case IsGreaterEqual:
		return c >= 0, nil
	case IsLessThan:
		return c < 0, nil
	case IsLessEqual:
		return c <= 0, nil
	}
	return false, nil
}

// compare orders a property value against a compare operand. Strings compare
// as strings; otherwise the operand is converted to the value's type family.
// ok is false when either side is nil.
func compare(v, target any) (c int, ok bool, err error) {
	v, target = deref(v), deref(target)
	if v == nil || target == nil {
		return 0, false, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.String:
		return strings.Compare(rv.String(), fmt.Sprint(target)), true, nil

	case rv.Kind() >= reflect.Int && rv.Kind() <= reflect.Int64:
		if t, err := schema.Convert(target, int64Type); err == nil {
			return cmpOrdered(rv.Int(), t.(int64)), true, nil
		}
		return compareFloat(float64(rv.Int()), target)

	case rv.Kind() >= reflect.Uint && rv.Kind() <= reflect.Uintptr:
		if t, err := schema.Convert(target, uint64Type); err == nil {
			return cmpOrdered(rv.Uint(), t.(uint64)), true, nil
		}
		return compareFloat(float64(rv.Uint()), target)

	case rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64:
		return compareFloat(rv.Float(), target)

	case rv.Kind() == reflect.Bool:
		t, err := schema.Convert(target, boolType)
		if err != nil {
			return 0, false, err
		}
		a, b := rv.Bool(), t.(bool)
		switch {
		case a == b:
			return 0, true, nil
		case !a:
			return -1, true, nil
		default:
			return 1, true, nil
		}

	case rv.Type() == timeType:
		t, err := schema.Convert(target, timeType)
		if err != nil {
			return 0, false, err
		}
		return rv.Interface().(time.Time).Compare(t.(time.Time)), true, nil
	}

	if rv.Type().Comparable() && reflect.TypeOf(target) == rv.Type() {
		if v == target {
			return 0, true, nil
		}
		return 1, true, nil
	}
	return 0, false, fmt.Errorf("cannot compare %T with %T", v, target)
}

func compareFloat(a float64, target any) (int, bool, error) {
	t, err := schema.Convert(target, float64Type)
	if err != nil {
		return 0, false, err
	}
	return cmpOrdered(a, t.(float64)), true, nil
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isEmpty(v any) bool {
	rv := reflect.ValueOf(deref(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() == 0
	}
	return false
}

// deref unwraps pointers; nil pointers, maps and slices become untyped nil.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
		return nil
	}
	return rv.Interface()
}
