package schema

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// convertFunc converts a non-nil, dereferenced source value to a fixed target type.
type convertFunc func(src reflect.Value) (reflect.Value, error)

type converterKey struct{ from, to reflect.Type }

// Converters are built once per (source, destination) pair.
var converterCache sync.Map // converterKey -> convertFunc

var (
	timeType    = reflect.TypeOf(time.Time{})
	bytesType   = reflect.TypeOf([]byte(nil))
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// Convert returns value converted to type to. nil (or a nil pointer) yields
// the zero value of to.
func Convert(value any, to reflect.Type) (any, error) {
	rv, err := ConvertValue(reflect.ValueOf(value), to)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// ConvertValue is Convert for reflect values.
func ConvertValue(src reflect.Value, to reflect.Type) (reflect.Value, error) {
	for src.IsValid() && (src.Kind() == reflect.Ptr || src.Kind() == reflect.Interface) {
		if src.IsNil() {
			src = reflect.Value{}
			break
		}
		if src.Type() == to {
			return src, nil
		}
		src = src.Elem()
	}
	if !src.IsValid() {
		return reflect.Zero(to), nil
	}

	if to.Kind() == reflect.Ptr {
		inner, err := ConvertValue(src, to.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(to.Elem())
		p.Elem().Set(inner)
		return p, nil
	}

	key := converterKey{src.Type(), to}
	if fn, ok := converterCache.Load(key); ok {
		return fn.(convertFunc)(src)
	}
	fn, err := buildConverter(src.Type(), to)
	if err != nil {
		return reflect.Value{}, err
	}
	converterCache.Store(key, fn)
	return fn(src)
}

func buildConverter(from, to reflect.Type) (convertFunc, error) {
	if from == to {
		return func(src reflect.Value) (reflect.Value, error) { return src, nil }, nil
	}
	if to.Kind() == reflect.Interface {
		if !from.Implements(to) {
			return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
		}
		return func(src reflect.Value) (reflect.Value, error) {
			v := reflect.New(to).Elem()
			v.Set(src)
			return v, nil
		}, nil
	}
	if reflect.PointerTo(to).Implements(scannerType) {
		return func(src reflect.Value) (reflect.Value, error) {
			p := reflect.New(to)
			if err := p.Interface().(sql.Scanner).Scan(src.Interface()); err != nil {
				return reflect.Value{}, err
			}
			return p.Elem(), nil
		}, nil
	}

	switch to.Kind() {
	case reflect.String:
		return buildStringConverter(from, to), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if to == reflect.TypeOf(time.Duration(0)) && from.Kind() == reflect.String {
			return func(src reflect.Value) (reflect.Value, error) {
				d, err := time.ParseDuration(src.String())
				return reflect.ValueOf(d), err
			}, nil
		}
		return buildIntConverter(from, to)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return buildUintConverter(from, to)
	case reflect.Float32, reflect.Float64:
		return buildFloatConverter(from, to)
	case reflect.Bool:
		return buildBoolConverter(from, to)
	case reflect.Struct:
		if to == timeType {
			return buildTimeConverter(from)
		}
	case reflect.Slice:
		return buildSliceConverter(from, to)
	case reflect.Map:
		if from.Kind() == reflect.String || from == bytesType {
			return jsonConverter(to), nil
		}
	}

	if from.ConvertibleTo(to) {
		return func(src reflect.Value) (reflect.Value, error) { return src.Convert(to), nil }, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

func buildStringConverter(from, to reflect.Type) convertFunc {
	var format func(reflect.Value) string
	switch {
	case from.Kind() == reflect.String:
		format = reflect.Value.String
	case from == bytesType || (from.Kind() == reflect.Slice && from.Elem().Kind() == reflect.Uint8):
		format = func(v reflect.Value) string { return string(v.Bytes()) }
	case isInt(from.Kind()):
		format = func(v reflect.Value) string { return strconv.FormatInt(v.Int(), 10) }
	case isUint(from.Kind()):
		format = func(v reflect.Value) string { return strconv.FormatUint(v.Uint(), 10) }
	case isFloat(from.Kind()):
		format = func(v reflect.Value) string { return strconv.FormatFloat(v.Float(), 'f', -1, from.Bits()) }
	case from.Kind() == reflect.Bool:
		format = func(v reflect.Value) string { return strconv.FormatBool(v.Bool()) }
	case from == timeType:
		format = func(v reflect.Value) string { return v.Interface().(time.Time).Format(time.RFC3339Nano) }
	default:
		format = func(v reflect.Value) string { return fmt.Sprint(v.Interface()) }
	}
	return func(src reflect.Value) (reflect.Value, error) {
		return reflect.ValueOf(format(src)).Convert(to), nil
	}
}

func buildIntConverter(from, to reflect.Type) (convertFunc, error) {
	set := func(n int64) (reflect.Value, error) {
		v := reflect.New(to).Elem()
		if v.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, to)
		}
		v.SetInt(n)
		return v, nil
	}
	switch {
	case isInt(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Int()) }, nil
	case isUint(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) {
			u := src.Uint()
			if u > math.MaxInt64 {
				return reflect.Value{}, fmt.Errorf("value %d overflows %s", u, to)
			}
			return set(int64(u))
		}, nil
	case isFloat(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(int64(src.Float())) }, nil
	case from.Kind() == reflect.Bool:
		return func(src reflect.Value) (reflect.Value, error) {
			if src.Bool() {
				return set(1)
			}
			return set(0)
		}, nil
	case isText(from):
		return func(src reflect.Value) (reflect.Value, error) {
			n, err := strconv.ParseInt(strings.TrimSpace(text(src)), 10, 64)
			if err != nil {
				return reflect.Value{}, err
			}
			return set(n)
		}, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

func buildUintConverter(from, to reflect.Type) (convertFunc, error) {
	set := func(n uint64) (reflect.Value, error) {
		v := reflect.New(to).Elem()
		if v.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, to)
		}
		v.SetUint(n)
		return v, nil
	}
	switch {
	case isUint(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Uint()) }, nil
	case isInt(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) {
			n := src.Int()
			if n < 0 {
				return reflect.Value{}, fmt.Errorf("negative value %d for %s", n, to)
			}
			return set(uint64(n))
		}, nil
	case isFloat(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) {
			f := src.Float()
			if f < 0 {
				return reflect.Value{}, fmt.Errorf("negative value %v for %s", f, to)
			}
			return set(uint64(f))
		}, nil
	case isText(from):
		return func(src reflect.Value) (reflect.Value, error) {
			n, err := strconv.ParseUint(strings.TrimSpace(text(src)), 10, 64)
			if err != nil {
				return reflect.Value{}, err
			}
			return set(n)
		}, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

func buildFloatConverter(from, to reflect.Type) (convertFunc, error) {
	set := func(f float64) (reflect.Value, error) {
		v := reflect.New(to).Elem()
		v.SetFloat(f)
		return v, nil
	}
	switch {
	case isFloat(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Float()) }, nil
	case isInt(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(float64(src.Int())) }, nil
	case isUint(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(float64(src.Uint())) }, nil
	case isText(from):
		return func(src reflect.Value) (reflect.Value, error) {
			f, err := strconv.ParseFloat(strings.TrimSpace(text(src)), 64)
			if err != nil {
				return reflect.Value{}, err
			}
			return set(f)
		}, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

func buildBoolConverter(from, to reflect.Type) (convertFunc, error) {
	set := func(b bool) (reflect.Value, error) { return reflect.ValueOf(b).Convert(to), nil }
	switch {
	case from.Kind() == reflect.Bool:
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Bool()) }, nil
	case isInt(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Int() != 0) }, nil
	case isUint(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) { return set(src.Uint() != 0) }, nil
	case isText(from):
		return func(src reflect.Value) (reflect.Value, error) {
			b, err := strconv.ParseBool(strings.TrimSpace(text(src)))
			if err != nil {
				return reflect.Value{}, err
			}
			return set(b)
		}, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func buildTimeConverter(from reflect.Type) (convertFunc, error) {
	switch {
	case isText(from):
		return func(src reflect.Value) (reflect.Value, error) {
			s := strings.TrimSpace(text(src))
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return reflect.ValueOf(t), nil
				}
			}
			return reflect.Value{}, fmt.Errorf("cannot parse %q as time", s)
		}, nil
	case isInt(from.Kind()):
		return func(src reflect.Value) (reflect.Value, error) {
			return reflect.ValueOf(time.Unix(src.Int(), 0).UTC()), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to time.Time", from)
}

func buildSliceConverter(from, to reflect.Type) (convertFunc, error) {
	if to.Elem().Kind() == reflect.Uint8 && from.Kind() == reflect.String {
		return func(src reflect.Value) (reflect.Value, error) {
			return reflect.ValueOf([]byte(src.String())).Convert(to), nil
		}, nil
	}
	if from.Kind() == reflect.Slice || from.Kind() == reflect.Array {
		return func(src reflect.Value) (reflect.Value, error) {
			out := reflect.MakeSlice(to, src.Len(), src.Len())
			for i := 0; i < src.Len(); i++ {
				elem, err := ConvertValue(src.Index(i), to.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
				}
				out.Index(i).Set(elem)
			}
			return out, nil
		}, nil
	}
	if isText(from) {
		return jsonConverter(to), nil
	}
	return nil, fmt.Errorf("unsupported conversion from %s to %s", from, to)
}

// jsonConverter decodes textual column values into maps and slices.
func jsonConverter(to reflect.Type) convertFunc {
	return func(src reflect.Value) (reflect.Value, error) {
		p := reflect.New(to)
		if err := json.Unmarshal([]byte(text(src)), p.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return p.Elem(), nil
	}
}

func isInt(k reflect.Kind) bool   { return k >= reflect.Int && k <= reflect.Int64 }
func isUint(k reflect.Kind) bool  { return k >= reflect.Uint && k <= reflect.Uintptr }
func isFloat(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }

func isText(t reflect.Type) bool {
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

func text(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return string(v.Bytes())
}
