package cache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Key identifies one cached result: the statement, the variant, the rendered
// SQL and the bound argument values. Every component is length-prefixed, so
// two executions share a key only when all of their components are equal.
type Key string

// NewKey encodes a statement execution into a Key. variant separates results
// of the same statement and parameter that differ in shape, such as paging
// bounds or the query method.
func NewKey(statement, variant, sql string, args []any) Key {
	var b strings.Builder
	field(&b, statement)
	field(&b, variant)
	field(&b, sql)
	for _, a := range args {
		a = indirect(a)
		field(&b, fmt.Sprintf("%T:%#v", a, a))
	}
	return Key(b.String())
}

func field(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func indirect(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}
