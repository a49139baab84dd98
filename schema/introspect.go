package schema

import (
	"fmt"
	"reflect"
	"sync"
)

var entityCache sync.Map // map[reflect.Type]*EntityMeta

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// Introspect returns the cached metadata for a struct type (or pointer to one).
func Introspect(t reflect.Type) (*EntityMeta, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("invalid model type: %s", t.Kind())
	}
	if meta, ok := entityCache.Load(t); ok {
		return meta.(*EntityMeta), nil
	}
	meta, err := buildMeta(t)
	if err != nil {
		return nil, err
	}
	actual, _ := entityCache.LoadOrStore(t, meta)
	return actual.(*EntityMeta), nil
}

func buildMeta(t reflect.Type) (*EntityMeta, error) {
	meta := &EntityMeta{
		Type:      t,
		Name:      t.Name(),
		FieldMap:  make(map[string]*FieldMeta),
		ColumnMap: make(map[string]*FieldMeta),
		folded:    make(map[string]*FieldMeta),
	}
	meta.Table = tableName(t)

	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() {
			continue
		}
		tag, err := ParseTag(sf.Name, sf.Tag)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		if tag.Skip {
			continue
		}
		// Embedded structs contribute their promoted fields, not themselves.
		if sf.Anonymous && indirectType(sf.Type).Kind() == reflect.Struct && sf.Tag.Get("db") == "" {
			continue
		}

		f := &FieldMeta{
			Name:      sf.Name,
			Column:    tag.ColumnName,
			Type:      sf.Type,
			Index:     sf.Index,
			Tag:       tag,
			Generator: tag.Generator,
		}
		meta.Fields = append(meta.Fields, f)
		meta.FieldMap[f.Name] = f
		meta.ColumnMap[f.Column] = f
		if tag.Primary {
			meta.Keys = append(meta.Keys, f)
		}
	}

	// Folded names are ambiguous-safe: the first field claiming a name keeps it.
	for _, f := range meta.Fields {
		for _, n := range []string{f.Name, f.Column} {
			key := FoldName(n)
			if _, taken := meta.folded[key]; !taken {
				meta.folded[key] = f
			}
		}
	}
	return meta, nil
}

func tableName(t reflect.Type) string {
	if reflect.PointerTo(t).Implements(tableNamerType) {
		return reflect.New(t).Interface().(TableNamer).TableName()
	}
	if t.Implements(tableNamerType) {
		return reflect.Zero(t).Interface().(TableNamer).TableName()
	}
	return pluralize(toSnakeCase(t.Name()))
}

func indirectType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
