package schema

import "reflect"

// EntityMeta describes the mappable fields of a struct type.
type EntityMeta struct {
	Type      reflect.Type
	Name      string
	Table     string
	Fields    []*FieldMeta
	FieldMap  map[string]*FieldMeta // Go field name -> FieldMeta
	ColumnMap map[string]*FieldMeta // column name -> FieldMeta
	Keys      []*FieldMeta          // fields tagged primary

	folded map[string]*FieldMeta
}

// Lookup finds a field by Go name, column name, or case/underscore-insensitive
// form of either.
func (m *EntityMeta) Lookup(name string) (*FieldMeta, bool) {
	if f, ok := m.FieldMap[name]; ok {
		return f, true
	}
	if f, ok := m.ColumnMap[name]; ok {
		return f, true
	}
	f, ok := m.folded[FoldName(name)]
	return f, ok
}

type FieldMeta struct {
	Name      string
	Column    string
	Type      reflect.Type
	Index     []int
	Tag       *ParsedTag
	Generator string
}

// TableNamer lets a type choose its own table name.
type TableNamer interface {
	TableName() string
}
