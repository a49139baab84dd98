// Package generate derives the default CRUD statements for a struct type:
// select by key, select all, insert, update and delete. Columns come from
// the struct's db tags; fields tagged primary form the key.
package generate

import (
	"database/sql"
	"database/sql/driver"
	"reflect"
	"strings"
	"time"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

type options struct {
	namespace  string
	table      string
	dialect    dialect.Dialect
	cacheModel string
}

type Option func(*options)

// WithNamespace prefixes statement ids; the default is the snake_case type
// name.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithTable overrides the table name derived from the type.
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// WithDialect selects identifier quoting and the generated key strategy.
func WithDialect(d dialect.Dialect) Option {
	return func(o *options) { o.dialect = d }
}

// WithCacheModel attaches the generated selects to a cache model.
func WithCacheModel(id string) Option {
	return func(o *options) { o.cacheModel = id }
}

// Set is the statement family generated for one type. Keyed statements are
// nil when the type has no primary key; Update is nil when every column is
// part of the key.
type Set struct {
	Namespace string
	Table     string
	ResultMap *mapping.ResultMap

	Get    *mapping.Statement
	List   *mapping.Statement
	Insert *mapping.Statement
	Update *mapping.Statement
	Delete *mapping.Statement
}

// Statements returns the generated statements in a stable order.
func (s *Set) Statements() []*mapping.Statement {
	var out []*mapping.Statement
	for _, st := range []*mapping.Statement{s.Get, s.List, s.Insert, s.Update, s.Delete} {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

// Registrar accepts statements; *engine.Engine satisfies it.
type Registrar interface {
	AddStatement(*mapping.Statement) error
}

// Register adds every generated statement to r.
func (s *Set) Register(r Registrar) error {
	for _, st := range s.Statements() {
		if err := r.AddStatement(st); err != nil {
			return err
		}
	}
	return nil
}

// For generates the statements for T.
func For[T any](opts ...Option) (*Set, error) {
	return Statements(reflect.TypeFor[T](), opts...)
}

// Statements generates the statements for struct type t.
func Statements(t reflect.Type, opts ...Option) (*Set, error) {
	meta, err := schema.Introspect(t)
	if err != nil {
		return nil, errs.Configuration("", "generate: %v", err)
	}
	o := options{dialect: dialect.NewSQLiteDialect()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = schema.ToSnakeCase(meta.Name)
	}
	if o.table == "" {
		o.table = meta.Table
	}

	g := &generator{opts: o, meta: meta}
	for _, f := range meta.Fields {
		if columnar(f.Type) {
			g.columns = append(g.columns, f)
		}
	}
	if len(g.columns) == 0 {
		return nil, errs.Configuration("", "generate: %s has no mappable columns", meta.Name)
	}
	g.keys = meta.Keys
	if len(g.keys) == 1 && g.keys[0].Generator == "" && isInteger(g.keys[0].Type) {
		g.serial = g.keys[0]
	}
	return g.build()
}

type generator struct {
	opts    options
	meta    *schema.EntityMeta
	columns []*schema.FieldMeta
	keys    []*schema.FieldMeta
	serial  *schema.FieldMeta // database assigned integer key
}

func (g *generator) id(op string) string { return g.opts.namespace + "." + op }

func (g *generator) quote(name string) string { return g.opts.dialect.QuoteIdentifier(name) }

func (g *generator) build() (*Set, error) {
	s := &Set{
		Namespace: g.opts.namespace,
		Table:     g.opts.table,
		ResultMap: &mapping.ResultMap{ID: g.id("result"), Class: g.meta.Type, AutoMap: true},
	}

	selectCols := make([]string, len(g.columns))
	for i, f := range g.columns {
		selectCols[i] = g.quote(f.Column)
	}
	selectAll := "SELECT " + strings.Join(selectCols, ", ") + " FROM " + g.quote(g.opts.table)

	var err error
	if s.List, err = g.statement("list", mapping.Select, selectAll+g.orderBy()); err != nil {
		return nil, err
	}
	s.List.ResultMaps = []*mapping.ResultMap{s.ResultMap}
	s.List.CacheModel = g.opts.cacheModel

	if s.Insert, err = g.insert(); err != nil {
		return nil, err
	}
	if len(g.keys) == 0 {
		return s, nil
	}

	where := g.where()
	if s.Get, err = g.statement("get", mapping.Select, selectAll+where); err != nil {
		return nil, err
	}
	s.Get.ResultMaps = []*mapping.ResultMap{s.ResultMap}
	s.Get.CacheModel = g.opts.cacheModel

	var sets []string
	for _, f := range g.columns {
		if !f.Tag.Primary {
			sets = append(sets, g.quote(f.Column)+" = "+marker(f))
		}
	}
	if len(sets) > 0 {
		sql := "UPDATE " + g.quote(g.opts.table) + " SET " + strings.Join(sets, ", ") + where
		if s.Update, err = g.statement("update", mapping.Update, sql); err != nil {
			return nil, err
		}
	}
	if s.Delete, err = g.statement("delete", mapping.Delete, "DELETE FROM "+g.quote(g.opts.table)+where); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *generator) where() string {
	conds := make([]string, len(g.keys))
	for i, k := range g.keys {
		conds[i] = g.quote(k.Column) + " = " + marker(k)
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (g *generator) orderBy() string {
	if len(g.keys) == 0 {
		return ""
	}
	cols := make([]string, len(g.keys))
	for i, k := range g.keys {
		cols[i] = g.quote(k.Column)
	}
	return " ORDER BY " + strings.Join(cols, ", ")
}

func (g *generator) insert() (*mapping.Statement, error) {
	var cols, vals []string
	for _, f := range g.columns {
		if f == g.serial {
			continue
		}
		cols = append(cols, g.quote(f.Column))
		vals = append(vals, marker(f))
	}
	sql := "INSERT INTO " + g.quote(g.opts.table) + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"

	var sk *mapping.SelectKey
	switch {
	case g.serial != nil:
		sk = &mapping.SelectKey{Property: g.serial.Name, Type: g.serial.Type}
		switch g.opts.dialect.Name() {
		case "postgres":
			sk.Policy = mapping.KeyReturning
			sql += " RETURNING " + g.quote(g.serial.Column)
		case "mysql", "tidb":
			sk.Policy = mapping.KeyPostGenerated
			sk.SQL = dynamic.MustCompile([]dynamic.Node{dynamic.Text("SELECT LAST_INSERT_ID()")})
		default:
			sk.Policy = mapping.KeyPostGenerated
			sk.SQL = dynamic.MustCompile([]dynamic.Node{dynamic.Text("SELECT last_insert_rowid()")})
		}
	case len(g.keys) == 1 && g.keys[0].Generator != "":
		k := g.keys[0]
		sk = &mapping.SelectKey{Policy: mapping.KeyPreGenerated, Property: k.Name, Generator: k.Generator}
	}

	st, err := g.statement("insert", mapping.Insert, sql)
	if err != nil {
		return nil, err
	}
	st.SelectKey = sk
	return st, nil
}

func (g *generator) statement(op string, kind mapping.StatementKind, sql string) (*mapping.Statement, error) {
	tree, err := dynamic.Compile([]dynamic.Node{dynamic.Text(sql)})
	if err != nil {
		return nil, err
	}
	return &mapping.Statement{ID: g.id(op), Kind: kind, SQL: tree}, nil
}

// marker renders the inline parameter for a field, carrying its declared
// database type and handler.
func marker(f *schema.FieldMeta) string {
	var attrs []string
	if f.Tag.Type != "" {
		attrs = append(attrs, "dbType="+f.Tag.Type)
	}
	if f.Tag.Handler != "" {
		attrs = append(attrs, "handler="+f.Tag.Handler)
	}
	if len(attrs) == 0 {
		return "#" + f.Name + "#"
	}
	return "#" + f.Name + "," + strings.Join(attrs, ",") + "#"
}

var (
	timeType    = reflect.TypeFor[time.Time]()
	valuerType  = reflect.TypeFor[driver.Valuer]()
	scannerType = reflect.TypeFor[sql.Scanner]()
)

// columnar reports whether a field holds a single column value rather than
// a nested object or collection.
func columnar(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == timeType || t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return true
	}
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Map, reflect.Struct, reflect.Func, reflect.Chan, reflect.Interface:
		return false
	}
	return true
}

func isInteger(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
