package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
)

// Registry receives the descriptors built from mapper files;
// *engine.Engine satisfies it.
type Registry interface {
	AddCacheModel(*cache.Model) error
	AddStatement(*mapping.Statement) error
	Validate() error
}

// Mappers is the result of building a set of mapper files.
type Mappers struct {
	CacheModels []*cache.Model
	Statements  []*mapping.Statement
}

// Register adds cache models, then statements, then validates references
// between statements.
func (m *Mappers) Register(r Registry) error {
	for _, c := range m.CacheModels {
		if err := r.AddCacheModel(c); err != nil {
			return err
		}
	}
	for _, s := range m.Statements {
		if err := r.AddStatement(s); err != nil {
			return err
		}
	}
	return r.Validate()
}

// Build turns mapper files into descriptors. References between files are
// resolved, so result maps and parameter maps may be shared across
// namespaces.
func Build(files []*MapperFile, types *Types, defaults Options) (*Mappers, error) {
	if types == nil {
		types = NewTypes()
	}
	b := &builder{
		types:      types,
		defaults:   defaults,
		resultMaps: make(map[string]*mapping.ResultMap),
		paramMaps:  make(map[string]*mapping.ParameterMap),
	}
	out := &Mappers{}

	// Maps first so statements can refer to maps declared in any file.
	for _, f := range files {
		for _, doc := range f.ParameterMaps {
			pm, err := b.parameterMap(f, doc)
			if err != nil {
				return nil, f.wrap(err)
			}
			if _, dup := b.paramMaps[pm.ID]; dup {
				return nil, f.wrap(errs.Configuration("", "duplicate parameter map %q", pm.ID))
			}
			b.paramMaps[pm.ID] = pm
		}
		for _, doc := range f.ResultMaps {
			rm, err := b.resultMap(f, doc)
			if err != nil {
				return nil, f.wrap(err)
			}
			if _, dup := b.resultMaps[rm.ID]; dup {
				return nil, f.wrap(errs.Configuration("", "duplicate result map %q", rm.ID))
			}
			b.resultMaps[rm.ID] = rm
		}
	}
	for _, f := range files {
		for _, doc := range f.CacheModels {
			m, err := b.cacheModel(f, doc)
			if err != nil {
				return nil, f.wrap(err)
			}
			out.CacheModels = append(out.CacheModels, m)
		}
		for _, doc := range f.Statements {
			s, err := b.statement(f, doc)
			if err != nil {
				return nil, f.wrap(err)
			}
			out.Statements = append(out.Statements, s)
		}
	}
	return out, nil
}

type builder struct {
	types      *Types
	defaults   Options
	resultMaps map[string]*mapping.ResultMap
	paramMaps  map[string]*mapping.ParameterMap
}

// qualify prefixes a local id with the file's namespace. Ids that already
// contain a dot are taken as global.
func (f *MapperFile) qualify(id string) string {
	if id == "" || f.Namespace == "" || strings.Contains(id, ".") {
		return id
	}
	return f.Namespace + "." + id
}

func (f *MapperFile) wrap(err error) error {
	if f.path == "" {
		return err
	}
	return fmt.Errorf("%s: %w", f.path, err)
}

func (b *builder) cacheModel(f *MapperFile, doc CacheModelDoc) (*cache.Model, error) {
	id := f.qualify(doc.ID)
	policy, err := cache.ParsePolicy(doc.Policy)
	if err != nil {
		return nil, errs.Configuration("", "cache model %q: %v", id, err)
	}
	flush := make([]string, len(doc.FlushOnExecute))
	for i, s := range doc.FlushOnExecute {
		flush[i] = f.qualify(s)
	}
	return cache.New(cache.Options{
		ID:             id,
		Policy:         policy,
		Size:           doc.Size,
		FlushInterval:  doc.FlushInterval,
		FlushOnExecute: flush,
	})
}

func (b *builder) parameterMap(f *MapperFile, doc ParameterMapDoc) (*mapping.ParameterMap, error) {
	pm := &mapping.ParameterMap{ID: f.qualify(doc.ID)}
	for _, p := range doc.Parameters {
		if p.Property == "" {
			return nil, errs.Configuration("", "parameter map %q has a parameter without a property", pm.ID)
		}
		m := dynamic.Marker{Path: p.Property, DbType: p.DbType, Handler: p.TypeHandler}
		if p.NullValue != nil {
			m.NullValue, m.HasNullValue = *p.NullValue, true
		}
		pm.Markers = append(pm.Markers, m)
	}
	return pm, nil
}

func (b *builder) resultMap(f *MapperFile, doc ResultMapDoc) (*mapping.ResultMap, error) {
	rm := &mapping.ResultMap{ID: f.qualify(doc.ID), AutoMap: true}
	if doc.AutoMap != nil {
		rm.AutoMap = *doc.AutoMap
	}
	if doc.Class != "" {
		t, err := b.types.Lookup(doc.Class)
		if err != nil {
			return nil, errs.Configuration("", "result map %q: %v", rm.ID, err)
		}
		rm.Class = t
	}
	for _, p := range doc.Properties {
		rp := mapping.ResultProperty{
			Property:    p.Property,
			Column:      p.Column,
			ColumnIndex: p.ColumnIndex,
			NullValue:   p.NullValue,
			TypeHandler: p.TypeHandler,
		}
		if p.Type != "" {
			t, err := b.types.Lookup(p.Type)
			if err != nil {
				return nil, errs.Configuration("", "result map %q property %q: %v", rm.ID, p.Property, err)
			}
			rp.Type = t
		}
		rm.Properties = append(rm.Properties, rp)
	}
	for _, p := range doc.PostSelects {
		keys, err := mapping.ParseKeyColumns(p.Column)
		if err != nil {
			return nil, err
		}
		strategy, err := parseStrategy(p.Strategy)
		if err != nil {
			return nil, errs.Configuration("", "result map %q post-select %q: %v", rm.ID, p.Property, err)
		}
		rm.PostSelects = append(rm.PostSelects, mapping.PostSelect{
			Property:  p.Property,
			Statement: f.qualify(p.Statement),
			Keys:      keys,
			Strategy:  strategy,
			Source:    p.Source,
		})
	}
	if err := rm.Validate(); err != nil {
		return nil, err
	}
	return rm, nil
}

func (b *builder) statement(f *MapperFile, doc StatementDoc) (*mapping.Statement, error) {
	id := f.qualify(doc.ID)
	kind, ok := mapping.ParseKind(doc.Kind)
	if !ok {
		return nil, errs.Configuration(id, "unknown statement kind %q", doc.Kind)
	}
	tree, err := b.compile(id, doc.SQL, doc.PreserveWhitespace)
	if err != nil {
		return nil, err
	}
	s := &mapping.Statement{
		ID:         id,
		Kind:       kind,
		SQL:        tree,
		CacheModel: f.qualify(doc.CacheModel),
		Remap:      doc.Remap,
		Timeout:    doc.Timeout,
	}
	if s.Timeout == 0 {
		s.Timeout = b.defaults.DefaultTimeout
	}
	if doc.ParameterMap != "" {
		pm, ok := b.paramMaps[f.qualify(doc.ParameterMap)]
		if !ok {
			return nil, errs.Configuration(id, "unknown parameter map %q", doc.ParameterMap)
		}
		s.ParameterMap = pm
	}
	for _, name := range doc.ResultMap {
		rm, ok := b.resultMaps[f.qualify(name)]
		if !ok {
			return nil, errs.Configuration(id, "unknown result map %q", name)
		}
		s.ResultMaps = append(s.ResultMaps, rm)
	}
	if doc.ResultClass != "" {
		if s.ResultClass, err = b.types.Lookup(doc.ResultClass); err != nil {
			return nil, errs.Configuration(id, "result class: %v", err)
		}
	}
	if doc.SelectKey != nil {
		if s.SelectKey, err = b.selectKey(id, doc.SelectKey); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *builder) selectKey(id string, doc *SelectKeyDoc) (*mapping.SelectKey, error) {
	sk := &mapping.SelectKey{Property: doc.Property, Generator: doc.Generator}
	switch strings.ToLower(doc.Policy) {
	case "", "pre":
		sk.Policy = mapping.KeyPreGenerated
		if doc.Generator == "" && len(doc.SQL) == 0 {
			sk.Policy = mapping.KeyNone
		}
	case "post":
		sk.Policy = mapping.KeyPostGenerated
	case "returning":
		sk.Policy = mapping.KeyReturning
	default:
		return nil, errs.Configuration(id, "unknown selectKey policy %q", doc.Policy)
	}
	if len(doc.SQL) > 0 {
		tree, err := b.compile(id, doc.SQL, false)
		if err != nil {
			return nil, err
		}
		sk.SQL = tree
	}
	if doc.Type != "" {
		t, err := b.types.Lookup(doc.Type)
		if err != nil {
			return nil, errs.Configuration(id, "selectKey type: %v", err)
		}
		sk.Type = t
	}
	return sk, nil
}

func (b *builder) compile(id string, body Fragments, preserve bool) (*dynamic.Tree, error) {
	if len(body) == 0 {
		return nil, errs.Configuration(id, "statement has no SQL")
	}
	nodes, err := fragmentNodes(body)
	if err != nil {
		return nil, errs.Configuration(id, "%v", err)
	}
	var opts []dynamic.Option
	if preserve {
		opts = append(opts, dynamic.PreserveWhitespace())
	}
	tree, err := dynamic.Compile(nodes, opts...)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Statement == "" {
			e.Statement = id
		}
		return nil, err
	}
	return tree, nil
}

func fragmentNodes(body Fragments) ([]dynamic.Node, error) {
	nodes := make([]dynamic.Node, 0, len(body))
	for _, f := range body {
		n, err := fragmentNode(f)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func fragmentNode(f Fragment) (dynamic.Node, error) {
	if f.Kind == "text" {
		return dynamic.Text(f.Text), nil
	}
	children, err := fragmentNodes(f.Body.SQL)
	if err != nil {
		return dynamic.Node{}, err
	}
	body := f.Body
	switch f.Kind {
	case "dynamic":
		return dynamic.Dynamic(body.Prepend, children...), nil
	case "iterate":
		n := dynamic.Iterate(body.Property, body.Open, body.Conjunction, body.Close, body.Prepend, children...)
		if body.Item != "" {
			n = n.As(body.Item)
		}
		return n, nil
	}
	test, ok := dynamic.ParseTest(f.Kind)
	if !ok {
		return dynamic.Node{}, fmt.Errorf("line %d: unknown fragment %q", f.Line, f.Kind)
	}
	switch {
	case body.CompareProperty != "":
		return dynamic.CompareTo(test, body.Property, body.CompareProperty, body.Prepend, children...), nil
	case body.CompareValue != nil:
		return dynamic.Compare(test, body.Property, body.CompareValue, body.Prepend, children...), nil
	}
	return dynamic.When(test, body.Property, body.Prepend, children...), nil
}

func parseStrategy(s string) (mapping.Strategy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return mapping.StrategyAuto, nil
	case "object":
		return mapping.StrategyObject, nil
	case "list":
		return mapping.StrategyList, nil
	case "iterate":
		return mapping.StrategyIterate, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}
