package dynamic

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// Binding is one bound parameter, in placeholder order.
type Binding struct {
	Path    string // concrete property path, indexed inside iterations ("ids[2]")
	Value   any
	DbType  string
	Handler string
}

// Result is the rendered SQL and its bindings.
type Result struct {
	SQL      string
	Bindings []Binding
}

// Args returns the binding values in order.
func (r *Result) Args() []any {
	args := make([]any, len(r.Bindings))
	for i, b := range r.Bindings {
		args[i] = b.Value
	}
	return args
}

// EvalOptions configures one evaluation.
type EvalOptions struct {
	// Dialect renders placeholders; nil renders '?'.
	Dialect dialect.Dialect
	// ParameterMap fills bare '?' slots in order. Without one, '?' is
	// literal text.
	ParameterMap []Marker
}

type frame struct {
	prefix string // "<iterate property>[]"
	item   string
	path   string // concrete path of the collection
	index  int
	elem   any
}

type evaluator struct {
	param      any
	opts       EvalOptions
	preserve   bool
	bindings   []Binding
	frames     []frame
	positional int
}

var evaluatorPool = sync.Pool{
	New: func() any {
		return &evaluator{bindings: make([]Binding, 0, 8), frames: make([]frame, 0, 2)}
	},
}

func newEvaluator(param any, opts EvalOptions, preserve bool) *evaluator {
	e := evaluatorPool.Get().(*evaluator)
	e.param = param
	e.opts = opts
	e.preserve = preserve
	return e
}

func (e *evaluator) release() {
	e.param = nil
	e.opts = EvalOptions{}
	clear(e.bindings)
	e.bindings = e.bindings[:0]
	clear(e.frames)
	e.frames = e.frames[:0]
	e.positional = 0
	evaluatorPool.Put(e)
}

// Evaluate renders the tree for param. Fragments are visited depth-first in
// document order, so bindings follow placeholder order.
func (t *Tree) Evaluate(param any, opts EvalOptions) (*Result, error) {
	e := newEvaluator(param, opts, t.preserve)
	defer e.release()

	var sql string
	if t.static {
		var err error
		if sql, err = t.renderStatic(e); err != nil {
			return nil, err
		}
	} else {
		var err error
		if sql, err = e.scope(t.nodes); err != nil {
			return nil, err
		}
	}

	if opts.ParameterMap != nil && e.positional != len(opts.ParameterMap) {
		return nil, errs.Configuration("", "parameter map has %d entries but the statement has %d placeholders",
			len(opts.ParameterMap), e.positional)
	}

	return &Result{SQL: sql, Bindings: append([]Binding(nil), e.bindings...)}, nil
}

// renderStatic binds every marker of a literal-only tree and reuses the SQL
// text rendered on first use for the dialect.
func (t *Tree) renderStatic(e *evaluator) (string, error) {
	key := "?"
	if e.opts.Dialect != nil {
		key = e.opts.Dialect.Name()
	}
	if e.opts.ParameterMap != nil {
		key += "+map"
	}
	if cached, ok := t.staticSQL.Load(key); ok {
		for _, n := range t.nodes {
			for _, tok := range n.tokens {
				if _, err := e.bindToken(tok); err != nil {
					return "", err
				}
			}
		}
		return cached.(string), nil
	}
	sql, err := e.scope(t.nodes)
	if err != nil {
		return "", err
	}
	t.staticSQL.Store(key, sql)
	return sql, nil
}

// scope renders sibling fragments. A fragment's prepend is written only when
// the fragment produced output and an earlier sibling already did.
func (e *evaluator) scope(nodes []cnode) (string, error) {
	var out strings.Builder
	contributed := false
	for i := range nodes {
		n := &nodes[i]
		body, err := e.node(n)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		if contributed && n.prepend != "" {
			e.join(&out, n.prepend)
		}
		e.join(&out, body)
		contributed = true
	}
	return out.String(), nil
}

func (e *evaluator) node(n *cnode) (string, error) {
	switch n.kind {
	case KindLiteral:
		return e.literal(n)
	case KindDynamic:
		return e.scope(n.children)
	case KindConditional:
		ok, err := e.test(n)
		if err != nil || !ok {
			return "", err
		}
		return e.scope(n.children)
	case KindIterate:
		return e.iterate(n)
	}
	return "", errs.Configuration("", "unknown fragment kind %d", n.kind)
}

func (e *evaluator) literal(n *cnode) (string, error) {
	var b strings.Builder
	for _, tok := range n.tokens {
		s, err := e.bindToken(tok)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	if e.preserve {
		return b.String(), nil
	}
	return strings.TrimSpace(b.String()), nil
}

// bindToken records the binding a token carries and returns its SQL text.
func (e *evaluator) bindToken(tok token) (string, error) {
	switch tok.kind {
	case tokText:
		return tok.text, nil

	case tokParam:
		return e.bind(tok.marker)

	case tokInline:
		v, _, err := e.resolve(tok.marker.Path)
		if err != nil {
			return "", err
		}
		v = deref(v)
		if v == nil {
			return "", nil
		}
		return fmt.Sprint(v), nil

	case tokPositional:
		if e.opts.ParameterMap == nil {
			return "?", nil
		}
		if e.positional >= len(e.opts.ParameterMap) {
			return "", errs.Configuration("", "statement has more placeholders than its parameter map has entries (%d)",
				len(e.opts.ParameterMap))
		}
		m := e.opts.ParameterMap[e.positional]
		e.positional++
		return e.bind(m)
	}
	return "", nil
}

func (e *evaluator) bind(m Marker) (string, error) {
	v, path, err := e.resolve(m.Path)
	if err != nil {
		return "", err
	}
	if m.HasNullValue && v != nil {
		if d := deref(v); d == nil || fmt.Sprint(d) == m.NullValue {
			v = nil
		}
	}
	e.bindings = append(e.bindings, Binding{Path: path, Value: v, DbType: m.DbType, Handler: m.Handler})
	if e.opts.Dialect == nil {
		return "?", nil
	}
	return e.opts.Dialect.Placeholder(len(e.bindings)), nil
}

func (e *evaluator) iterate(n *cnode) (string, error) {
	coll, path, err := e.resolve(n.prop)
	if err != nil {
		return "", err
	}
	rv := reflect.ValueOf(coll)
	for rv.IsValid() && (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return "", nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return "", nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return "", errs.Unresolved(path, "not a collection: "+rv.Type().String())
	}

	var out strings.Builder
	emitted := false
	for i := 0; i < rv.Len(); i++ {
		e.frames = append(e.frames, frame{
			prefix: n.prop + "[]",
			item:   n.item,
			path:   path,
			index:  i,
			elem:   rv.Index(i).Interface(),
		})
		body, err := e.scope(n.children)
		e.frames = e.frames[:len(e.frames)-1]
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		if emitted && n.conj != "" {
			e.join(&out, n.conj)
		}
		e.join(&out, body)
		emitted = true
	}
	if !emitted {
		return "", nil
	}

	var b strings.Builder
	if open := strings.TrimSpace(n.open); open != "" {
		b.WriteString(open)
	}
	e.join(&b, out.String())
	if cl := strings.TrimSpace(n.close); cl != "" {
		e.join(&b, cl)
	}
	return b.String(), nil
}

// join appends piece to b, separating with one space except after an
// opening parenthesis and before a closing parenthesis or comma.
func (e *evaluator) join(b *strings.Builder, piece string) {
	if e.preserve {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), " ") && !strings.HasPrefix(piece, " ") {
			b.WriteByte(' ')
		}
		b.WriteString(piece)
		return
	}
	piece = strings.TrimSpace(piece)
	if piece == "" {
		return
	}
	if b.Len() > 0 {
		s := b.String()
		last := s[len(s)-1]
		first := piece[0]
		if last != '(' && last != ' ' && first != ')' && first != ',' {
			b.WriteByte(' ')
		}
	}
	b.WriteString(piece)
}

// locate finds the object a path applies to: the current element of an
// enclosing iterate, or the parameter. It returns that object, the path
// relative to it, and the concrete binding path.
func (e *evaluator) locate(raw string) (obj any, rel string, concrete string, err error) {
	for i := len(e.frames) - 1; i >= 0; i-- {
		f := &e.frames[i]
		var rest string
		switch {
		case raw == f.prefix || strings.HasPrefix(raw, f.prefix+"."):
			rest = raw[len(f.prefix):]
		case f.item != "" && (raw == f.item || strings.HasPrefix(raw, f.item+".")):
			rest = raw[len(f.item):]
		default:
			continue
		}
		return f.elem, strings.TrimPrefix(rest, "."), f.path + "[" + strconv.Itoa(f.index) + "]" + rest, nil
	}
	if strings.Contains(raw, "[]") {
		return nil, "", raw, errs.Unresolved(raw, "element reference outside of an iterate")
	}
	return e.param, raw, raw, nil
}

func (e *evaluator) resolve(raw string) (any, string, error) {
	obj, rel, concrete, err := e.locate(raw)
	if err != nil {
		return nil, concrete, err
	}
	if rel == "" {
		return obj, concrete, nil
	}
	p, err := schema.CompilePath(rel)
	if err != nil {
		return nil, concrete, err
	}
	v, err := p.Get(obj)
	if err != nil {
		if ue, ok := err.(*errs.Error); ok && ue.Path != concrete {
			ue.Path = concrete
		}
		return nil, concrete, err
	}
	return v, concrete, nil
}

func (e *evaluator) available(raw string) bool {
	obj, rel, _, err := e.locate(raw)
	if err != nil {
		return false
	}
	if rel == "" {
		return obj != nil
	}
	p, err := schema.CompilePath(rel)
	if err != nil {
		return false
	}
	return p.Has(obj)
}
