package dynamic

import (
	"strings"
	"sync"
	"unicode"

	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

// Marker describes one parameter binding: the inline "#...#" form, or an
// entry of an explicit parameter map filling a bare '?'.
type Marker struct {
	Path         string
	DbType       string
	Handler      string
	NullValue    string
	HasNullValue bool
}

type tokenKind uint8

const (
	tokText tokenKind = iota
	tokParam
	tokInline
	tokPositional
)

type token struct {
	kind   tokenKind
	text   string // tokText
	marker Marker // tokParam, tokInline (Path only)
}

type cnode struct {
	kind     Kind
	tokens   []token
	test     Test
	prop     string
	cmpProp  string
	cmpValue any
	prepend  string
	open     string
	close    string
	conj     string
	item     string
	children []cnode
}

// Tree is a compiled, immutable fragment tree. It is safe for concurrent use.
type Tree struct {
	nodes    []cnode
	preserve bool

	// A tree of plain literals renders to the same text for every
	// parameter; the text is kept per dialect.
	static    bool
	staticSQL sync.Map // dialect name -> string
}

// Option configures Compile.
type Option func(*Tree)

// PreserveWhitespace keeps literal text exactly as written instead of
// collapsing whitespace runs.
func PreserveWhitespace() Option {
	return func(t *Tree) { t.preserve = true }
}

// Compile validates nodes and prepares them for evaluation. Malformed trees
// are reported as configuration errors.
func Compile(nodes []Node, opts ...Option) (*Tree, error) {
	t := &Tree{}
	for _, opt := range opts {
		opt(t)
	}
	c := compiler{preserve: t.preserve}
	compiled, err := c.nodes(nodes, nil)
	if err != nil {
		return nil, err
	}
	t.nodes = compiled
	t.static = isStatic(compiled)
	return t, nil
}

// MustCompile is Compile for trees known to be valid.
func MustCompile(nodes []Node, opts ...Option) *Tree {
	t, err := Compile(nodes, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Static reports whether the tree consists of literal text only.
func (t *Tree) Static() bool { return t.static }

func isStatic(nodes []cnode) bool {
	for _, n := range nodes {
		if n.kind != KindLiteral {
			return false
		}
		for _, tok := range n.tokens {
			if tok.kind == tokInline {
				return false
			}
		}
	}
	return true
}

type compiler struct {
	preserve bool
}

// loops holds the property paths and aliases of the enclosing iterates.
func (c compiler) nodes(nodes []Node, loops []string) ([]cnode, error) {
	out := make([]cnode, 0, len(nodes))
	for _, n := range nodes {
		cn, err := c.node(n, loops)
		if err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, nil
}

func (c compiler) node(n Node, loops []string) (cnode, error) {
	cn := cnode{kind: n.Kind, prepend: strings.TrimSpace(n.Prepend)}

	switch n.Kind {
	case KindLiteral:
		if len(n.Children) > 0 {
			return cn, errs.Configuration("", "text fragment cannot have children")
		}
		tokens, err := tokenize(n.Text, c.preserve)
		if err != nil {
			return cn, err
		}
		for _, tok := range tokens {
			if tok.kind == tokParam || tok.kind == tokInline {
				if err := checkPath(tok.marker.Path, loops); err != nil {
					return cn, err
				}
			}
		}
		cn.tokens = tokens
		return cn, nil

	case KindDynamic:
		if n.Test != 0 {
			return cn, errs.Configuration("", "dynamic fragment cannot carry a test")
		}

	case KindConditional:
		if _, ok := testNames[n.Test]; !ok {
			return cn, errs.Configuration("", "conditional fragment has unknown test %d", n.Test)
		}
		if n.Test.needsProperty() && strings.TrimSpace(n.Property) == "" {
			return cn, errs.Configuration("", "%s requires a property", n.Test)
		}
		hasProp, hasValue := n.CompareProperty != "", n.CompareValue != nil
		if n.Test.compares() {
			if hasProp == hasValue {
				return cn, errs.Configuration("", "%s on %q requires exactly one of compareProperty or compareValue", n.Test, n.Property)
			}
		} else if hasProp || hasValue {
			return cn, errs.Configuration("", "%s on %q does not take a compare operand", n.Test, n.Property)
		}
		for _, p := range []string{n.Property, n.CompareProperty} {
			if p != "" {
				if err := checkPath(p, loops); err != nil {
					return cn, err
				}
			}
		}
		cn.test = n.Test
		cn.prop = strings.TrimSpace(n.Property)
		cn.cmpProp = strings.TrimSpace(n.CompareProperty)
		cn.cmpValue = n.CompareValue

	case KindIterate:
		if n.Property != "" {
			if err := checkPath(n.Property, loops); err != nil {
				return cn, err
			}
		}
		cn.prop = strings.TrimSpace(n.Property)
		cn.open = n.Open
		cn.close = n.Close
		cn.conj = strings.TrimSpace(n.Conjunction)
		cn.item = strings.TrimSpace(n.Item)
		loops = append(loops[:len(loops):len(loops)], cn.prop+"[]")
		if cn.item != "" {
			loops = append(loops, cn.item)
		}

	default:
		return cn, errs.Configuration("", "unknown fragment kind %d", n.Kind)
	}

	children, err := c.nodes(n.Children, loops)
	if err != nil {
		return cn, err
	}
	cn.children = children
	return cn, nil
}

// checkPath validates a property path. "[]" element references must name an
// enclosing iterate.
func checkPath(path string, loops []string) error {
	if strings.Contains(path, "[]") {
		ok := false
		for _, l := range loops {
			if strings.HasPrefix(path, l) {
				ok = true
				break
			}
		}
		if !ok {
			return errs.Configuration("", "property %q refers to an element outside of an enclosing iterate", path)
		}
		path = strings.ReplaceAll(path, "[]", "[0]")
	}
	_, err := schema.CompilePath(path)
	return err
}

// tokenize splits literal text into text, marker and positional tokens.
func tokenize(s string, preserve bool) ([]token, error) {
	var (
		tokens []token
		buf    strings.Builder
		quoted bool
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		if !preserve {
			text = collapseSpace(text)
		}
		tokens = append(tokens, token{kind: tokText, text: text})
		buf.Reset()
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			quoted = !quoted
			buf.WriteByte(ch)

		case ch == '#':
			if i+1 < len(s) && s[i+1] == '#' {
				buf.WriteByte('#')
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '#')
			if end < 0 {
				return nil, errs.Configuration("", "unterminated parameter marker in %q", s)
			}
			m, err := parseMarker(s[i+1 : i+1+end])
			if err != nil {
				return nil, err
			}
			flush()
			tokens = append(tokens, token{kind: tokParam, marker: m})
			i += end + 1

		case ch == '$':
			if i+1 < len(s) && s[i+1] == '$' {
				buf.WriteByte('$')
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '$')
			if end < 0 || !isPathText(s[i+1:i+1+end]) {
				// not an inline marker ($1, dollar quoting, json paths)
				buf.WriteByte(ch)
				continue
			}
			flush()
			tokens = append(tokens, token{kind: tokInline, marker: Marker{Path: s[i+1 : i+1+end]}})
			i += end + 1

		case ch == '?' && !quoted:
			flush()
			tokens = append(tokens, token{kind: tokPositional})

		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return tokens, nil
}

// parseMarker parses the inside of a "#...#" marker.
func parseMarker(body string) (Marker, error) {
	var m Marker
	body = strings.TrimSpace(body)

	if strings.ContainsAny(body, ",=") {
		parts := strings.Split(body, ",")
		m.Path = strings.TrimSpace(parts[0])
		for _, kv := range parts[1:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return m, errs.Configuration("", "malformed parameter marker #%s#", body)
			}
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
			switch key {
			case "type", "dbType", "jdbcType":
				m.DbType = value
			case "handler", "typeHandler":
				m.Handler = value
			case "nullValue":
				m.NullValue, m.HasNullValue = value, true
			default:
				return m, errs.Configuration("", "unknown parameter marker attribute %q in #%s#", key, body)
			}
		}
	} else if parts := strings.Split(body, ":"); len(parts) > 1 {
		if len(parts) > 3 {
			return m, errs.Configuration("", "malformed parameter marker #%s#", body)
		}
		m.Path = strings.TrimSpace(parts[0])
		m.DbType = strings.TrimSpace(parts[1])
		if len(parts) == 3 {
			m.NullValue, m.HasNullValue = strings.TrimSpace(parts[2]), true
		}
	} else {
		m.Path = body
	}

	if m.Path == "" {
		return m, errs.Configuration("", "empty parameter marker")
	}
	return m, nil
}

func isPathText(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '[' || r == ']') {
			return false
		}
	}
	// "$1" style positional references stay literal.
	return !unicode.IsDigit(rune(s[0]))
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	if space {
		b.WriteByte(' ')
	}
	return b.String()
}
