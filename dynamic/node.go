// Package dynamic composes SQL text from a tree of fragments and a runtime
// parameter object.
//
// A statement body is a list of Nodes: literal text, conditional fragments
// guarded by a predicate on the parameter, iterations over a collection, and
// plain containers. Compile validates the tree once; Tree.Evaluate renders it
// for a parameter, producing SQL with dialect placeholders and the ordered
// parameter bindings.
//
// Literal text may carry parameter markers:
//
//	#path#                           bind the value at path
//	#path:DBTYPE#                    ... with a declared database type
//	#path:DBTYPE:NULLVALUE#          ... binding NULL when the value equals NULLVALUE
//	#path,dbType=..,handler=..,nullValue=..#
//	$path$                           inline the value as text (no binding)
//	##  $$                           literal '#' and '$'
//
// Inside an iterate over "ids", "#ids[]#" denotes the current element and
// "#ids[].name#" a property of it; an Item alias names the element directly.
package dynamic

// Kind discriminates Node variants.
type Kind uint8

const (
	KindLiteral Kind = iota + 1
	KindDynamic
	KindConditional
	KindIterate
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "text"
	case KindDynamic:
		return "dynamic"
	case KindConditional:
		return "conditional"
	case KindIterate:
		return "iterate"
	}
	return "unknown"
}

// Test is the predicate of a conditional fragment.
type Test uint8

const (
	IsEqual Test = iota + 1
	IsNotEqual
	IsGreaterThan
	IsGreaterEqual
	IsLessThan
	IsLessEqual
	IsNull
	IsNotNull
	IsEmpty
	IsNotEmpty
	IsParameterPresent
	IsNotParameterPresent
	IsPropertyAvailable
	IsNotPropertyAvailable
)

var testNames = map[Test]string{
	IsEqual:                "isEqual",
	IsNotEqual:             "isNotEqual",
	IsGreaterThan:          "isGreaterThan",
	IsGreaterEqual:         "isGreaterEqual",
	IsLessThan:             "isLessThan",
	IsLessEqual:            "isLessEqual",
	IsNull:                 "isNull",
	IsNotNull:              "isNotNull",
	IsEmpty:                "isEmpty",
	IsNotEmpty:             "isNotEmpty",
	IsParameterPresent:     "isParameterPresent",
	IsNotParameterPresent:  "isNotParameterPresent",
	IsPropertyAvailable:    "isPropertyAvailable",
	IsNotPropertyAvailable: "isNotPropertyAvailable",
}

func (t Test) String() string {
	if s, ok := testNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseTest maps a predicate name such as "isNotNull" to its Test.
func ParseTest(name string) (Test, bool) {
	for t, s := range testNames {
		if s == name {
			return t, true
		}
	}
	return 0, false
}

func (t Test) compares() bool { return t >= IsEqual && t <= IsLessEqual }

func (t Test) needsProperty() bool {
	return t != IsParameterPresent && t != IsNotParameterPresent
}

// Node is one fragment of a statement body.
type Node struct {
	Kind Kind

	// KindLiteral
	Text string

	// KindConditional
	Test            Test
	CompareProperty string
	CompareValue    any // nil when not set

	// KindConditional and KindIterate; an empty iterate Property iterates
	// the parameter itself.
	Property string

	// KindIterate
	Open        string
	Close       string
	Conjunction string
	Item        string // optional alias for the current element

	// Emitted before the node's output unless the node is the first
	// contributor in its enclosing scope.
	Prepend string

	Children []Node
}

// Text returns a literal fragment.
func Text(s string) Node {
	return Node{Kind: KindLiteral, Text: s}
}

// Dynamic returns a container whose prepend is emitted only when some child
// contributes output.
func Dynamic(prepend string, children ...Node) Node {
	return Node{Kind: KindDynamic, Prepend: prepend, Children: children}
}

// When returns a conditional fragment for a unary test (isNull, isEmpty,
// isParameterPresent, isPropertyAvailable and their negations).
func When(test Test, property, prepend string, children ...Node) Node {
	return Node{Kind: KindConditional, Test: test, Property: property, Prepend: prepend, Children: children}
}

// Compare returns a conditional fragment comparing property to a constant.
func Compare(test Test, property string, value any, prepend string, children ...Node) Node {
	return Node{Kind: KindConditional, Test: test, Property: property, CompareValue: value, Prepend: prepend, Children: children}
}

// CompareTo returns a conditional fragment comparing two properties.
func CompareTo(test Test, property, other, prepend string, children ...Node) Node {
	return Node{Kind: KindConditional, Test: test, Property: property, CompareProperty: other, Prepend: prepend, Children: children}
}

// Iterate returns a fragment repeated for every element of the collection at property.
func Iterate(property, open, conjunction, close, prepend string, children ...Node) Node {
	return Node{
		Kind:        KindIterate,
		Property:    property,
		Open:        open,
		Conjunction: conjunction,
		Close:       close,
		Prepend:     prepend,
		Children:    children,
	}
}

// As names the current element of an iterate fragment.
func (n Node) As(item string) Node {
	n.Item = item
	return n
}
