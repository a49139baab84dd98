package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// MapperFile is one mapper document: a namespace and the descriptors
// declared in it.
type MapperFile struct {
	Namespace     string            `yaml:"namespace"`
	CacheModels   []CacheModelDoc   `yaml:"cacheModels"`
	ParameterMaps []ParameterMapDoc `yaml:"parameterMaps"`
	ResultMaps    []ResultMapDoc    `yaml:"resultMaps"`
	Statements    []StatementDoc    `yaml:"statements"`

	path string
}

type CacheModelDoc struct {
	ID             string        `yaml:"id"`
	Policy         string        `yaml:"policy"`
	Size           int           `yaml:"size"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
	FlushOnExecute []string      `yaml:"flushOnExecute"`
}

type ParameterMapDoc struct {
	ID         string         `yaml:"id"`
	Parameters []ParameterDoc `yaml:"parameters"`
}

type ParameterDoc struct {
	Property    string  `yaml:"property"`
	DbType      string  `yaml:"dbType"`
	TypeHandler string  `yaml:"typeHandler"`
	NullValue   *string `yaml:"nullValue"`
}

type ResultMapDoc struct {
	ID          string          `yaml:"id"`
	Class       string          `yaml:"class"`
	AutoMap     *bool           `yaml:"autoMap"`
	Properties  []PropertyDoc   `yaml:"properties"`
	PostSelects []PostSelectDoc `yaml:"postSelects"`
}

type PropertyDoc struct {
	Property    string `yaml:"property"`
	Column      string `yaml:"column"`
	ColumnIndex int    `yaml:"columnIndex"`
	NullValue   any    `yaml:"nullValue"`
	TypeHandler string `yaml:"typeHandler"`
	Type        string `yaml:"type"`
}

type PostSelectDoc struct {
	Property  string `yaml:"property"`
	Statement string `yaml:"statement"`
	// Column is "id" or "{param=column,...}".
	Column   string `yaml:"column"`
	Strategy string `yaml:"strategy"`
	Source   string `yaml:"source"`
}

type StatementDoc struct {
	ID                 string        `yaml:"id"`
	Kind               string        `yaml:"kind"`
	SQL                Fragments     `yaml:"sql"`
	ParameterMap       string        `yaml:"parameterMap"`
	ResultMap          StringList    `yaml:"resultMap"`
	ResultClass        string        `yaml:"resultClass"`
	CacheModel         string        `yaml:"cacheModel"`
	Remap              bool          `yaml:"remap"`
	Timeout            time.Duration `yaml:"timeout"`
	PreserveWhitespace bool          `yaml:"preserveWhitespace"`
	SelectKey          *SelectKeyDoc `yaml:"selectKey"`
}

type SelectKeyDoc struct {
	Policy    string    `yaml:"policy"`
	Property  string    `yaml:"property"`
	Generator string    `yaml:"generator"`
	SQL       Fragments `yaml:"sql"`
	Type      string    `yaml:"type"`
}

// StringList accepts a single string or a sequence of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var str string
		if err := node.Decode(&str); err != nil {
			return err
		}
		*s = nil
		if str != "" {
			*s = StringList{str}
		}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := node.Decode(&arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	return fmt.Errorf("line %d: expected string or list, got %s", node.Line, kindName(node.Kind))
}

// Fragments is a statement body: a single string of SQL, or a sequence of
// fragments.
type Fragments []Fragment

func (f *Fragments) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		*f = Fragments{{Kind: "text", Text: text}}
		return nil
	case yaml.SequenceNode:
		var list []Fragment
		if err := node.Decode(&list); err != nil {
			return err
		}
		*f = list
		return nil
	}
	return fmt.Errorf("line %d: expected SQL text or a fragment list, got %s", node.Line, kindName(node.Kind))
}

// Fragment is one element of a statement body. In YAML it is a plain string
// or a single-key mapping whose key names the fragment: text, dynamic,
// iterate, or a predicate such as isNotEmpty.
type Fragment struct {
	Kind string
	Text string
	Body FragmentBody
	Line int
}

// FragmentBody holds the attributes of a dynamic, conditional or iterate
// fragment.
type FragmentBody struct {
	Property        string    `yaml:"property"`
	CompareProperty string    `yaml:"compareProperty"`
	CompareValue    any       `yaml:"compareValue"`
	Prepend         string    `yaml:"prepend"`
	Open            string    `yaml:"open"`
	Close           string    `yaml:"close"`
	Conjunction     string    `yaml:"conjunction"`
	Item            string    `yaml:"item"`
	SQL             Fragments `yaml:"sql"`
}

func (f *Fragment) UnmarshalYAML(node *yaml.Node) error {
	f.Line = node.Line
	switch node.Kind {
	case yaml.ScalarNode:
		f.Kind = "text"
		return node.Decode(&f.Text)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: a fragment has exactly one key", node.Line)
		}
		f.Kind = node.Content[0].Value
		value := node.Content[1]
		if f.Kind == "text" {
			return value.Decode(&f.Text)
		}
		if value.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: %s fragment needs a mapping body", value.Line, f.Kind)
		}
		return value.Decode(&f.Body)
	}
	return fmt.Errorf("line %d: expected a fragment, got %s", node.Line, kindName(node.Kind))
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
