package dialect

import "strings"

type SQLite struct{}

func NewSQLiteDialect() Dialect {
	return &SQLite{}
}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) Placeholder(int) string {
	return "?"
}

func (SQLite) RenderValue(v any) string {
	switch val := v.(type) {
	case bool:
		// SQLite has no boolean literals before 3.23.
		if val {
			return "1"
		}
		return "0"
	}
	return renderCommon(v, hexLiteral)
}
