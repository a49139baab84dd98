package schema

import (
	"strings"
	"unicode"

	pluralizer "github.com/gertd/go-pluralize"
	"golang.org/x/text/cases"
)

// pluralizeClient is shared; the client is read-only after construction.
var pluralizeClient = pluralizer.NewClient()

// ToSnakeCase converts a Go identifier to snake_case ("UserID" -> "user_id").
func ToSnakeCase(name string) string { return toSnakeCase(name) }

// Pluralize returns the plural form of a table-ish name, keeping its case style.
func Pluralize(name string) string { return pluralize(name) }

// FoldName normalizes a field or column name for loose matching: case is
// folded and underscores dropped, so "first_name", "FirstName" and
// "FIRSTNAME" compare equal.
func FoldName(name string) string {
	// A Caser holds state and is not shared between goroutines.
	folded := cases.Fold().String(name)
	if strings.IndexByte(folded, '_') < 0 {
		return folded
	}
	return strings.ReplaceAll(folded, "_", "")
}

var commonInitialisms = map[string]string{
	"ID":   "id",
	"UUID": "uuid",
	"ULID": "ulid",
	"URL":  "url",
	"API":  "api",
	"JSON": "json",
	"SQL":  "sql",
}

func toSnakeCase(name string) string {
	if name == "" {
		return ""
	}
	if s, ok := commonInitialisms[name]; ok {
		return s
	}
	if strings.Contains(name, "_") && !hasUpperCase(name) {
		return name
	}

	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			// aB -> a_b, a1B -> a1_b, ABc -> a_bc
			if unicode.IsLower(prev) || unicode.IsDigit(prev) ||
				(unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func pluralize(name string) string {
	if name == "" {
		return ""
	}
	// Pluralize only the last word of a snake_case name.
	if i := strings.LastIndexByte(name, '_'); i >= 0 && i < len(name)-1 {
		return name[:i+1] + pluralize(name[i+1:])
	}
	return preserveCase(name, pluralizeClient.Pluralize(name, 2, false))
}

func hasUpperCase(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func preserveCase(original, result string) string {
	if result == "" {
		return result
	}
	switch {
	case strings.ToLower(original) == original:
		return strings.ToLower(result)
	case strings.ToUpper(original) == original:
		return strings.ToUpper(result)
	case unicode.IsUpper(rune(original[0])):
		return strings.ToUpper(result[:1]) + strings.ToLower(result[1:])
	default:
		return strings.ToLower(result)
	}
}
