package schema

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// ParsedTag is the mapping configuration read from a field's `db` tag.
type ParsedTag struct {
	ColumnName string // column name (explicit or derived from field name)
	Skip       bool   // db:"-"
	Type       string // declared database type, passed to the driver binding
	Primary    bool
	Generator  string // id generator name (uuid, ulid, snowflake, nanoid)
	Handler    string // type handler id
}

var tagCache sync.Map // fieldName + ":" + tag -> *ParsedTag

// ParseTag parses a struct field's `db` tag.
//
// Supported tag syntax:
//
//	`db:"column_name"`                 // column mapping
//	`db:"column:custom_name"`          // explicit column name
//	`db:"primary;generator:uuid"`      // key column with generated id
//	`db:"type:jsonb;handler:json"`     // declared type and type handler
//	`db:"-"`                           // skip field entirely
//
// Fields without a tag map to the snake_case form of their name.
func ParseTag(fieldName string, tag reflect.StructTag) (*ParsedTag, error) {
	tagValue := tag.Get("db")
	if tagValue == "" {
		return &ParsedTag{ColumnName: toSnakeCase(fieldName)}, nil
	}

	cacheKey := fieldName + ":" + tagValue
	if cached, ok := tagCache.Load(cacheKey); ok {
		return cached.(*ParsedTag), nil
	}

	parsed, err := parseTagValue(fieldName, tagValue)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldName, err)
	}
	tagCache.Store(cacheKey, parsed)
	return parsed, nil
}

func parseTagValue(fieldName, tagValue string) (*ParsedTag, error) {
	if tagValue == "-" {
		return &ParsedTag{Skip: true}, nil
	}

	parsed := &ParsedTag{ColumnName: toSnakeCase(fieldName)}
	if !strings.ContainsAny(tagValue, ";:") {
		parsed.ColumnName = tagValue
		return parsed, nil
	}

	for _, option := range strings.Split(tagValue, ";") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, hasValue := strings.Cut(option, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if !hasValue {
			switch key {
			case "primary", "primary_key", "pk":
				parsed.Primary = true
			default:
				// a bare word that is not a flag names the column
				parsed.ColumnName = key
			}
			continue
		}

		switch key {
		case "column", "name":
			parsed.ColumnName = value
		case "type":
			parsed.Type = value
		case "generator", "gen":
			parsed.Generator = value
		case "handler":
			parsed.Handler = value
		default:
			return nil, fmt.Errorf("unknown tag option %q", key)
		}
	}
	return parsed, nil
}
