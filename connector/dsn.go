package connector

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// DSNBuilder builds connection strings. URL form (scheme://user@host/db)
// serves server databases; file form (file:path) serves embedded ones.
type DSNBuilder struct {
	scheme   string
	username string
	password string
	host     string
	port     int
	database string
	params   map[string]string
}

func NewDSNBuilder(scheme string) *DSNBuilder {
	return &DSNBuilder{
		scheme: scheme,
		params: make(map[string]string),
	}
}

// FromConfig seeds the builder with the addressing fields of cfg.
func (b *DSNBuilder) FromConfig(cfg Config) *DSNBuilder {
	return b.Auth(cfg.Username, cfg.Password).
		Host(cfg.Host, cfg.Port).
		Database(cfg.Database).
		Params(cfg.Params)
}

func (b *DSNBuilder) Auth(username, password string) *DSNBuilder {
	b.username = username
	b.password = password
	return b
}

func (b *DSNBuilder) Host(host string, port int) *DSNBuilder {
	b.host = host
	b.port = port
	return b
}

func (b *DSNBuilder) Database(name string) *DSNBuilder {
	b.database = name
	return b
}

// Param adds a single parameter; empty values are ignored.
func (b *DSNBuilder) Param(key, value string) *DSNBuilder {
	if value != "" {
		b.params[key] = value
	}
	return b
}

func (b *DSNBuilder) Params(params map[string]string) *DSNBuilder {
	for k, v := range params {
		b.Param(k, v)
	}
	return b
}

// Default sets key only when it is not already present.
func (b *DSNBuilder) Default(key, value string) *DSNBuilder {
	if _, ok := b.params[key]; !ok {
		b.Param(key, value)
	}
	return b
}

func (b *DSNBuilder) WithPostgresDefaults() *DSNBuilder {
	return b.Default("sslmode", "prefer").
		Default("connect_timeout", "10")
}

func (b *DSNBuilder) Validate() error {
	if b.host == "" {
		return fmt.Errorf("host is required")
	}
	if b.port < 0 || b.port > 65535 {
		return fmt.Errorf("invalid port: %d", b.port)
	}
	return nil
}

// Build constructs the URL form DSN.
func (b *DSNBuilder) Build() string {
	var dsn strings.Builder

	dsn.WriteString(b.scheme)
	dsn.WriteString("://")

	if b.username != "" {
		dsn.WriteString(url.QueryEscape(b.username))
		if b.password != "" {
			dsn.WriteString(":")
			dsn.WriteString(url.QueryEscape(b.password))
		}
		dsn.WriteString("@")
	}

	dsn.WriteString(b.host)
	if b.port > 0 {
		dsn.WriteString(":")
		dsn.WriteString(strconv.Itoa(b.port))
	}

	if b.database != "" {
		dsn.WriteString("/")
		dsn.WriteString(url.PathEscape(b.database))
	}

	b.writeParams(&dsn)
	return dsn.String()
}

// BuildFile constructs a file form DSN: scheme:database?params.
func (b *DSNBuilder) BuildFile() string {
	var dsn strings.Builder
	dsn.WriteString(b.scheme)
	dsn.WriteString(":")
	dsn.WriteString(b.database)
	b.writeParams(&dsn)
	return dsn.String()
}

// writeParams appends the query string with keys in sorted order so equal
// configurations produce equal DSNs.
func (b *DSNBuilder) writeParams(dsn *strings.Builder) {
	if len(b.params) == 0 {
		return
	}
	keys := make([]string, 0, len(b.params))
	for k := range b.params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	dsn.WriteString("?")
	for i, key := range keys {
		if i > 0 {
			dsn.WriteString("&")
		}
		dsn.WriteString(url.QueryEscape(key))
		dsn.WriteString("=")
		dsn.WriteString(url.QueryEscape(b.params[key]))
	}
}
