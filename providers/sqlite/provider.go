// Package sqlite registers the go-sqlite3 connector under "sqlite" and
// "sqlite3".
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Konsultn-Engineering/datamapper/connector"
	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dialect"
	_ "github.com/mattn/go-sqlite3"
)

type Provider struct{}

func init() {
	connector.Register("sqlite", &Provider{})
	connector.Register("sqlite3", &Provider{})
}

// DSN renders cfg for go-sqlite3. Database is a file path or ":memory:";
// an empty database means a private in-memory one.
func DSN(cfg connector.Config) string {
	name := cfg.Database
	if name == "" {
		name = ":memory:"
	}
	if strings.HasPrefix(name, "file:") {
		name = strings.TrimPrefix(name, "file:")
	}
	return connector.NewDSNBuilder("file").Database(name).Params(cfg.Params).BuildFile()
}

// private reports whether every connection would see its own empty
// database.
func private(cfg connector.Config) bool {
	name := strings.TrimPrefix(cfg.Database, "file:")
	if name != "" && name != ":memory:" && cfg.Params["mode"] != "memory" {
		return false
	}
	return cfg.Params["cache"] != "shared"
}

func (p *Provider) Connect(ctx context.Context, cfg connector.Config) (connector.Connection, error) {
	db, err := sql.Open("sqlite3", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if private(cfg) {
		// A private in-memory database lives as long as its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		if cfg.Pool.MaxOpen > 0 {
			db.SetMaxOpenConns(cfg.Pool.MaxOpen)
		}
		if cfg.Pool.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.Pool.MaxIdle)
		}
		db.SetConnMaxLifetime(cfg.Pool.MaxLifetime)
		db.SetConnMaxIdleTime(cfg.Pool.MaxIdleTime)
	}

	return &connection{
		db:      db,
		factory: database.NewSQLSessionFactory(db, p.Dialect(), connector.StatementCacheOptions(cfg)...),
	}, nil
}

func (p *Provider) Dialect() dialect.Dialect {
	return dialect.NewSQLiteDialect()
}

type connection struct {
	db      *sql.DB
	factory *database.SQLSessionFactory
}

func (c *connection) SessionFactory() database.SessionFactory { return c.factory }

func (c *connection) Dialect() dialect.Dialect { return c.factory.Dialect() }

func (c *connection) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *connection) Stats() connector.ConnectionStats {
	s := c.db.Stats()
	return connector.ConnectionStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
	}
}

func (c *connection) Close() error {
	return c.db.Close()
}
