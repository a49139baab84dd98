// Package postgres registers PostgreSQL connectors backed by pgxpool. The
// "postgres" driver executes through pgx directly; "postgres-sql" routes the
// same pool through database/sql for code that wants sql.DB semantics.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Konsultn-Engineering/datamapper/connector"
	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

type Provider struct {
	// SQL selects the database/sql session factory over the native one.
	SQL bool
}

func init() {
	connector.Register("postgres", &Provider{})
	connector.Register("postgres-sql", &Provider{SQL: true})
}

// DSN renders cfg as a postgres URL.
func DSN(cfg connector.Config) string {
	b := connector.NewDSNBuilder("postgres").FromConfig(cfg)
	if cfg.SSLMode != "" {
		b.Param("sslmode", cfg.SSLMode)
	}
	return b.WithPostgresDefaults().Build()
}

// PoolConfig parses cfg into a pgxpool configuration with the pool limits
// applied.
func PoolConfig(cfg connector.Config) (*pgxpool.Config, error) {
	cfg = cfg.WithPoolDefaults()
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Pool.MaxOpen)
	poolCfg.MinConns = int32(min(cfg.Pool.MaxIdle, cfg.Pool.MaxOpen))
	poolCfg.MaxConnLifetime = cfg.Pool.MaxLifetime
	poolCfg.MaxConnIdleTime = cfg.Pool.MaxIdleTime
	if cfg.Pool.HealthCheckFreq > 0 {
		poolCfg.HealthCheckPeriod = cfg.Pool.HealthCheckFreq
	}
	return poolCfg, nil
}

func (p *Provider) Connect(ctx context.Context, cfg connector.Config) (connector.Connection, error) {
	if err := connector.NewDSNBuilder("postgres").FromConfig(cfg).Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	c := &connection{pool: pool}
	if p.SQL {
		c.db = stdlib.OpenDBFromPool(pool)
		c.factory = database.NewSQLSessionFactory(c.db, p.Dialect(), connector.StatementCacheOptions(cfg)...)
	} else {
		c.factory = database.NewPgxSessionFactory(pool)
	}
	return c, nil
}

func (p *Provider) Dialect() dialect.Dialect {
	return dialect.NewPostgresDialect()
}

type connection struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	factory database.SessionFactory
}

func (c *connection) SessionFactory() database.SessionFactory { return c.factory }

func (c *connection) Dialect() dialect.Dialect {
	return dialect.NewPostgresDialect()
}

func (c *connection) Health(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *connection) Stats() connector.ConnectionStats {
	s := c.pool.Stat()
	return connector.ConnectionStats{
		OpenConnections: int(s.TotalConns()),
		InUse:           int(s.AcquiredConns()),
		Idle:            int(s.IdleConns()),
	}
}

func (c *connection) Close() error {
	if c.db != nil {
		_ = c.db.Close()
	}
	c.pool.Close()
	return nil
}
