// Package connector opens database connections from configuration. Each
// database kind is served by a Provider registered under a driver name; a
// Connection hands the mapper the session factory it executes through.
package connector

import (
	"context"
	"fmt"

	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dialect"
)

// Connection is an open connection pool.
type Connection interface {
	SessionFactory() database.SessionFactory
	Dialect() dialect.Dialect
	Health(ctx context.Context) error
	Stats() ConnectionStats
	Close() error
}

// ConnectionStats represents connection pool statistics.
type ConnectionStats struct {
	OpenConnections int
	InUse           int
	Idle            int
}

// Open connects with the provider named by cfg.Driver, retrying as cfg.Retry
// describes.
func Open(ctx context.Context, cfg Config) (Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	p, err := Lookup(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	connect := func(ctx context.Context) (Connection, error) {
		conn, err := p.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := conn.Health(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
	if cfg.Retry == nil {
		return connect(ctx)
	}
	conn, err := retryConnect(ctx, *cfg.Retry, connect)
	if err != nil {
		return nil, fmt.Errorf("failed to connect after %d retries: %w", cfg.Retry.MaxRetries, err)
	}
	return conn, nil
}

// StatementCacheOptions translates cfg.StatementCache into session factory
// options for database/sql based providers.
func StatementCacheOptions(cfg Config) []database.SQLOption {
	switch {
	case cfg.StatementCache < 0:
		return []database.SQLOption{database.WithStatementCache(0)}
	case cfg.StatementCache > 0:
		return []database.SQLOption{database.WithStatementCache(cfg.StatementCache)}
	}
	return nil
}
