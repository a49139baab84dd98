package engine

import (
	"log/slog"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/typehandler"
)

// Option configures an Engine.
type Option func(*Engine)

// WithDialect sets the dialect used to render placeholders. By default the
// session factory's dialect is used when it has one.
func WithDialect(d dialect.Dialect) Option {
	return func(e *Engine) { e.dialect = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithInterceptor appends an interceptor. Interceptors run in the order
// they were added.
func WithInterceptor(i Interceptor) Option {
	return func(e *Engine) { e.interceptors = append(e.interceptors, i) }
}

// WithStrictSingleRow makes single-object queries fail with ErrTooManyRows
// when more than one row comes back, instead of keeping the first row.
func WithStrictSingleRow() Option {
	return func(e *Engine) { e.strict = true }
}

func WithTypeHandlers(r *typehandler.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.handlers = r
		}
	}
}
