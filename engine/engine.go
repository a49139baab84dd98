// Package engine executes mapped statements: it composes SQL from a
// statement's fragment tree, runs it through a database session, maps rows
// onto result objects and resolves post-select associations.
//
// Statements, result maps and cache models are registered once while the
// configuration loads and are read concurrently afterwards. Every execution
// runs on a Session; the Engine's own query methods open a local session
// and close it before returning.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/Konsultn-Engineering/datamapper/typehandler"
)

type Engine struct {
	factory      database.SessionFactory
	dialect      dialect.Dialect
	logger       *slog.Logger
	handlers     *typehandler.Registry
	interceptors []Interceptor
	strict       bool

	mu         sync.Mutex // serializes registration
	statements sync.Map   // id -> *MappedStatement
	caches     sync.Map   // id -> *cache.Model
	flushes    sync.Map   // statement id -> []*cache.Model
}

// New returns an engine executing through factory.
func New(factory database.SessionFactory, opts ...Option) *Engine {
	e := &Engine{
		factory:  factory,
		logger:   slog.New(slog.DiscardHandler),
		handlers: typehandler.NewRegistry(),
	}
	if dp, ok := factory.(database.DialectProvider); ok {
		e.dialect = dp.Dialect()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Dialect() dialect.Dialect { return e.dialect }

func (e *Engine) TypeHandlers() *typehandler.Registry { return e.handlers }

func (e *Engine) Logger() *slog.Logger { return e.logger }

// AddCacheModel registers a cache model. Models must be registered before
// the statements that use them.
func (e *Engine) AddCacheModel(m *cache.Model) error {
	if m == nil || m.ID() == "" {
		return errs.Configuration("", "cache model without id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.caches.LoadOrStore(m.ID(), m); dup {
		return errs.Configuration("", "duplicate cache model %q", m.ID())
	}
	for _, id := range m.FlushOnExecute() {
		var models []*cache.Model
		if cur, ok := e.flushes.Load(id); ok {
			models = cur.([]*cache.Model)
		}
		e.flushes.Store(id, append(slices.Clip(models), m))
	}
	return nil
}

// CacheModel returns a registered cache model.
func (e *Engine) CacheModel(id string) (*cache.Model, bool) {
	m, ok := e.caches.Load(id)
	if !ok {
		return nil, false
	}
	return m.(*cache.Model), true
}

// AddStatement validates and registers a statement.
func (e *Engine) AddStatement(s *mapping.Statement) error {
	if s == nil {
		return errs.Configuration("", "nil statement")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	ms := &MappedStatement{desc: s}
	if s.CacheModel != "" {
		m, ok := e.CacheModel(s.CacheModel)
		if !ok {
			return errs.Configuration(s.ID, "unknown cache model %q", s.CacheModel)
		}
		ms.cache = m
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.statements.LoadOrStore(s.ID, ms); dup {
		return errs.Configuration(s.ID, "duplicate statement id")
	}
	return nil
}

// Statement returns a registered statement.
func (e *Engine) Statement(id string) (*MappedStatement, error) {
	ms, ok := e.statements.Load(id)
	if !ok {
		return nil, errs.Configuration(id, "statement is not registered")
	}
	return ms.(*MappedStatement), nil
}

// Statements lists registered statement ids in sorted order.
func (e *Engine) Statements() []string {
	var ids []string
	e.statements.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// Validate checks references between registered statements: post-select
// targets and type handler ids.
func (e *Engine) Validate() error {
	var problems []error
	for _, id := range e.Statements() {
		ms, _ := e.Statement(id)
		for _, rm := range ms.desc.ResultMaps {
			for _, ps := range rm.PostSelects {
				if _, err := e.Statement(ps.Statement); err != nil {
					problems = append(problems, errs.Configuration(id,
						"result map %q post-select %q refers to unknown statement %q", rm.ID, ps.Property, ps.Statement))
				}
			}
			for _, p := range rm.Properties {
				if p.TypeHandler == "" {
					continue
				}
				if _, ok := e.handlers.Lookup(p.TypeHandler); !ok {
					problems = append(problems, errs.Configuration(id,
						"result map %q property %q uses unknown type handler %q", rm.ID, p.Property, p.TypeHandler))
				}
			}
		}
	}
	return errors.Join(problems...)
}

// OpenSession opens a session. The caller must Close it.
func (e *Engine) OpenSession(ctx context.Context) (*Session, error) {
	db, err := e.factory.OpenSession(ctx)
	if err != nil {
		return nil, errs.Execution("", err)
	}
	return &Session{engine: e, db: db}, nil
}

// Transact runs fn inside a transaction on a new session. The transaction
// commits when fn returns nil and rolls back otherwise.
func (e *Engine) Transact(ctx context.Context, fn func(*Session) error) (err error) {
	s, err := e.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = s.Rollback(ctx)
		}
	}()
	if err = fn(s); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// local runs fn on a session opened for this call only.
func local[T any](ctx context.Context, e *Engine, fn func(*Session) (T, error)) (T, error) {
	s, err := e.OpenSession(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer s.Close()
	return fn(s)
}

func (e *Engine) Insert(ctx context.Context, id string, param any) (any, error) {
	return local(ctx, e, func(s *Session) (any, error) { return s.Insert(ctx, id, param) })
}

func (e *Engine) Update(ctx context.Context, id string, param any) (int64, error) {
	return local(ctx, e, func(s *Session) (int64, error) { return s.Update(ctx, id, param) })
}

func (e *Engine) Delete(ctx context.Context, id string, param any) (int64, error) {
	return local(ctx, e, func(s *Session) (int64, error) { return s.Delete(ctx, id, param) })
}

func (e *Engine) QueryForObject(ctx context.Context, id string, param any, result ...any) (any, error) {
	return local(ctx, e, func(s *Session) (any, error) { return s.QueryForObject(ctx, id, param, result...) })
}

func (e *Engine) QueryForList(ctx context.Context, id string, param any) ([]any, error) {
	return local(ctx, e, func(s *Session) ([]any, error) { return s.QueryForList(ctx, id, param) })
}

func (e *Engine) QueryForPage(ctx context.Context, id string, param any, skip, max int) ([]any, error) {
	return local(ctx, e, func(s *Session) ([]any, error) { return s.QueryForPage(ctx, id, param, skip, max) })
}

func (e *Engine) QueryForListInto(ctx context.Context, id string, param any, into any) error {
	_, err := local(ctx, e, func(s *Session) (struct{}, error) {
		return struct{}{}, s.QueryForListInto(ctx, id, param, into)
	})
	return err
}

func (e *Engine) QueryForMap(ctx context.Context, id string, param any, keyProperty, valueProperty string) (map[any]any, error) {
	return local(ctx, e, func(s *Session) (map[any]any, error) {
		return s.QueryForMap(ctx, id, param, keyProperty, valueProperty)
	})
}

func (e *Engine) QueryWithRowDelegate(ctx context.Context, id string, param any, fn RowDelegate) ([]any, error) {
	return local(ctx, e, func(s *Session) ([]any, error) { return s.QueryWithRowDelegate(ctx, id, param, fn) })
}

func (e *Engine) QueryForMapWithRowDelegate(ctx context.Context, id string, param any, keyProperty, valueProperty string, fn MapRowDelegate) (map[any]any, error) {
	return local(ctx, e, func(s *Session) (map[any]any, error) {
		return s.QueryForMapWithRowDelegate(ctx, id, param, keyProperty, valueProperty, fn)
	})
}

// QueryForReader opens a local session and returns a reader whose Close
// also closes that session.
func (e *Engine) QueryForReader(ctx context.Context, id string, param any) (*Reader, error) {
	s, err := e.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.QueryForReader(ctx, id, param)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	r.session = s
	return r, nil
}

func (e *Engine) flushFor(ctx context.Context, id string) {
	v, ok := e.flushes.Load(id)
	if !ok {
		return
	}
	for _, m := range v.([]*cache.Model) {
		m.Flush()
		e.logger.LogAttrs(ctx, slog.LevelInfo, "cache flushed",
			slog.String("cache", m.ID()), slog.String("statement", id))
	}
}
