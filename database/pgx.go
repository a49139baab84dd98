package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxSessionFactory opens sessions over a pgxpool.Pool. Each session holds
// one acquired pool connection. pgx prepares and caches statements itself.
type PgxSessionFactory struct {
	pool *pgxpool.Pool
}

func NewPgxSessionFactory(pool *pgxpool.Pool) *PgxSessionFactory {
	return &PgxSessionFactory{pool: pool}
}

func (f *PgxSessionFactory) Dialect() dialect.Dialect { return dialect.Postgres{} }

func (f *PgxSessionFactory) Pool() *pgxpool.Pool { return f.pool }

func (f *PgxSessionFactory) OpenSession(ctx context.Context) (Session, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &PgxSession{conn: conn}, nil
}

func (f *PgxSessionFactory) Close() error {
	f.pool.Close()
	return nil
}

// querier is satisfied by *pgxpool.Conn and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgxSession struct {
	conn   *pgxpool.Conn
	tx     pgx.Tx
	closed bool
}

func (s *PgxSession) target() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *PgxSession) CreateCommand() (Command, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return &pgxCommand{session: s}, nil
}

func (s *PgxSession) Begin(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.tx != nil {
		return errors.New("database: transaction already open")
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *PgxSession) Commit(ctx context.Context) error {
	if s.tx == nil {
		return errors.New("database: no transaction to commit")
	}
	tx := s.tx
	s.tx = nil
	return tx.Commit(ctx)
}

func (s *PgxSession) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback(ctx)
}

func (s *PgxSession) InTransaction() bool { return s.tx != nil }

func (s *PgxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.tx != nil {
		if rerr := s.tx.Rollback(context.Background()); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = rerr
		}
		s.tx = nil
	}
	s.conn.Release()
	return err
}

type pgxCommand struct {
	session *PgxSession
	sql     string
	args    []any
	closed  bool
}

func (c *pgxCommand) Prepare(query string) error {
	if c.closed {
		return ErrClosed
	}
	c.sql = query
	c.args = c.args[:0]
	return nil
}

// BindParameter binds value at index; pgx encodes by value type and the
// server's parameter description, so dbType is not used.
func (c *pgxCommand) BindParameter(index int, value any, _ string) error {
	var err error
	c.args, err = bindAt(c.args, index, value)
	return err
}

func (c *pgxCommand) check() error {
	if c.closed || c.session.closed {
		return ErrClosed
	}
	return nil
}

func (c *pgxCommand) ExecuteScalar(ctx context.Context) (any, error) {
	v, err := c.scalar(ctx)
	return v, ClassifyError(err)
}

func (c *pgxCommand) scalar(ctx context.Context) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	rows, err := c.session.target().Query(ctx, c.sql, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

func (c *pgxCommand) ExecuteNonQuery(ctx context.Context) (int64, error) {
	v, err := c.nonQuery(ctx)
	return v, ClassifyError(err)
}

func (c *pgxCommand) nonQuery(ctx context.Context) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	tag, err := c.session.target().Exec(ctx, c.sql, c.args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxCommand) ExecuteReader(ctx context.Context) (Rows, error) {
	v, err := c.reader(ctx)
	return v, ClassifyError(err)
}

func (c *pgxCommand) reader(ctx context.Context) (Rows, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	rows, err := c.session.target().Query(ctx, c.sql, c.args...)
	if err != nil {
		return nil, err
	}
	return &PgxRows{rows: rows}, nil
}

func (c *pgxCommand) Close() error {
	c.closed = true
	c.args = nil
	return nil
}

// PgxRows implements Rows for pgx.Rows.
type PgxRows struct {
	rows              pgx.Rows
	fieldDescriptions []pgconn.FieldDescription
}

func (p *PgxRows) Next() bool { return p.rows.Next() }

// Scan decodes the current row. Destinations of type *any receive the value
// pgx decodes for the column's type.
func (p *PgxRows) Scan(dest ...any) error { return p.rows.Scan(dest...) }

func (p *PgxRows) Close() error {
	p.rows.Close()
	return p.rows.Err()
}

func (p *PgxRows) Columns() ([]string, error) {
	if p.fieldDescriptions == nil {
		p.fieldDescriptions = p.rows.FieldDescriptions()
	}
	columns := make([]string, len(p.fieldDescriptions))
	for i, fd := range p.fieldDescriptions {
		columns[i] = fd.Name
	}
	return columns, nil
}

func (p *PgxRows) Err() error { return ClassifyError(p.rows.Err()) }

var (
	_ SessionFactory  = (*PgxSessionFactory)(nil)
	_ DialectProvider = (*PgxSessionFactory)(nil)
	_ Rows            = (*PgxRows)(nil)
)
