package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/dialect"
)

// SQLSessionFactory opens sessions over a *sql.DB. Each session pins one
// connection for its lifetime so that statements depending on connection
// state (last insert id, temporary tables) see the same connection.
type SQLSessionFactory struct {
	db        *sql.DB
	dialect   dialect.Dialect
	stmtCache int
}

type SQLOption func(*SQLSessionFactory)

// WithStatementCache sets how many prepared statements each session keeps.
// Zero disables statement caching.
func WithStatementCache(size int) SQLOption {
	return func(f *SQLSessionFactory) { f.stmtCache = size }
}

func NewSQLSessionFactory(db *sql.DB, d dialect.Dialect, opts ...SQLOption) *SQLSessionFactory {
	f := &SQLSessionFactory{db: db, dialect: d, stmtCache: cache.DefaultSize}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *SQLSessionFactory) Dialect() dialect.Dialect { return f.dialect }

// DB returns the underlying pool.
func (f *SQLSessionFactory) DB() *sql.DB { return f.db }

func (f *SQLSessionFactory) OpenSession(ctx context.Context) (Session, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	s := &SQLSession{conn: conn}
	if f.stmtCache > 0 {
		s.stmts = cache.NewStatementCache(f.stmtCache)
	}
	return s, nil
}

func (f *SQLSessionFactory) Close() error { return f.db.Close() }

// SQLSession implements Session on a pinned *sql.Conn.
type SQLSession struct {
	conn   *sql.Conn
	tx     *sql.Tx
	stmts  *cache.StatementCache
	closed bool
}

func (s *SQLSession) CreateCommand() (Command, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return &sqlCommand{session: s}, nil
}

func (s *SQLSession) Begin(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.tx != nil {
		return errors.New("database: transaction already open")
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *SQLSession) Commit(context.Context) error {
	if s.tx == nil {
		return errors.New("database: no transaction to commit")
	}
	tx := s.tx
	s.tx = nil
	return tx.Commit()
}

func (s *SQLSession) Rollback(context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback()
}

func (s *SQLSession) InTransaction() bool { return s.tx != nil }

func (s *SQLSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		s.tx = nil
	}
	if s.stmts != nil {
		errs = append(errs, s.stmts.Close())
	}
	errs = append(errs, s.conn.Close())
	return errors.Join(errs...)
}

type sqlCommand struct {
	session *SQLSession
	sql     string
	args    []any
	closed  bool
}

func (c *sqlCommand) Prepare(query string) error {
	if c.closed {
		return ErrClosed
	}
	c.sql = query
	c.args = c.args[:0]
	return nil
}

// BindParameter binds value at index. database/sql infers the column type
// from the value, so dbType is not used.
func (c *sqlCommand) BindParameter(index int, value any, _ string) error {
	var err error
	c.args, err = bindAt(c.args, index, value)
	return err
}

// statement returns a cached prepared statement when the session is outside
// a transaction. Transactions run the SQL directly on the transaction.
func (c *sqlCommand) statement(ctx context.Context) (*sql.Stmt, error) {
	if c.session.tx != nil || c.session.stmts == nil {
		return nil, nil
	}
	return c.session.stmts.GetOrPrepare(ctx, c.session.conn, c.sql)
}

func (c *sqlCommand) query(ctx context.Context) (*sql.Rows, error) {
	if c.closed || c.session.closed {
		return nil, ErrClosed
	}
	stmt, err := c.statement(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case stmt != nil:
		return stmt.QueryContext(ctx, c.args...)
	case c.session.tx != nil:
		return c.session.tx.QueryContext(ctx, c.sql, c.args...)
	default:
		return c.session.conn.QueryContext(ctx, c.sql, c.args...)
	}
}

func (c *sqlCommand) ExecuteScalar(ctx context.Context) (any, error) {
	v, err := c.scalar(ctx)
	return v, ClassifyError(err)
}

func (c *sqlCommand) scalar(ctx context.Context) (any, error) {
	rows, err := c.query(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var v any
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	dest := make([]any, len(cols))
	dest[0] = &v
	for i := 1; i < len(dest); i++ {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	// Drain so that drivers report errors raised after the first row.
	for rows.Next() {
	}
	return v, rows.Err()
}

func (c *sqlCommand) ExecuteNonQuery(ctx context.Context) (int64, error) {
	v, err := c.nonQuery(ctx)
	return v, ClassifyError(err)
}

func (c *sqlCommand) nonQuery(ctx context.Context) (int64, error) {
	if c.closed || c.session.closed {
		return 0, ErrClosed
	}
	stmt, err := c.statement(ctx)
	if err != nil {
		return 0, err
	}
	var res sql.Result
	switch {
	case stmt != nil:
		res, err = stmt.ExecContext(ctx, c.args...)
	case c.session.tx != nil:
		res, err = c.session.tx.ExecContext(ctx, c.sql, c.args...)
	default:
		res, err = c.session.conn.ExecContext(ctx, c.sql, c.args...)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlCommand) ExecuteReader(ctx context.Context) (Rows, error) {
	v, err := c.reader(ctx)
	return v, ClassifyError(err)
}

func (c *sqlCommand) reader(ctx context.Context) (Rows, error) {
	rows, err := c.query(ctx)
	if err != nil {
		return nil, err
	}
	return &SQLRows{rows: rows}, nil
}

func (c *sqlCommand) Close() error {
	c.closed = true
	c.args = nil
	return nil
}

// SQLRows implements MultiRows for *sql.Rows.
type SQLRows struct {
	rows *sql.Rows
}

func (r *SQLRows) Next() bool                 { return r.rows.Next() }
func (r *SQLRows) Scan(dest ...any) error     { return r.rows.Scan(dest...) }
func (r *SQLRows) Close() error               { return r.rows.Close() }
func (r *SQLRows) Columns() ([]string, error) { return r.rows.Columns() }
func (r *SQLRows) Err() error                 { return ClassifyError(r.rows.Err()) }
func (r *SQLRows) NextResultSet() bool        { return r.rows.NextResultSet() }

var (
	_ SessionFactory  = (*SQLSessionFactory)(nil)
	_ DialectProvider = (*SQLSessionFactory)(nil)
	_ MultiRows       = (*SQLRows)(nil)
)
