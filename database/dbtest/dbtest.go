// Package dbtest provides a scripted in-memory SessionFactory. It answers
// commands from registered responses and records every round trip, so tests
// can assert on the SQL, the bound arguments and the number of commands a
// mapper operation issued.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Konsultn-Engineering/datamapper/database"
	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/schema"
)

type Method string

const (
	Scalar   Method = "scalar"
	NonQuery Method = "nonquery"
	Reader   Method = "reader"
)

// Call is one recorded round trip.
type Call struct {
	Method  Method
	SQL     string
	Args    []any
	DbTypes []string
	InTx    bool
	// OpenReaders counts readers of the same session still open when the
	// call was issued.
	OpenReaders int
}

// ResultSet is one tabular result.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Response scripts the answer to a command.
type Response struct {
	Columns []string
	Rows    [][]any
	// More holds additional result sets returned after the first.
	More []ResultSet
	// Scalar answers ExecuteScalar. When nil the first column of the first
	// row is used.
	Scalar   any
	Affected int64
	Err      error
	// Delay holds the command until it elapses or the context is done.
	Delay time.Duration
}

// Handler answers a call; ok=false passes the call to the next handler.
type Handler func(Call) (Response, bool)

// Factory is a database.SessionFactory backed by scripted responses.
type Factory struct {
	mu       sync.Mutex
	handlers []Handler
	calls    []Call
	opened   int
	closed   int
	commits  int
	rollback int
	dialect  dialect.Dialect
}

func New(d dialect.Dialect) *Factory {
	if d == nil {
		d = dialect.SQLite{}
	}
	return &Factory{dialect: d}
}

func (f *Factory) Dialect() dialect.Dialect { return f.dialect }

// On answers every call whose SQL contains fragment. Handlers are tried in
// registration order.
func (f *Factory) On(fragment string, resp Response) *Factory {
	return f.Handle(func(c Call) (Response, bool) {
		return resp, strings.Contains(c.SQL, fragment)
	})
}

func (f *Factory) Handle(h Handler) *Factory {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return f
}

// Calls returns the recorded round trips in order.
func (f *Factory) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Factory) RoundTrips() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Reset forgets recorded calls and session counters.
func (f *Factory) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.opened, f.closed, f.commits, f.rollback = 0, 0, 0, 0
	f.mu.Unlock()
}

// OpenSessions reports sessions opened and not yet closed.
func (f *Factory) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

func (f *Factory) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *Factory) Rollbacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollback
}

func (f *Factory) OpenSession(ctx context.Context) (database.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &session{f: f}, nil
}

func (f *Factory) Close() error { return nil }

func (f *Factory) respond(ctx context.Context, c Call) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	handlers := f.handlers
	f.mu.Unlock()

	var resp Response
	found := false
	for _, h := range handlers {
		if r, ok := h(c); ok {
			resp, found = r, true
			break
		}
	}
	if !found {
		return resp, fmt.Errorf("dbtest: no response scripted for %q", c.SQL)
	}
	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	return resp, database.ClassifyError(resp.Err)
}

type session struct {
	f       *Factory
	inTx    bool
	closed  bool
	readers int
}

func (s *session) CreateCommand() (database.Command, error) {
	if s.closed {
		return nil, database.ErrClosed
	}
	return &command{s: s}, nil
}

func (s *session) Begin(context.Context) error {
	if s.inTx {
		return errors.New("dbtest: transaction already open")
	}
	s.inTx = true
	return nil
}

func (s *session) Commit(context.Context) error {
	if !s.inTx {
		return errors.New("dbtest: no transaction to commit")
	}
	s.inTx = false
	s.f.mu.Lock()
	s.f.commits++
	s.f.mu.Unlock()
	return nil
}

func (s *session) Rollback(context.Context) error {
	if !s.inTx {
		return nil
	}
	s.inTx = false
	s.f.mu.Lock()
	s.f.rollback++
	s.f.mu.Unlock()
	return nil
}

func (s *session) InTransaction() bool { return s.inTx }

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	if s.inTx {
		_ = s.Rollback(context.Background())
	}
	s.closed = true
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

type command struct {
	s       *session
	sql     string
	args    []any
	dbTypes []string
}

func (c *command) Prepare(sql string) error {
	c.sql = sql
	c.args, c.dbTypes = nil, nil
	return nil
}

func (c *command) BindParameter(index int, value any, dbType string) error {
	if index < 1 {
		return errors.New("dbtest: parameter index must be 1-based")
	}
	for len(c.args) < index {
		c.args = append(c.args, nil)
		c.dbTypes = append(c.dbTypes, "")
	}
	c.args[index-1] = value
	c.dbTypes[index-1] = dbType
	return nil
}

func (c *command) call(m Method) Call {
	return Call{
		Method:      m,
		SQL:         c.sql,
		Args:        append([]any(nil), c.args...),
		DbTypes:     append([]string(nil), c.dbTypes...),
		InTx:        c.s.inTx,
		OpenReaders: c.s.readers,
	}
}

func (c *command) ExecuteScalar(ctx context.Context) (any, error) {
	if c.s.closed {
		return nil, database.ErrClosed
	}
	resp, err := c.s.f.respond(ctx, c.call(Scalar))
	if err != nil {
		return nil, err
	}
	if resp.Scalar != nil {
		return resp.Scalar, nil
	}
	if len(resp.Rows) > 0 && len(resp.Rows[0]) > 0 {
		return resp.Rows[0][0], nil
	}
	return nil, nil
}

func (c *command) ExecuteNonQuery(ctx context.Context) (int64, error) {
	if c.s.closed {
		return 0, database.ErrClosed
	}
	resp, err := c.s.f.respond(ctx, c.call(NonQuery))
	if err != nil {
		return 0, err
	}
	return resp.Affected, nil
}

func (c *command) ExecuteReader(ctx context.Context) (database.Rows, error) {
	if c.s.closed {
		return nil, database.ErrClosed
	}
	resp, err := c.s.f.respond(ctx, c.call(Reader))
	if err != nil {
		return nil, err
	}
	sets := append([]ResultSet{{Columns: resp.Columns, Rows: resp.Rows}}, resp.More...)
	c.s.readers++
	return &Rows{sets: sets, row: -1, s: c.s}, nil
}

func (c *command) Close() error { return nil }

// Rows iterates scripted result sets.
type Rows struct {
	s      *session
	sets   []ResultSet
	set    int
	row    int
	closed bool
}

func (r *Rows) Next() bool {
	if r.closed || r.set >= len(r.sets) {
		return false
	}
	r.row++
	return r.row < len(r.sets[r.set].Rows)
}

// Scan assigns the current row. *any destinations receive the raw value,
// others are converted.
func (r *Rows) Scan(dest ...any) error {
	if r.closed {
		return errors.New("dbtest: scan on closed rows")
	}
	rs := r.sets[r.set]
	if r.row < 0 || r.row >= len(rs.Rows) {
		return errors.New("dbtest: scan without a current row")
	}
	row := rs.Rows[r.row]
	if len(dest) != len(row) {
		return fmt.Errorf("dbtest: expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		if p, ok := d.(*any); ok {
			*p = row[i]
			continue
		}
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Ptr || dv.IsNil() {
			return fmt.Errorf("dbtest: destination %d is not a pointer", i)
		}
		if row[i] == nil {
			dv.Elem().SetZero()
			continue
		}
		v, err := schema.Convert(row[i], dv.Elem().Type())
		if err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
		dv.Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func (r *Rows) Columns() ([]string, error) {
	if r.set >= len(r.sets) {
		return nil, errors.New("dbtest: no result set")
	}
	return r.sets[r.set].Columns, nil
}

func (r *Rows) NextResultSet() bool {
	if r.closed || r.set+1 >= len(r.sets) {
		return false
	}
	r.set++
	r.row = -1
	return true
}

func (r *Rows) Err() error { return nil }

func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.s != nil {
		r.s.readers--
	}
	return nil
}

var (
	_ database.SessionFactory  = (*Factory)(nil)
	_ database.DialectProvider = (*Factory)(nil)
	_ database.MultiRows       = (*Rows)(nil)
)
