package dbtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedResponses(t *testing.T) {
	ctx := context.Background()
	f := New(nil).
		On("FROM orders", Response{Columns: []string{"id", "total"}, Rows: [][]any{{int64(1), 9.5}, {int64(2), nil}}}).
		On("UPDATE", Response{Affected: 3}).
		On("COUNT", Response{Scalar: int64(12)})

	s, err := f.OpenSession(ctx)
	require.NoError(t, err)
	defer s.Close()

	cmd, err := s.CreateCommand()
	require.NoError(t, err)
	require.NoError(t, cmd.Prepare("SELECT id, total FROM orders WHERE id > ?"))
	require.NoError(t, cmd.BindParameter(1, 0, "integer"))
	rows, err := cmd.ExecuteReader(ctx)
	require.NoError(t, err)

	var totals []float64
	for rows.Next() {
		var id int
		var total float64
		require.NoError(t, rows.Scan(&id, &total))
		totals = append(totals, total)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []float64{9.5, 0}, totals)

	require.NoError(t, cmd.Prepare("UPDATE orders SET total = 0"))
	n, err := cmd.ExecuteNonQuery(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, cmd.Prepare("SELECT COUNT(*) FROM x"))
	v, err := cmd.ExecuteScalar(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	calls := f.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, Reader, calls[0].Method)
	assert.Equal(t, []any{0}, calls[0].Args)
	assert.Equal(t, []string{"integer"}, calls[0].DbTypes)
	assert.Equal(t, 3, f.RoundTrips())
}

func TestUnscriptedCallFails(t *testing.T) {
	ctx := context.Background()
	f := New(nil)
	s, _ := f.OpenSession(ctx)
	defer s.Close()
	cmd, _ := s.CreateCommand()
	_ = cmd.Prepare("DELETE FROM nowhere")
	_, err := cmd.ExecuteNonQuery(ctx)
	assert.ErrorContains(t, err, "no response scripted")
}

func TestDelayHonoursContext(t *testing.T) {
	f := New(nil).On("slow", Response{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	s, _ := f.OpenSession(context.Background())
	defer s.Close()
	cmd, _ := s.CreateCommand()
	_ = cmd.Prepare("SELECT slow()")
	_, err := cmd.ExecuteScalar(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMultipleResultSets(t *testing.T) {
	ctx := context.Background()
	f := New(nil).On("batch", Response{
		Columns: []string{"a"}, Rows: [][]any{{1}},
		More: []ResultSet{{Columns: []string{"b", "c"}, Rows: [][]any{{"x", "y"}}}},
	})
	s, _ := f.OpenSession(ctx)
	defer s.Close()
	cmd, _ := s.CreateCommand()
	_ = cmd.Prepare("batch")
	r, err := cmd.ExecuteReader(ctx)
	require.NoError(t, err)
	rows := r.(*Rows)

	assert.True(t, rows.Next())
	assert.False(t, rows.Next())
	require.True(t, rows.NextResultSet())
	cols, _ := rows.Columns()
	assert.Equal(t, []string{"b", "c"}, cols)
	require.True(t, rows.Next())
	var b, c any
	require.NoError(t, rows.Scan(&b, &c))
	assert.Equal(t, "x", b)
	assert.False(t, rows.NextResultSet())
}

func TestSessionAccounting(t *testing.T) {
	ctx := context.Background()
	f := New(nil)
	s, _ := f.OpenSession(ctx)
	assert.Equal(t, 1, f.OpenSessions())

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Close())

	assert.Equal(t, 0, f.OpenSessions())
	assert.Equal(t, 1, f.Commits())
	assert.Equal(t, 1, f.Rollbacks())

	f.Reset()
	assert.Equal(t, 0, f.RoundTrips())
}
