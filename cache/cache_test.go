package cache

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	id := 7
	tests := []struct {
		name  string
		a, b  Key
		equal bool
	}{
		{"same inputs", NewKey("s", "", "SELECT ?", []any{1}), NewKey("s", "", "SELECT ?", []any{1}), true},
		{"pointer and value", NewKey("s", "", "SELECT ?", []any{&id}), NewKey("s", "", "SELECT ?", []any{7}), true},
		{"different args", NewKey("s", "", "SELECT ?", []any{1}), NewKey("s", "", "SELECT ?", []any{2}), false},
		{"arg type matters", NewKey("s", "", "SELECT ?", []any{1}), NewKey("s", "", "SELECT ?", []any{"1"}), false},
		{"different statement", NewKey("a", "", "SELECT 1", nil), NewKey("b", "", "SELECT 1", nil), false},
		{"different variant", NewKey("s", "list:0:10", "SELECT 1", nil), NewKey("s", "list:10:10", "SELECT 1", nil), false},
		{"nil pointer", NewKey("s", "", "SELECT ?", []any{(*int)(nil)}), NewKey("s", "", "SELECT ?", []any{nil}), true},
		{
			"argument boundaries",
			NewKey("s", "", "SELECT ?, ?", []any{"x\x00string:y", "z"}),
			NewKey("s", "", "SELECT ?, ?", []any{"x", "y\x00string:z"}),
			false,
		},
		{"sql and variant boundary", NewKey("s", "ab", "c", nil), NewKey("s", "a", "bc", nil), false},
		{"argument count", NewKey("s", "", "SELECT ?", []any{"a"}), NewKey("s", "", "SELECT ?", []any{"a", ""}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, tt.a == tt.b)
		})
	}
}

func TestModelLRU(t *testing.T) {
	m, err := New(Options{ID: "orders", Size: 2})
	require.NoError(t, err)

	m.Put("1", "a")
	m.Put("2", "b")
	_, ok := m.Get("1") // refresh 1
	require.True(t, ok)
	m.Put("3", "c")

	_, ok = m.Get("2")
	assert.False(t, ok, "least recently used entry is evicted")
	v, ok := m.Get("1")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	st := m.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 2, st.Entries)
}

func TestModelFIFO(t *testing.T) {
	m, err := New(Options{Policy: FIFO, Size: 2})
	require.NoError(t, err)

	m.Put("1", "a")
	m.Put("2", "b")
	_, ok := m.Get("1")
	require.True(t, ok)
	m.Put("3", "c")

	_, ok = m.Get("1")
	assert.False(t, ok, "reads do not refresh a fifo entry")
	_, ok = m.Get("2")
	assert.True(t, ok)
}

func TestModelPutReplacesOnlyItsKey(t *testing.T) {
	m, err := New(Options{})
	require.NoError(t, err)
	m.Put("1", "a")
	m.Put("2", "b")
	m.Put("1", "z")

	v, _ := m.Get("1")
	assert.Equal(t, "z", v)
	v, _ = m.Get("2")
	assert.Equal(t, "b", v)
}

func TestModelFlush(t *testing.T) {
	m, err := New(Options{FlushOnExecute: []string{"insertOrder"}})
	require.NoError(t, err)
	m.Put("1", "a")
	assert.True(t, m.Remove("1"))
	m.Put("2", "b")
	m.Flush()

	_, ok := m.Get("2")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Flushes)
	assert.Equal(t, []string{"insertOrder"}, m.FlushOnExecute())
}

func TestModelFlushInterval(t *testing.T) {
	m, err := New(Options{FlushInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	m.Put("1", "a")
	_, ok := m.Get("1")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := m.Get("1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestModelConcurrentAccess(t *testing.T) {
	m, err := New(Options{Size: 50})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key(strconv.Itoa(i % 60))
				if _, ok := m.Get(k); !ok {
					m.Put(k, i)
				}
				if i%50 == 0 && g == 0 {
					m.Flush()
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Stats().Entries, 50)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("FIFO")
	require.NoError(t, err)
	assert.Equal(t, FIFO, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, LRU, p)
	_, err = ParsePolicy("weak")
	assert.Error(t, err)
}

func TestStatementCache(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	sc := NewStatementCache(1)
	ctx := context.Background()

	s1, err := sc.GetOrPrepare(ctx, db, "SELECT 1")
	require.NoError(t, err)
	s2, err := sc.GetOrPrepare(ctx, db, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = sc.GetOrPrepare(ctx, db, "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.Len())

	_, err = sc.GetOrPrepare(ctx, db, "SELEC nonsense")
	assert.Error(t, err)

	require.NoError(t, sc.Close())
	assert.Equal(t, 0, sc.Len())
}
