package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Konsultn-Engineering/datamapper/cache"
	"github.com/Konsultn-Engineering/datamapper/database/dbtest"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Line struct {
	OrderID int64  `db:"order_id"`
	SKU     string `db:"sku"`
	Qty     int    `db:"qty"`
}

type Order struct {
	ID       int64   `db:"id"`
	Customer string  `db:"customer"`
	Total    float64 `db:"total"`
	Status   string
	Lines    []Line
	Tags     []string
	TagIDs   []int64
	Note     *string
}

var orderColumns = []string{"id", "customer", "total", "status"}

func text(s string) *dynamic.Tree {
	return dynamic.MustCompile([]dynamic.Node{dynamic.Text(s)})
}

func orderMap(posts ...mapping.PostSelect) *mapping.ResultMap {
	return &mapping.ResultMap{
		ID:      "order",
		Class:   reflect.TypeFor[Order](),
		AutoMap: true,
		Properties: []mapping.ResultProperty{
			{Property: "Status", Column: "status", NullValue: "new"},
		},
		PostSelects: posts,
	}
}

func selectStmt(id, sql string, rms ...*mapping.ResultMap) *mapping.Statement {
	return &mapping.Statement{ID: id, Kind: mapping.Select, SQL: text(sql), ResultMaps: rms}
}

func updateStmt(id, sql string) *mapping.Statement {
	return &mapping.Statement{ID: id, Kind: mapping.Update, SQL: text(sql)}
}

const getOrderSQL = "SELECT id, customer, total, status FROM orders WHERE id = #id#"

func setup(t testing.TB, stmts []*mapping.Statement, opts ...Option) (*Engine, *dbtest.Factory) {
	t.Helper()
	f := dbtest.New(nil)
	e := New(f, opts...)
	for _, s := range stmts {
		require.NoError(t, e.AddStatement(s))
	}
	return e, f
}

func newCacheModel(t testing.TB, id string, flushOn ...string) *cache.Model {
	t.Helper()
	m, err := cache.New(cache.Options{ID: id, FlushOnExecute: flushOn})
	require.NoError(t, err)
	return m
}

func ordersResponse(rows ...[]any) dbtest.Response {
	return dbtest.Response{Columns: orderColumns, Rows: rows}
}

func TestQueryForObject(t *testing.T) {
	tests := []struct {
		name string
		rows [][]any
		want any
	}{
		{"no rows", nil, nil},
		{
			"one row",
			[][]any{{int64(7), "ann", 12.5, "paid"}},
			&Order{ID: 7, Customer: "ann", Total: 12.5, Status: "paid"},
		},
		{
			"first row wins",
			[][]any{{int64(7), "ann", 12.5, "paid"}, {int64(8), "bob", 3.0, "open"}},
			&Order{ID: 7, Customer: "ann", Total: 12.5, Status: "paid"},
		},
		{
			"null replaced by null value",
			[][]any{{int64(7), "ann", 12.5, nil}},
			&Order{ID: 7, Customer: "ann", Total: 12.5, Status: "new"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, f := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})
			f.On("FROM orders", ordersResponse(tt.rows...))

			got, err := e.QueryForObject(context.Background(), "order.get", int64(7))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			calls := f.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "SELECT id, customer, total, status FROM orders WHERE id = ?", calls[0].SQL)
			assert.Equal(t, []any{int64(7)}, calls[0].Args)
			assert.Equal(t, 0, f.OpenSessions())
		})
	}
}

func TestQueryForObjectStrict(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())}, WithStrictSingleRow())
	f.On("FROM orders", ordersResponse(
		[]any{int64(7), "ann", 12.5, "paid"},
		[]any{int64(8), "bob", 3.0, "open"},
	))

	_, err := e.QueryForObject(context.Background(), "order.get", 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRows)
	assert.True(t, errs.IsExecution(err))
	assert.Equal(t, 0, f.OpenSessions())
}

func TestQueryForObjectInto(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})
	f.On("FROM orders", ordersResponse([]any{int64(7), "ann", 12.5, "paid"}))
	ctx := context.Background()

	o := &Order{TagIDs: []int64{1}}
	got, err := e.QueryForObject(ctx, "order.get", 7, o)
	require.NoError(t, err)
	assert.Same(t, o, got)
	assert.Equal(t, "ann", o.Customer)
	assert.Equal(t, []int64{1}, o.TagIDs, "unmapped properties are kept")

	for _, bad := range []any{Order{}, (*Order)(nil), nil} {
		_, err := e.QueryForObject(ctx, "order.get", 7, bad)
		assert.True(t, errs.IsPrecondition(err), "%T: %v", bad, err)
	}
}

func TestQueryForObjectMapResult(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.row", getOrderSQL)})
	f.On("FROM orders", ordersResponse([]any{int64(7), "ann", 12.5, nil}))

	got, err := e.QueryForObject(context.Background(), "order.row", 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(7), "customer": "ann", "total": 12.5, "status": nil}, got)
}

func TestScalarResultClass(t *testing.T) {
	count := &mapping.Statement{
		ID: "order.count", Kind: mapping.Select,
		SQL:         text("SELECT count(*) FROM orders"),
		ResultClass: reflect.TypeFor[int64](),
	}
	ids := &mapping.Statement{
		ID: "order.ids", Kind: mapping.Select,
		SQL:         text("SELECT id FROM orders ORDER BY id"),
		ResultClass: reflect.TypeFor[int](),
	}
	e, f := setup(t, []*mapping.Statement{count, ids})
	f.On("count(*)", dbtest.Response{Columns: []string{"count"}, Rows: [][]any{{int64(3)}}})
	f.On("SELECT id", dbtest.Response{Columns: []string{"id"}, Rows: [][]any{{int64(1)}, {int64(2)}}})
	ctx := context.Background()

	n, err := e.QueryForObject(ctx, "order.count", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	list, err := e.QueryForList(ctx, "order.ids", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, list)
}

func TestQueryForList(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{
		selectStmt("order.list", "SELECT id, customer, total, status FROM orders", orderMap()),
	})
	f.On("FROM orders", ordersResponse(
		[]any{int64(1), "ann", 1.0, "paid"},
		[]any{int64(2), "bob", 2.0, "open"},
	))
	ctx := context.Background()

	list, err := e.QueryForList(ctx, "order.list", nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, &Order{ID: 2, Customer: "bob", Total: 2, Status: "open"}, list[1])

	var into []Order
	require.NoError(t, e.QueryForListInto(ctx, "order.list", nil, &into))
	assert.Equal(t, []Order{
		{ID: 1, Customer: "ann", Total: 1, Status: "paid"},
		{ID: 2, Customer: "bob", Total: 2, Status: "open"},
	}, into)

	err = e.QueryForListInto(ctx, "order.list", nil, nil)
	assert.True(t, errs.IsPrecondition(err))
	err = e.QueryForListInto(ctx, "order.list", nil, into)
	assert.True(t, errs.IsPrecondition(err))
}

func TestQueryForListEmpty(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT * FROM orders", orderMap())})
	f.On("FROM orders", ordersResponse())

	list, err := e.QueryForList(context.Background(), "order.list", nil)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestQueryForPage(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT * FROM orders", orderMap())})
	f.On("FROM orders", ordersResponse(
		[]any{int64(1), "a", 0.0, "x"},
		[]any{int64(2), "b", 0.0, "x"},
		[]any{int64(3), "c", 0.0, "x"},
		[]any{int64(4), "d", 0.0, "x"},
	))
	ctx := context.Background()

	tests := []struct {
		name      string
		skip, max int
		want      []int64
	}{
		{"first page", 0, 2, []int64{1, 2}},
		{"middle", 1, 2, []int64{2, 3}},
		{"past the end", 3, 5, []int64{4}},
		{"no limit", 2, 0, []int64{3, 4}},
		{"skip everything", 10, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.QueryForPage(ctx, "order.list", nil, tt.skip, tt.max)
			require.NoError(t, err)
			var ids []int64
			for _, o := range page {
				ids = append(ids, o.(*Order).ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := e.QueryForPage(ctx, "order.list", nil, -1, 2)
	assert.True(t, errs.IsPrecondition(err))
}

func TestQueryForMap(t *testing.T) {
	tests := []struct {
		name     string
		rows     [][]any
		key, val string
		want     map[any]any
		wantErr  func(error) bool
	}{
		{
			name: "row values",
			rows: [][]any{{int64(1), "ann", 1.0, "paid"}, {int64(2), "bob", 2.0, "open"}},
			key:  "ID",
			want: map[any]any{
				int64(1): &Order{ID: 1, Customer: "ann", Total: 1, Status: "paid"},
				int64(2): &Order{ID: 2, Customer: "bob", Total: 2, Status: "open"},
			},
		},
		{
			name: "value property and last duplicate wins",
			rows: [][]any{{int64(1), "ann", 1.0, "paid"}, {int64(1), "bob", 2.0, "open"}},
			key:  "ID", val: "Customer",
			want: map[any]any{int64(1): "bob"},
		},
		{
			name:    "unknown key property",
			rows:    [][]any{{int64(1), "ann", 1.0, "paid"}},
			key:     "Missing",
			wantErr: errs.IsUnresolvedProperty,
		},
		{
			name:    "empty key property",
			key:     "",
			wantErr: errs.IsPrecondition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT * FROM orders", orderMap())})
			f.On("FROM orders", ordersResponse(tt.rows...))

			got, err := e.QueryForMap(context.Background(), "order.list", nil, tt.key, tt.val)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryForMapWithRowDelegate(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT * FROM orders", orderMap())})
	f.On("FROM orders", ordersResponse(
		[]any{int64(1), "ann", 1.0, "paid"},
		[]any{int64(2), "bob", 2.0, "open"},
	))

	var seen []any
	got, err := e.QueryForMapWithRowDelegate(context.Background(), "order.list", "p", "ID", "Customer",
		func(key, value, param any) error {
			assert.Equal(t, "p", param)
			seen = append(seen, key)
			if key == int64(2) {
				return ErrSkipRow
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, seen)
	assert.Equal(t, map[any]any{int64(1): "ann"}, got)
}

func TestQueryWithRowDelegate(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT * FROM orders", orderMap())})
	f.On("FROM orders", ordersResponse(
		[]any{int64(1), "ann", 1.0, "paid"},
		[]any{int64(2), "bob", 2.0, "open"},
		[]any{int64(3), "cy", 3.0, "open"},
	))
	ctx := context.Background()

	var order []int64
	kept, err := e.QueryWithRowDelegate(ctx, "order.list", nil, func(row, _ any) error {
		id := row.(*Order).ID
		order = append(order, id)
		if id == 2 {
			return ErrSkipRow
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, order)
	require.Len(t, kept, 2)
	assert.Equal(t, int64(3), kept[1].(*Order).ID)

	boom := errors.New("boom")
	_, err = e.QueryWithRowDelegate(ctx, "order.list", nil, func(any, any) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = e.QueryWithRowDelegate(ctx, "order.list", nil, nil)
	assert.True(t, errs.IsPrecondition(err))
	assert.Equal(t, 0, f.OpenSessions())
}

func TestMultipleResultSets(t *testing.T) {
	lines := &mapping.ResultMap{ID: "line", Class: reflect.TypeFor[Line](), AutoMap: true}
	e, f := setup(t, []*mapping.Statement{
		selectStmt("order.withLines", "SELECT * FROM orders; SELECT * FROM lines", orderMap(), lines),
	})
	f.On("FROM orders", dbtest.Response{
		Columns: orderColumns,
		Rows:    [][]any{{int64(7), "ann", 1.0, "paid"}},
		More: []dbtest.ResultSet{{
			Columns: []string{"order_id", "sku", "qty"},
			Rows:    [][]any{{int64(7), "A-1", int64(2)}, {int64(7), "B-2", int64(1)}},
		}},
	})

	list, err := e.QueryForList(context.Background(), "order.withLines", nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(7), list[0].(*Order).ID)
	assert.Equal(t, &Line{OrderID: 7, SKU: "A-1", Qty: 2}, list[1])
	assert.Equal(t, &Line{OrderID: 7, SKU: "B-2", Qty: 1}, list[2])
}

func TestParameterMap(t *testing.T) {
	stmt := updateStmt("order.setStatus", "UPDATE orders SET status = ? WHERE id = ?")
	stmt.ParameterMap = &mapping.ParameterMap{ID: "status", Markers: []dynamic.Marker{
		{Path: "Status", DbType: "VARCHAR"},
		{Path: "ID"},
	}}
	e, f := setup(t, []*mapping.Statement{stmt})
	f.On("UPDATE orders", dbtest.Response{Affected: 3})

	n, err := e.Update(context.Background(), "order.setStatus", &Order{ID: 7, Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dbtest.NonQuery, calls[0].Method)
	assert.Equal(t, []any{"paid", int64(7)}, calls[0].Args)
	assert.Equal(t, []string{"VARCHAR", ""}, calls[0].DbTypes)
}

func TestDynamicStatement(t *testing.T) {
	tree := dynamic.MustCompile([]dynamic.Node{
		dynamic.Text("SELECT * FROM orders"),
		dynamic.Dynamic("WHERE",
			dynamic.When(dynamic.IsNotEmpty, "Customer", "AND", dynamic.Text("customer = #Customer#")),
			dynamic.Compare(dynamic.IsGreaterThan, "Total", 0, "AND", dynamic.Text("total > #Total#")),
		),
	})
	e, f := setup(t, []*mapping.Statement{{ID: "order.find", Kind: mapping.Select, SQL: tree, ResultMaps: []*mapping.ResultMap{orderMap()}}})
	f.On("FROM orders", ordersResponse())
	ctx := context.Background()

	tests := []struct {
		name  string
		param *Order
		sql   string
		args  []any
	}{
		{"no filters", &Order{}, "SELECT * FROM orders", nil},
		{"customer", &Order{Customer: "ann"}, "SELECT * FROM orders WHERE customer = ?", []any{"ann"}},
		{"both", &Order{Customer: "ann", Total: 5}, "SELECT * FROM orders WHERE customer = ? AND total > ?", []any{"ann", 5.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.Reset()
			_, err := e.QueryForList(ctx, "order.find", tt.param)
			require.NoError(t, err)
			calls := f.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.sql, calls[0].SQL)
			assert.Equal(t, tt.args, calls[0].Args)
		})
	}
}

func TestStatementKinds(t *testing.T) {
	e, _ := setup(t, []*mapping.Statement{
		selectStmt("order.get", getOrderSQL, orderMap()),
		updateStmt("order.close", "UPDATE orders SET status = 'closed' WHERE id = #id#"),
	})
	ctx := context.Background()

	_, err := e.Insert(ctx, "order.get", &Order{})
	assert.True(t, errs.IsConfiguration(err), "insert through a select")
	_, err = e.QueryForList(ctx, "order.close", 7)
	assert.True(t, errs.IsConfiguration(err), "query through an update")
	_, err = e.QueryForObject(ctx, "order.missing", 7)
	assert.True(t, errs.IsConfiguration(err), "unknown statement")
}

func TestRegistration(t *testing.T) {
	e, _ := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})

	err := e.AddStatement(selectStmt("order.get", getOrderSQL))
	assert.True(t, errs.IsConfiguration(err), "duplicate id")

	s := selectStmt("order.cached", getOrderSQL)
	s.CacheModel = "missing"
	assert.True(t, errs.IsConfiguration(e.AddStatement(s)), "unknown cache model")

	require.NoError(t, e.AddStatement(selectStmt("order.full", getOrderSQL, orderMap(mapping.PostSelect{
		Property: "Lines", Statement: "line.missing", Keys: []mapping.KeyColumn{{Column: "id"}},
	}))))
	err = e.Validate()
	require.Error(t, err)
	assert.True(t, errs.IsConfiguration(err))
	assert.Contains(t, err.Error(), "line.missing")

	assert.Equal(t, []string{"order.full", "order.get"}, e.Statements())
}

func TestCacheModel(t *testing.T) {
	m := newCacheModel(t, "orders", "order.close")
	e, f := setup(t, nil)
	require.NoError(t, e.AddCacheModel(m))
	get := selectStmt("order.list", "SELECT * FROM orders WHERE id = #id#", orderMap())
	get.CacheModel = "orders"
	require.NoError(t, e.AddStatement(get))
	require.NoError(t, e.AddStatement(updateStmt("order.close", "UPDATE orders SET status = 'closed' WHERE id = #id#")))
	f.On("FROM orders", ordersResponse([]any{int64(7), "ann", 1.0, "paid"}))
	f.On("UPDATE orders", dbtest.Response{Affected: 1})
	ctx := context.Background()

	first, err := e.QueryForList(ctx, "order.list", 7)
	require.NoError(t, err)
	second, err := e.QueryForList(ctx, "order.list", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, f.RoundTrips(), "second query is served from the cache")
	assert.Same(t, first[0], second[0])

	_, err = e.QueryForList(ctx, "order.list", 8)
	require.NoError(t, err)
	assert.Equal(t, 2, f.RoundTrips(), "different parameters miss")

	_, err = e.QueryForObject(ctx, "order.list", 7, &Order{})
	require.NoError(t, err)
	assert.Equal(t, 3, f.RoundTrips(), "queries into a caller object bypass the cache")

	_, err = e.Update(ctx, "order.close", 7)
	require.NoError(t, err)
	_, err = e.QueryForList(ctx, "order.list", 7)
	require.NoError(t, err)
	assert.Equal(t, 5, f.RoundTrips(), "update flushes the model")

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Flushes)
}

func TestCacheKeepsArgumentsApart(t *testing.T) {
	e, f := setup(t, nil)
	require.NoError(t, e.AddCacheModel(newCacheModel(t, "orders")))
	find := selectStmt("order.byPair", "SELECT * FROM orders WHERE customer = #a# AND status = #b#", orderMap())
	find.CacheModel = "orders"
	require.NoError(t, e.AddStatement(find))
	f.Handle(func(c dbtest.Call) (dbtest.Response, bool) {
		if len(c.Args) != 2 {
			return dbtest.Response{}, false
		}
		return ordersResponse([]any{int64(len(c.Args[0].(string))), c.Args[0], 0.0, c.Args[1]}), true
	})
	ctx := context.Background()

	first, err := e.QueryForList(ctx, "order.byPair", map[string]any{"a": "x\x00string:y", "b": "z"})
	require.NoError(t, err)
	second, err := e.QueryForList(ctx, "order.byPair", map[string]any{"a": "x", "b": "y\x00string:z"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.RoundTrips())
	require.Len(t, second, 1)
	assert.Equal(t, "x", second[0].(*Order).Customer)
	assert.Equal(t, "y\x00string:z", second[0].(*Order).Status)
	assert.NotSame(t, first[0], second[0])
}

func TestInterceptors(t *testing.T) {
	stmts := []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())}
	ctx := context.Background()

	t.Run("before short-circuits", func(t *testing.T) {
		afters := 0
		canned := &Order{ID: 1}
		e, f := setup(t, stmts, WithInterceptor(Interceptor{
			Name: "canned",
			Before: func(_ context.Context, ev *Event) (any, bool, error) {
				return canned, ev.Statement == "order.get", nil
			},
			After: func(_ context.Context, _ *Event, r any) (any, error) {
				afters++
				return r, nil
			},
		}))
		got, err := e.QueryForObject(ctx, "order.get", 7)
		require.NoError(t, err)
		assert.Same(t, canned, got)
		assert.Equal(t, 0, f.RoundTrips())
		assert.Equal(t, 0, afters)
	})

	t.Run("after replaces the result", func(t *testing.T) {
		var seen Event
		e, f := setup(t, stmts, WithInterceptor(Interceptor{
			Name: "replace",
			After: func(_ context.Context, ev *Event, _ any) (any, error) {
				seen = *ev
				return &Order{ID: 99}, nil
			},
		}))
		f.On("FROM orders", ordersResponse([]any{int64(7), "ann", 1.0, "paid"}))
		got, err := e.QueryForObject(ctx, "order.get", 7)
		require.NoError(t, err)
		assert.Equal(t, &Order{ID: 99}, got)
		assert.Equal(t, MethodObject, seen.Method)
		assert.Equal(t, mapping.Select, seen.Kind)
		assert.Contains(t, seen.SQL, "WHERE id = ?")
		assert.Equal(t, []any{7}, seen.Args)
		assert.False(t, seen.CacheHit)
	})

	t.Run("before error", func(t *testing.T) {
		boom := errors.New("denied")
		e, f := setup(t, stmts, WithInterceptor(Interceptor{
			Name: "guard",
			Before: func(context.Context, *Event) (any, bool, error) {
				return nil, false, boom
			},
		}))
		_, err := e.QueryForObject(ctx, "order.get", 7)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "guard")
		assert.Equal(t, 0, f.RoundTrips())
	})
}

func TestStatementTimeout(t *testing.T) {
	stmt := selectStmt("order.slow", "SELECT * FROM orders", orderMap())
	stmt.Timeout = 20 * time.Millisecond
	e, f := setup(t, []*mapping.Statement{stmt})
	f.On("FROM orders", dbtest.Response{Columns: orderColumns, Delay: time.Second})

	_, err := e.QueryForList(context.Background(), "order.slow", nil)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err), err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.OpenSessions())
}

func TestDriverTimeout(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{
		selectStmt("order.get", getOrderSQL, orderMap()),
		updateStmt("order.close", "UPDATE orders SET status = 'closed' WHERE id = #id#"),
	})
	canceled := &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}
	f.On("FROM orders", dbtest.Response{Err: canceled})
	f.On("UPDATE orders", dbtest.Response{Err: canceled})
	ctx := context.Background()

	_, err := e.QueryForObject(ctx, "order.get", 7)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err), err.Error())
	assert.False(t, errs.IsExecution(err))
	assert.ErrorIs(t, err, canceled)

	_, err = e.Update(ctx, "order.close", 7)
	assert.True(t, errs.IsTimeout(err))
}

func TestExecutionError(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})
	boom := errors.New("connection reset")
	f.On("FROM orders", dbtest.Response{Err: boom})

	_, err := e.QueryForObject(context.Background(), "order.get", 7)
	require.Error(t, err)
	assert.True(t, errs.IsExecution(err))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "order.get")
}

func TestReader(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.list", "SELECT id FROM orders")})
	f.On("FROM orders", dbtest.Response{Columns: []string{"id"}, Rows: [][]any{{int64(1)}, {int64(2)}}})
	ctx := context.Background()

	r, err := e.QueryForReader(ctx, "order.list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.OpenSessions(), "reader keeps its session open")

	cols, err := r.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, cols)

	var ids []int64
	for r.Next() {
		var id int64
		require.NoError(t, r.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, 0, f.OpenSessions())
}

func TestTransact(t *testing.T) {
	stmts := []*mapping.Statement{updateStmt("order.close", "UPDATE orders SET status = 'closed' WHERE id = #id#")}
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		e, f := setup(t, stmts)
		f.On("UPDATE", dbtest.Response{Affected: 1})
		err := e.Transact(ctx, func(s *Session) error {
			assert.True(t, s.InTransaction())
			_, err := s.Update(ctx, "order.close", 7)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, f.Commits())
		assert.Equal(t, 0, f.Rollbacks())
		assert.True(t, f.Calls()[0].InTx)
		assert.Equal(t, 0, f.OpenSessions())
	})

	t.Run("rollback", func(t *testing.T) {
		e, f := setup(t, stmts)
		f.On("UPDATE", dbtest.Response{Affected: 1})
		boom := errors.New("abort")
		err := e.Transact(ctx, func(s *Session) error {
			if _, err := s.Update(ctx, "order.close", 7); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, f.Commits())
		assert.Equal(t, 1, f.Rollbacks())
		assert.Equal(t, 0, f.OpenSessions())
	})
}

func TestClosedSession(t *testing.T) {
	e, _ := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})
	ctx := context.Background()

	s, err := e.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.QueryForObject(ctx, "order.get", 7)
	assert.True(t, errs.IsPrecondition(err))
}

func TestGenerics(t *testing.T) {
	count := &mapping.Statement{
		ID: "order.count", Kind: mapping.Select,
		SQL:         text("SELECT count(*) FROM orders"),
		ResultClass: reflect.TypeFor[int64](),
	}
	e, f := setup(t, []*mapping.Statement{
		selectStmt("order.get", getOrderSQL, orderMap()),
		selectStmt("order.list", "SELECT * FROM orders", orderMap()),
		count,
	})
	f.On("count(*)", dbtest.Response{Columns: []string{"n"}, Rows: [][]any{{int64(2)}}})
	f.On("WHERE id", ordersResponse([]any{int64(7), "ann", 1.0, "paid"}))
	f.On("FROM orders", ordersResponse(
		[]any{int64(1), "ann", 1.0, "paid"},
		[]any{int64(2), "bob", 2.0, "open"},
	))
	ctx := context.Background()

	o, err := QueryForObject[*Order](ctx, e, "order.get", 7)
	require.NoError(t, err)
	assert.Equal(t, "ann", o.Customer)

	v, err := QueryForObject[Order](ctx, e, "order.get", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.ID)

	n, err := QueryForObject[int64](ctx, e, "order.count", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := QueryForList[Order](ctx, e, "order.list", nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "bob", list[1].Customer)

	names, err := QueryForDictionary[int64, string](ctx, e, "order.list", nil, "ID", "Customer")
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob"}, names)

	byID, err := QueryForDictionary[int, Order](ctx, e, "order.list", nil, "ID", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", byID[2].Customer)

	err = e.Transact(ctx, func(s *Session) error {
		got, err := QueryForList[*Order](ctx, s, "order.list", nil)
		assert.Len(t, got, 2)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.OpenSessions())
}

func TestGenericsNoRows(t *testing.T) {
	e, f := setup(t, []*mapping.Statement{selectStmt("order.get", getOrderSQL, orderMap())})
	f.On("FROM orders", ordersResponse())

	o, err := QueryForObject[*Order](context.Background(), e, "order.get", 7)
	require.NoError(t, err)
	assert.Nil(t, o)
}
