package dynamic

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/errs"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderSearch struct {
	Status    string
	MinTotal  int
	Customers []int64
	OrderBy   *string
}

type accountPatch struct {
	ID    int
	Name  *string
	Email *string
	Age   *int
}

func ptr[T any](v T) *T { return &v }

// render formats a result for golden comparison.
func render(res *Result) []byte {
	var b strings.Builder
	b.WriteString(res.SQL)
	b.WriteByte('\n')
	for i, bd := range res.Bindings {
		fmt.Fprintf(&b, "%d %s=%v\n", i+1, bd.Path, deref(bd.Value))
	}
	return []byte(b.String())
}

func searchTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := Compile([]Node{
		Text("SELECT id, customer_id, status, total\n   FROM orders"),
		Dynamic("WHERE",
			When(IsNotEmpty, "Status", "AND", Text("status = #Status#")),
			Compare(IsGreaterEqual, "MinTotal", 0, "AND", Text("total >= #MinTotal#")),
			When(IsNotEmpty, "Customers", "AND",
				Iterate("Customers", "customer_id IN (", ",", ")", "", Text("#Customers[]#")),
			),
		),
		When(IsNotNull, "OrderBy", "", Text("ORDER BY $OrderBy$")),
	})
	require.NoError(t, err)
	return tree
}

func TestGoldenRendering(t *testing.T) {
	g := goldie.New(t)

	t.Run("search_orders", func(t *testing.T) {
		res, err := searchTree(t).Evaluate(&orderSearch{
			Status:    "open",
			MinTotal:  100,
			Customers: []int64{7, 9},
			OrderBy:   ptr("total DESC"),
		}, EvalOptions{Dialect: dialect.NewPostgresDialect()})
		require.NoError(t, err)
		g.Assert(t, "search_orders", render(res))
	})

	t.Run("nested_iterate", func(t *testing.T) {
		tree := MustCompile([]Node{
			Text("SELECT * FROM lines WHERE"),
			Iterate("orders", "(", "OR", ")", "",
				Text("(order_id = #orders[].id# AND sku IN"),
				Iterate("orders[].skus", "(", ",", ")", "", Text("#orders[].skus[]#")),
				Text(")"),
			),
		})
		param := map[string]any{"orders": []map[string]any{
			{"id": 1, "skus": []string{"a", "b"}},
			{"id": 2, "skus": []string{"c"}},
		}}
		res, err := tree.Evaluate(param, EvalOptions{Dialect: dialect.NewMySQLDialect()})
		require.NoError(t, err)
		g.Assert(t, "nested_iterate", render(res))
	})

	t.Run("update_set", func(t *testing.T) {
		tree := MustCompile([]Node{
			Text("UPDATE accounts SET"),
			Dynamic("",
				When(IsNotNull, "Name", ",", Text("name = #Name#")),
				When(IsNotNull, "Email", ",", Text("email = #Email:VARCHAR#")),
				When(IsNotNull, "Age", ",", Text("age = #Age#")),
			),
			Text("WHERE id = #ID#"),
		})
		res, err := tree.Evaluate(&accountPatch{ID: 4, Email: ptr("a@b.io"), Age: ptr(30)},
			EvalOptions{Dialect: dialect.NewPostgresDialect()})
		require.NoError(t, err)
		g.Assert(t, "update_set", render(res))
		assert.Equal(t, "VARCHAR", res.Bindings[0].DbType)
	})
}

func TestPrependSuppression(t *testing.T) {
	grouped := MustCompile([]Node{
		Text("SELECT * FROM t"),
		Dynamic("WHERE",
			When(IsNotNull, "a", "AND", Text("a = #a#")),
			When(IsNotNull, "b", "AND", Text("b = #b#")),
		),
	})
	bare := MustCompile([]Node{
		Text("SELECT * FROM T"),
		When(IsNotNull, "name", "WHERE", Text("name = #name#")),
	})

	tests := []struct {
		name     string
		tree     *Tree
		param    map[string]any
		sql      string
		bindings []Binding
	}{
		{"OnlySecond", grouped, map[string]any{"a": nil, "b": 5}, "SELECT * FROM t WHERE b = ?", []Binding{{Path: "b", Value: 5}}},
		{"Both", grouped, map[string]any{"a": 1, "b": 2}, "SELECT * FROM t WHERE a = ? AND b = ?",
			[]Binding{{Path: "a", Value: 1}, {Path: "b", Value: 2}}},
		{"Neither", grouped, map[string]any{}, "SELECT * FROM t", []Binding{}},
		{"ConditionalAfterLiteral", bare, map[string]any{"name": "x"}, "SELECT * FROM T WHERE name = ?",
			[]Binding{{Path: "name", Value: "x"}}},
		{"ConditionalAfterLiteralNull", bare, map[string]any{"name": nil}, "SELECT * FROM T", []Binding{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.tree.Evaluate(tt.param, EvalOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.sql, res.SQL)
			assert.Equal(t, tt.bindings, append([]Binding{}, res.Bindings...))
		})
	}
}

func TestFirstFragmentDropsPrepend(t *testing.T) {
	tree := MustCompile([]Node{When(IsNotNull, "a", "AND", Text("a = 1"))})
	res, err := tree.Evaluate(map[string]any{"a": 1}, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a = 1", res.SQL)
}

func TestWhitespaceOnlyOutputIsNotAContribution(t *testing.T) {
	tree := MustCompile([]Node{
		Text("SELECT 1"),
		Dynamic("WHERE", When(IsNull, "a", "AND", Text("   \n  "))),
	})
	res, err := tree.Evaluate(map[string]any{}, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", res.SQL)
}

func TestIterate(t *testing.T) {
	t.Run("InClause", func(t *testing.T) {
		tree := MustCompile([]Node{
			Text("SELECT * FROM t WHERE id IN"),
			Iterate("ids", "(", ",", ")", "", Text("#ids[]#")),
		})
		res, err := tree.Evaluate(map[string]any{"ids": []int{1, 2, 3}}, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM t WHERE id IN (?, ?, ?)", res.SQL)
		assert.Equal(t, []Binding{{Path: "ids[0]", Value: 1}, {Path: "ids[1]", Value: 2}, {Path: "ids[2]", Value: 3}}, res.Bindings)
	})

	t.Run("ParameterItself", func(t *testing.T) {
		tree := MustCompile([]Node{
			Text("DELETE FROM t WHERE id IN"),
			Iterate("", "(", ",", ")", "", Text("#[]#")),
		})
		res, err := tree.Evaluate([]int{4, 5}, EvalOptions{Dialect: dialect.NewPostgresDialect()})
		require.NoError(t, err)
		assert.Equal(t, "DELETE FROM t WHERE id IN ($1, $2)", res.SQL)
		assert.Equal(t, "[1]", res.Bindings[1].Path)
	})

	t.Run("ItemAlias", func(t *testing.T) {
		type user struct{ Name string }
		tree := MustCompile([]Node{
			Iterate("Users", "", "UNION ALL", "", "", Text("SELECT #u.Name# AS name")).As("u"),
		})
		res, err := tree.Evaluate(map[string]any{"Users": []user{{"ann"}, {"bob"}}}, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT ? AS name UNION ALL SELECT ? AS name", res.SQL)
		assert.Equal(t, []Binding{{Path: "Users[0].Name", Value: "ann"}, {Path: "Users[1].Name", Value: "bob"}}, res.Bindings)
	})

	t.Run("EmptyAndNil", func(t *testing.T) {
		tree := MustCompile([]Node{
			Text("SELECT 1"),
			Iterate("ids", "AND id IN (", ",", ")", "AND", Text("#ids[]#")),
		})
		for _, param := range []any{map[string]any{"ids": []int{}}, map[string]any{"ids": nil}, map[string]any{}} {
			res, err := tree.Evaluate(param, EvalOptions{})
			require.NoError(t, err)
			assert.Equal(t, "SELECT 1", res.SQL)
			assert.Empty(t, res.Bindings)
		}
	})

	t.Run("SkipsEmptyElements", func(t *testing.T) {
		tree := MustCompile([]Node{
			Iterate("xs", "", "OR", "", "",
				When(IsNotNull, "xs[]", "", Text("x = #xs[]#")),
			),
		})
		res, err := tree.Evaluate(map[string]any{"xs": []any{nil, 1, nil, 2}}, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "x = ? OR x = ?", res.SQL)
		assert.Equal(t, "xs[3]", res.Bindings[1].Path)
	})

	t.Run("NotACollection", func(t *testing.T) {
		tree := MustCompile([]Node{Iterate("ids", "(", ",", ")", "", Text("#ids[]#"))})
		_, err := tree.Evaluate(map[string]any{"ids": 5}, EvalOptions{})
		assert.True(t, errs.IsUnresolvedProperty(err))
	})
}

func TestConditionalTests(t *testing.T) {
	param := map[string]any{
		"status": "open",
		"n":      5,
		"price":  2.5,
		"flag":   true,
		"a":      3,
		"b":      3,
		"none":   nil,
		"empty":  "",
		"list":   []int{},
	}

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"EqualString", Compare(IsEqual, "status", "open", ""), true},
		{"EqualNumericString", Compare(IsEqual, "n", "5", ""), true},
		{"GreaterThan", Compare(IsGreaterThan, "n", 3, ""), true},
		{"GreaterEqualBoundary", Compare(IsGreaterEqual, "n", 5, ""), true},
		{"LessThanFloat", Compare(IsLessThan, "price", 3, ""), true},
		{"LessEqualFalse", Compare(IsLessEqual, "n", 4, ""), false},
		{"NotEqual", Compare(IsNotEqual, "status", "closed", ""), true},
		{"EqualBool", Compare(IsEqual, "flag", "true", ""), true},
		{"CompareProperty", CompareTo(IsEqual, "a", "b", ""), true},
		{"NilEqual", Compare(IsEqual, "none", 1, ""), false},
		{"NilNotEqual", Compare(IsNotEqual, "none", 1, ""), true},
		{"NilGreater", Compare(IsGreaterThan, "none", 1, ""), false},
		{"NullMissingKey", When(IsNull, "missing", ""), true},
		{"NotNull", When(IsNotNull, "n", ""), true},
		{"EmptyString", When(IsEmpty, "empty", ""), true},
		{"EmptySlice", When(IsEmpty, "list", ""), true},
		{"NotEmpty", When(IsNotEmpty, "status", ""), true},
		{"EmptyNil", When(IsEmpty, "none", ""), true},
		{"PropertyAvailable", When(IsPropertyAvailable, "none", ""), true},
		{"PropertyNotAvailable", When(IsNotPropertyAvailable, "missing", ""), true},
		{"ParameterPresent", When(IsParameterPresent, "", ""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.node
			n.Children = []Node{Text("X")}
			tree, err := Compile([]Node{n})
			require.NoError(t, err)
			res, err := tree.Evaluate(param, EvalOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SQL == "X")
		})
	}

	t.Run("ParameterAbsent", func(t *testing.T) {
		tree := MustCompile([]Node{
			When(IsParameterPresent, "", "", Text("present")),
			When(IsNotParameterPresent, "", "", Text("absent")),
		})
		res, err := tree.Evaluate(nil, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "absent", res.SQL)
	})

	t.Run("IncomparableOperand", func(t *testing.T) {
		tree := MustCompile([]Node{Compare(IsGreaterThan, "n", "lots", "", Text("X"))})
		_, err := tree.Evaluate(param, EvalOptions{})
		assert.True(t, errs.IsConfiguration(err))
	})
}

func TestMarkers(t *testing.T) {
	t.Run("NullValueReplacement", func(t *testing.T) {
		tree := MustCompile([]Node{Text("UPDATE t SET qty = #Qty:INTEGER:-1#, note = #Note,nullValue=n/a,handler=json#")})
		res, err := tree.Evaluate(map[string]any{"Qty": -1, "Note": "n/a"}, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "UPDATE t SET qty = ?, note = ?", res.SQL)
		assert.Equal(t, []Binding{
			{Path: "Qty", Value: nil, DbType: "INTEGER"},
			{Path: "Note", Value: nil, Handler: "json"},
		}, res.Bindings)
	})

	t.Run("InlineSubstitution", func(t *testing.T) {
		tree := MustCompile([]Node{Text("SELECT * FROM $table$ ORDER BY $col$")})
		assert.False(t, tree.Static())
		res, err := tree.Evaluate(map[string]any{"table": "users", "col": "name"}, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM users ORDER BY name", res.SQL)
		assert.Empty(t, res.Bindings)
	})

	t.Run("Escapes", func(t *testing.T) {
		tree := MustCompile([]Node{Text("SELECT '##tag', $$x, $1::int, price$ FROM t")})
		res, err := tree.Evaluate(nil, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT '#tag', $x, $1::int, price$ FROM t", res.SQL)
	})

	t.Run("ScalarParameter", func(t *testing.T) {
		tree := MustCompile([]Node{Text("SELECT * FROM users WHERE id = #value#")})
		res, err := tree.Evaluate(42, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, []any{42}, res.Args())
	})

	t.Run("PreserveWhitespace", func(t *testing.T) {
		tree := MustCompile([]Node{Text("SELECT a,\n       b\nFROM t")}, PreserveWhitespace())
		res, err := tree.Evaluate(nil, EvalOptions{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT a,\n       b\nFROM t", res.SQL)
	})
}

func TestParameterMap(t *testing.T) {
	type row struct {
		A string
		B int
	}
	tree := MustCompile([]Node{Text("INSERT INTO t (a, b, c) VALUES (?, ?, 'lit?')")})
	pm := []Marker{{Path: "A"}, {Path: "B", NullValue: "-1", HasNullValue: true}}

	res, err := tree.Evaluate(row{A: "x", B: -1}, EvalOptions{ParameterMap: pm, Dialect: dialect.NewPostgresDialect()})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES ($1, $2, 'lit?')", res.SQL)
	assert.Equal(t, []any{"x", nil}, res.Args())

	_, err = tree.Evaluate(row{}, EvalOptions{ParameterMap: pm[:1]})
	assert.True(t, errs.IsConfiguration(err))

	_, err = tree.Evaluate(row{}, EvalOptions{ParameterMap: append(pm, Marker{Path: "A"})})
	assert.True(t, errs.IsConfiguration(err))

	res, err = tree.Evaluate(row{}, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES (?, ?, 'lit?')", res.SQL)
	assert.Empty(t, res.Bindings)
}

func TestStaticTree(t *testing.T) {
	tree := MustCompile([]Node{Text("SELECT *  FROM users\n WHERE id = #id# AND org = #org#")})
	require.True(t, tree.Static())

	pg := dialect.NewPostgresDialect()
	first, err := tree.Evaluate(map[string]any{"id": 1, "org": "a"}, EvalOptions{Dialect: pg})
	require.NoError(t, err)
	second, err := tree.Evaluate(map[string]any{"id": 2, "org": "b"}, EvalOptions{Dialect: pg})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM users WHERE id = $1 AND org = $2", first.SQL)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, []any{2, "b"}, second.Args())

	lite, err := tree.Evaluate(map[string]any{"id": 3, "org": "c"}, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE id = ? AND org = ?", lite.SQL)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		node Node
	}{
		{"CompareWithoutOperand", Node{Kind: KindConditional, Test: IsEqual, Property: "a"}},
		{"CompareWithBothOperands", Node{Kind: KindConditional, Test: IsEqual, Property: "a", CompareProperty: "b", CompareValue: 1}},
		{"UnaryWithOperand", Node{Kind: KindConditional, Test: IsNull, Property: "a", CompareValue: 1}},
		{"MissingProperty", When(IsNull, "", "")},
		{"UnknownTest", Node{Kind: KindConditional, Test: 99, Property: "a"}},
		{"UnknownKind", Node{Kind: 42}},
		{"UnterminatedMarker", Text("a = #a")},
		{"UnknownMarkerAttribute", Text("#a,bogus=1#")},
		{"EmptyMarker", Text("a = # #")},
		{"ElementOutsideIterate", Text("#ids[]#")},
		{"BadPath", Text("#a..b#")},
		{"DynamicWithTest", Node{Kind: KindDynamic, Test: IsNull}},
		{"TextWithChildren", Node{Kind: KindLiteral, Children: []Node{Text("x")}}},
		{"NestedError", Dynamic("WHERE", When(IsNotNull, "a", "AND", Text("#b")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Node{tt.node})
			assert.True(t, errs.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestUnresolvedProperty(t *testing.T) {
	tree := MustCompile([]Node{Text("SELECT * FROM t WHERE x = #Missing#")})
	_, err := tree.Evaluate(&orderSearch{}, EvalOptions{})
	require.True(t, errs.IsUnresolvedProperty(err))
	assert.Contains(t, err.Error(), "Missing")
}

func TestParseTest(t *testing.T) {
	for test, name := range testNames {
		got, ok := ParseTest(name)
		require.True(t, ok)
		assert.Equal(t, test, got)
		assert.Equal(t, name, test.String())
	}
	_, ok := ParseTest("isMaybe")
	assert.False(t, ok)
}

func TestConcurrentEvaluation(t *testing.T) {
	tree := searchTree(t)
	pg := dialect.NewPostgresDialect()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			param := &orderSearch{MinTotal: -1, Customers: make([]int64, i%4)}
			for j := 0; j < 50; j++ {
				res, err := tree.Evaluate(param, EvalOptions{Dialect: pg})
				if !assert.NoError(t, err) {
					return
				}
				assert.Len(t, res.Bindings, i%4)
				if i%4 > 0 {
					assert.Contains(t, res.SQL, fmt.Sprintf("$%d)", i%4))
				}
			}
		}(i)
	}
	wg.Wait()
}
