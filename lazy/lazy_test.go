package lazy

import (
	"context"
	"fmt"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/project"
	"opti-frame-go/operators/reshape"
	"opti-frame-go/plan"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rbb = operators.NewRecordBatchBuilder()

func mustTable(t *testing.T, names []string, cols ...arrow.Array) *operators.RecordBatch {
	t.Helper()
	table, err := operators.NewTable(names, cols)
	require.NoError(t, err)
	return table
}

func staff(t *testing.T) *LazyFrame {
	return FromTable(mustTable(t,
		[]string{"id", "name", "dept", "salary", "active"},
		rbb.GenInt64Array(1, 2, 3, 4, 5, 6),
		rbb.GenStringArray("ann", "bob", "cid", "dee", "eve", "fay"),
		rbb.GenStringArray("ops", "dev", "dev", "ops", "hr", "dev"),
		rbb.GenFloatArray(10, 20, 30, 40, 50, 25),
		rbb.GenBoolArray(true, false, true, true, false, true),
	))
}

func depts(t *testing.T) *LazyFrame {
	return FromTable(mustTable(t,
		[]string{"dept", "floor"},
		rbb.GenStringArray("dev", "ops", "law"),
		rbb.GenInt64Array(2, 1, 3),
	))
}

func collect(t *testing.T, lf *LazyFrame) *operators.RecordBatch {
	t.Helper()
	out, err := lf.Collect(context.Background())
	require.NoError(t, err)
	return out
}

// cells renders a column as strings, "null" for nulls.
func cells(t *testing.T, table *operators.RecordBatch, name string) []string {
	t.Helper()
	col, err := table.Column(name)
	require.NoError(t, err)
	out := make([]string, col.Len())
	for i := range out {
		if col.IsNull(i) {
			out[i] = "null"
		} else {
			out[i] = col.ValueStr(i)
		}
	}
	return out
}

func requireSameTable(t *testing.T, want, got *operators.RecordBatch) {
	t.Helper()
	require.True(t, plan.SameShape(want.Schema, got.Schema), "schema %s vs %s", want.Schema, got.Schema)
	require.Equal(t, want.NumRows(), got.NumRows())
	for i := range want.Columns {
		assert.True(t, array.Equal(want.Columns[i], got.Columns[i]),
			"column %s: %s vs %s", want.Schema.Field(i).Name, want.Columns[i], got.Columns[i])
	}
}

func ptr[T any](v T) *T { return &v }

func TestIrisGroupBySum(t *testing.T) {
	lf := Scan(project.NewCSVSource("testdata/iris.csv")).
		Filter(Expr.Gt(Expr.Col("sepal_length"), Expr.Lit(5))).
		GroupBy(Expr.Col("species")).
		Agg(Expr.Sum(Expr.Col("sepal_length")))

	out := collect(t, lf)
	assert.Equal(t, []string{"species", "sepal_length_sum"}, out.ColumnNames())
	species := cells(t, out, "species")
	sumsCol, err := out.Column("sepal_length_sum")
	require.NoError(t, err)
	sums := sumsCol.(*array.Float64)
	got := map[string]float64{}
	for i, s := range species {
		got[s] = sums.Value(i)
	}
	want := map[string]float64{"setosa": 116.9, "virginica": 324.5, "versicolor": 281.9}
	require.Len(t, got, len(want))
	for k, v := range want {
		assert.InDelta(t, v, got[k], 1e-9, k)
	}

	plain, err := lf.CollectWith(context.Background(), CollectOptions{NoOptimization: true})
	require.NoError(t, err)
	requireSameTable(t, out, plain)
}

func TestOuterJoin(t *testing.T) {
	left := FromTable(mustTable(t, []string{"foo", "ham"},
		rbb.GenInt64Array(1, 2, 3), rbb.GenStringArray("a", "b", "c")))
	right := FromTable(mustTable(t, []string{"apple", "ham"},
		rbb.GenStringArray("x", "y", "z"), rbb.GenStringArray("a", "b", "d")))

	out := collect(t, left.Join(right, JoinOptions{On: []Expr.Expression{Expr.Col("ham")}, How: join.OuterJoin}))
	assert.Equal(t, []string{"foo", "ham", "apple"}, out.ColumnNames())
	assert.Equal(t, []string{"1", "2", "null", "3"}, cells(t, out, "foo"))
	assert.Equal(t, []string{"a", "b", "d", "c"}, cells(t, out, "ham"))
	assert.Equal(t, []string{"x", "y", "z", "null"}, cells(t, out, "apple"))

	t.Run("keys of different widths", func(t *testing.T) {
		narrow := FromTable(mustTable(t, []string{"id", "l"}, rbb.GenIntArray(1, 2), rbb.GenStringArray("a", "b")))
		wide := FromTable(mustTable(t, []string{"id", "r"}, rbb.GenInt64Array(1, 5000000000), rbb.GenStringArray("x", "y")))
		lf := narrow.Join(wide, JoinOptions{On: []Expr.Expression{Expr.Col("id")}, How: join.OuterJoin})

		schema, err := lf.Schema()
		require.NoError(t, err)
		assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)

		out := collect(t, lf)
		assert.Equal(t, []string{"1", "5000000000", "2"}, cells(t, out, "id"))
		assert.Equal(t, []string{"x", "y", "null"}, cells(t, out, "r"))
	})
}

func TestWindowBroadcast(t *testing.T) {
	lf := FromTable(mustTable(t, []string{"groups", "values"},
		rbb.GenInt64Array(1, 1, 2, 2, 1, 2, 3, 3, 1),
		rbb.GenInt64Array(1, 2, 3, 4, 5, 6, 7, 8, 8))).
		Select(Expr.Col("groups"), Expr.Over(Expr.Sum(Expr.Col("values")), Expr.Col("groups")))

	out := collect(t, lf)
	require.Equal(t, 9, out.NumRows())
	assert.Equal(t, []int64{16, 16, 13, 13, 16, 13, 15, 15, 16}, out.Columns[1].(*array.Int64).Int64Values())
	assert.Equal(t, "values_sum", out.Schema.Field(1).Name)
}

func TestOptimizerTransparency(t *testing.T) {
	plans := map[string]*LazyFrame{
		"filter over join": staff(t).
			Join(depts(t), JoinOptions{On: []Expr.Expression{Expr.Col("dept")}, How: join.InnerJoin}).
			Filter(Expr.AllOf(Expr.Gt(Expr.Col("salary"), Expr.Lit(15)), Expr.Eq(Expr.Col("floor"), Expr.Lit(2)))).
			Select(Expr.Col("name"), Expr.Col("floor")),
		"left join keeps unmatched": staff(t).
			Join(depts(t).Filter(Expr.NotEq(Expr.Col("dept"), Expr.Lit("ops"))),
				JoinOptions{LeftOn: []Expr.Expression{Expr.Col("dept")}, RightOn: []Expr.Expression{Expr.Col("dept")}, How: join.LeftJoin}).
			Filter(Expr.Col("active")),
		"group by": staff(t).
			Filter(Expr.NotEq(Expr.Col("dept"), Expr.Lit("hr"))).
			GroupBy(Expr.Col("dept")).
			Agg(Expr.Mean(Expr.Col("salary")), Expr.Count(Expr.Col("id"))).
			Sort("dept"),
		"computed column": staff(t).
			WithColumn(Expr.As(Expr.Mul(Expr.Col("salary"), Expr.Lit(2)), "double")).
			Filter(Expr.Gt(Expr.Col("double"), Expr.Lit(45))).
			Select(Expr.Col("id"), Expr.Col("double")).
			Limit(2),
		"filter against an aggregate": staff(t).
			Filter(Expr.AllOf(Expr.Col("active"), Expr.Gt(Expr.Col("salary"), Expr.Mean(Expr.Col("salary"))))),
		"window after filter": staff(t).
			Filter(Expr.Col("active")).
			Select(Expr.Col("name"), Expr.Over(Expr.Max(Expr.Col("salary")), Expr.Col("dept"))),
		"constants": staff(t).
			Filter(Expr.AnyOf(Expr.Lit(false), Expr.AllOf(Expr.Lit(true), Expr.Col("active")))).
			Select(Expr.Col("id"), Expr.As(Expr.Add(Expr.Lit(1), Expr.Lit(2)), "three")),
		"sort then slice": staff(t).
			SortBy([]Expr.Expression{Expr.Col("dept"), Expr.Col("salary")}, false, true).
			Filter(Expr.Gt(Expr.Col("id"), Expr.Lit(1))).
			Tail(3),
	}
	for name, lf := range plans {
		t.Run(name, func(t *testing.T) {
			optimized := collect(t, lf)
			plain, err := lf.CollectWith(context.Background(), CollectOptions{NoOptimization: true})
			require.NoError(t, err)
			requireSameTable(t, plain, optimized)
		})
	}
}

func TestFetch(t *testing.T) {
	lf := staff(t).Filter(Expr.Gt(Expr.Col("salary"), Expr.Lit(15)))
	out, err := lf.Fetch(context.Background(), 2)
	require.NoError(t, err)
	// only ann and bob are read and ann is filtered out
	assert.Equal(t, []string{"bob"}, cells(t, out, "name"))
	assert.Equal(t, 5, collect(t, lf).NumRows())
}

func TestBuilderDoesNotMutate(t *testing.T) {
	base := staff(t)
	before, err := base.DescribePlan()
	require.NoError(t, err)
	filtered := base.Filter(Expr.Col("active"))
	_ = filtered.Sort("salary", true).Limit(1)

	after, err := base.DescribePlan()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 6, collect(t, base).NumRows())
	assert.Equal(t, 4, collect(t, filtered).NumRows())
	// a frame can be collected again
	assert.Equal(t, 4, collect(t, filtered).NumRows())
}

func TestDescribe(t *testing.T) {
	lf := staff(t).Filter(Expr.Gt(Expr.Col("salary"), Expr.Lit(15))).Select(Expr.Col("name"))
	raw, err := lf.DescribePlan()
	require.NoError(t, err)
	assert.Contains(t, raw, "FILTER")

	optimized, err := lf.DescribeOptimizedPlan()
	require.NoError(t, err)
	assert.NotContains(t, optimized, "FILTER")
	assert.Contains(t, optimized, "SELECTION")
	assert.Contains(t, optimized, "PROJECT 1/5 COLUMNS [name]")
}

func TestJoinOptions(t *testing.T) {
	key := []Expr.Expression{Expr.Col("dept")}
	cases := map[string]JoinOptions{
		"neither":       {},
		"both":          {On: key, LeftOn: key, RightOn: key},
		"one side":      {LeftOn: key},
		"count differs": {LeftOn: key, RightOn: append(key, Expr.Col("floor"))},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := staff(t).Join(depts(t), opts).Collect(context.Background())
			require.Error(t, err)
		})
	}
	_, err := staff(t).Join(depts(t), JoinOptions{}).Collect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidJoinOptions)
	_, err = staff(t).Join(depts(t), cases["both"]).Collect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidJoinOptions)
}

func TestErrorKinds(t *testing.T) {
	_, err := staff(t).DropColumns("nope").Select(Expr.Col("id")).Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrColumnNotFound)

	_, err = staff(t).Filter(Expr.Gt(Expr.Col("wage"), Expr.Lit(1))).Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrColumnNotFound)

	_, err = staff(t).Select(Expr.Add(Expr.Col("name"), Expr.Col("active"))).Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrType)

	_, err = staff(t).Select(Expr.Quantile(Expr.Col("salary"), 1.5)).Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrCompute)

	_, err = staff(t).Sort("salary", true, false).Collect(context.Background())
	assert.Error(t, err)
}

func TestDistinct(t *testing.T) {
	lf := FromTable(mustTable(t, []string{"a", "b"},
		rbb.GenInt64Array(1, 1, 2, 1, 2),
		rbb.GenStringArray("x", "x", "y", "z", "y")))

	once := collect(t, lf.Distinct())
	twice := collect(t, lf.Distinct().DropDuplicates())
	requireSameTable(t, once, twice)
	assert.Equal(t, []string{"1", "2", "1"}, cells(t, once, "a"))
	assert.Equal(t, []string{"x", "y", "z"}, cells(t, once, "b"))

	bySubset := collect(t, lf.DropDuplicates("a"))
	assert.Equal(t, []string{"x", "y"}, cells(t, bySubset, "b"))

	lists := FromTable(mustTable(t, []string{"id", "tags"},
		rbb.GenInt64Array(1, 2), rbb.GenInt64ListArray([]int64{1}, []int64{1})))
	_, err := lists.Distinct().Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrUnsupportedOperation)
}

func TestShift(t *testing.T) {
	lf := FromTable(mustTable(t, []string{"a", "s"},
		rbb.GenInt64Array(1, 2, 3, 4), rbb.GenStringArray("w", "x", "y", "z")))

	down := collect(t, lf.Shift(2))
	assert.Equal(t, []string{"null", "null", "1", "2"}, cells(t, down, "a"))
	assert.Equal(t, []string{"null", "null", "w", "x"}, cells(t, down, "s"))

	up := collect(t, lf.Shift(-1))
	assert.Equal(t, []string{"2", "3", "4", "null"}, cells(t, up, "a"))
}

func TestNulls(t *testing.T) {
	lf := FromTable(mustTable(t, []string{"a", "s"},
		rbb.GenNullableInt64Array(ptr[int64](1), nil, ptr[int64](3)),
		rbb.GenNullableStringArray(ptr("x"), ptr("y"), nil)))

	filled := collect(t, lf.FillNull(0))
	assert.Equal(t, []string{"1", "0", "3"}, cells(t, filled, "a"))
	assert.Equal(t, []string{"x", "y", "null"}, cells(t, filled, "s"), "a number is not written into text")
	assert.Equal(t, arrow.PrimitiveTypes.Int64, filled.Schema.Field(0).Type)

	text := collect(t, lf.FillNull("?"))
	assert.Equal(t, []string{"1", "null", "3"}, cells(t, text, "a"))
	assert.Equal(t, []string{"x", "y", "?"}, cells(t, text, "s"))

	assert.Equal(t, 1, collect(t, lf.DropNulls()).NumRows())
	assert.Equal(t, []string{"x", "null"}, cells(t, collect(t, lf.DropNulls("a")), "s"))
}

func TestColumnHelpers(t *testing.T) {
	out := collect(t, staff(t).
		DropColumns("active", "dept").
		RenameColumn("name", "who").
		WithColumns(Expr.As(Expr.Add(Expr.Col("salary"), Expr.Lit(1)), "salary"), Expr.As(Expr.Col("id"), "id2")).
		Tail(2))
	assert.Equal(t, []string{"id", "who", "salary", "id2"}, out.ColumnNames())
	assert.Equal(t, []string{"eve", "fay"}, cells(t, out, "who"))
	assert.Equal(t, []string{"51", "26"}, cells(t, out, "salary"))

	rev := collect(t, staff(t).Reverse().First())
	assert.Equal(t, []string{"fay"}, cells(t, rev, "name"))
	last := collect(t, staff(t).Last())
	assert.Equal(t, []string{"fay"}, cells(t, last, "name"))
	head := collect(t, staff(t).Head(2))
	assert.Equal(t, []string{"ann", "bob"}, cells(t, head, "name"))
}

func TestReductions(t *testing.T) {
	lf := staff(t).DropColumns("active")
	sum := collect(t, lf.Sum())
	require.Equal(t, 1, sum.NumRows())
	assert.Equal(t, []string{"21"}, cells(t, sum, "id"))
	assert.Equal(t, []string{"null"}, cells(t, sum, "name"))
	assert.Equal(t, []string{"175"}, cells(t, sum, "salary"))
	assert.Equal(t, arrow.BinaryTypes.String, sum.Schema.Field(1).Type)

	assert.Equal(t, []string{"ann"}, cells(t, collect(t, lf.Min()), "name"))
	assert.Equal(t, []string{"50"}, cells(t, collect(t, lf.Max()), "salary"))
	assert.Equal(t, []string{"3.5"}, cells(t, collect(t, lf.Mean()), "id"))
	assert.Equal(t, []string{"3.5"}, cells(t, collect(t, lf.Median()), "id"))
	assert.Equal(t, []string{"3.5"}, cells(t, collect(t, lf.Var()), "id"))
	std := collect(t, lf.Std())
	assert.Equal(t, arrow.PrimitiveTypes.Float64, std.Schema.Field(0).Type)
}

func TestExplodeAndUnpivot(t *testing.T) {
	lf := FromTable(mustTable(t, []string{"id", "vals"},
		rbb.GenStringArray("a", "b", "c", "d"),
		rbb.GenInt64ListArray([]int64{1, 2}, []int64{}, nil, []int64{3})))

	out := collect(t, lf.Explode("vals").Filter(Expr.IsNotNullExpr(Expr.Col("vals"))))
	assert.Equal(t, []string{"a", "a", "d"}, cells(t, out, "id"))

	all := collect(t, lf.Explode("vals"))
	assert.Equal(t, 5, all.NumRows(), "one row per element, one null row per empty or null list")

	wide := FromTable(mustTable(t, []string{"id", "x", "y"},
		rbb.GenStringArray("p", "q"), rbb.GenInt64Array(1, 2), rbb.GenInt64Array(3, 4)))
	long := collect(t, wide.Melt(reshape.UnpivotOptions{IDVars: []string{"id"}}).Filter(Expr.Gt(Expr.Col("value"), Expr.Lit(1))))
	assert.Equal(t, []string{"q", "p", "q"}, cells(t, long, "id"))
	assert.Equal(t, []string{"x", "y", "y"}, cells(t, long, "variable"))
}

func TestCacheAndMap(t *testing.T) {
	calls := 0
	counted := staff(t).Map(func(in *operators.RecordBatch) (*operators.RecordBatch, error) {
		calls++
		return in, nil
	}, nil).Cache()
	pairs := counted.Join(counted.Select(Expr.Col("id"), Expr.As(Expr.Col("salary"), "pay")),
		JoinOptions{On: []Expr.Expression{Expr.Col("id")}, How: join.InnerJoin})

	out := collect(t, pairs)
	assert.Equal(t, 6, out.NumRows())
	assert.Equal(t, cells(t, out, "salary"), cells(t, out, "pay"))
	assert.Equal(t, 1, calls)

	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int64}}, nil)
	counts := staff(t).Map(func(in *operators.RecordBatch) (*operators.RecordBatch, error) {
		return operators.NewTable([]string{"n"}, []arrow.Array{rbb.GenInt64Array(int64(in.NumRows()))})
	}, schema)
	assert.Equal(t, []string{"6"}, cells(t, collect(t, counts), "n"))

	_, err := staff(t).Map(func(*operators.RecordBatch) (*operators.RecordBatch, error) {
		return nil, fmt.Errorf("no")
	}, nil).Collect(context.Background())
	assert.ErrorIs(t, err, operators.ErrCompute)
}

func TestQuantileAndShiftAndFill(t *testing.T) {
	lf := staff(t).DropColumns("active")
	q := collect(t, lf.Quantile(0.25))
	require.Equal(t, 1, q.NumRows())
	assert.Equal(t, []string{"2.25"}, cells(t, q, "id"))
	assert.Equal(t, []string{"21.25"}, cells(t, q, "salary"))
	assert.Equal(t, []string{"null"}, cells(t, q, "name"))
	assert.Equal(t, arrow.BinaryTypes.String, q.Schema.Field(1).Type)

	filled := collect(t, lf.ShiftAndFill(1, 0))
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, cells(t, filled, "id"))
	assert.Equal(t, []string{"0", "10", "20", "30", "40", "50"}, cells(t, filled, "salary"))
	assert.Equal(t, []string{"null", "ann", "bob", "cid", "dee", "eve"}, cells(t, filled, "name"), "a number is not written into text")
	assert.Equal(t, arrow.PrimitiveTypes.Int64, filled.Schema.Field(0).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, filled.Schema.Field(3).Type)
}

func TestGroupByApply(t *testing.T) {
	total := func(in arrow.Array) (arrow.Array, error) {
		var s float64
		values := in.(*array.Float64)
		for i := 0; i < values.Len(); i++ {
			s += values.Value(i)
		}
		return rbb.GenFloatArray(s), nil
	}
	out := collect(t, staff(t).
		GroupBy(Expr.Col("dept")).
		Agg(Expr.As(Expr.Apply(Expr.Col("salary"), total, arrow.PrimitiveTypes.Float64), "total")).
		Sort("dept"))

	assert.Equal(t, []string{"dev", "hr", "ops"}, cells(t, out, "dept"))
	assert.Equal(t, []string{"75", "50", "50"}, cells(t, out, "total"))
	assert.Equal(t, arrow.PrimitiveTypes.Float64, out.Schema.Field(1).Type, "a reducing function gives a scalar per group")
}
