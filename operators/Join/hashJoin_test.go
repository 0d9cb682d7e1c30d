package join

import (
	"errors"
	"io"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

var rbb = operators.NewRecordBatchBuilder()

func tableOp(t *testing.T, names []string, cols ...arrow.Array) operators.Operator {
	t.Helper()
	table, err := operators.NewTable(names, cols)
	if err != nil {
		t.Fatalf("failed to build table: %v", err)
	}
	return operators.NewTableOperator(table)
}

// foo/bar/ham on the left, apple/ham on the right
func fooHam(t *testing.T) (operators.Operator, operators.Operator) {
	left := tableOp(t, []string{"foo", "bar", "ham"},
		rbb.GenInt64Array(1, 2, 3),
		rbb.GenFloatArray(6, 7, 8),
		rbb.GenStringArray("a", "b", "c"))
	right := tableOp(t, []string{"apple", "ham"},
		rbb.GenStringArray("x", "y", "z"),
		rbb.GenStringArray("a", "b", "d"))
	return left, right
}

func onColumns(names ...string) JoinClause {
	l := make([]Expr.Expression, len(names))
	r := make([]Expr.Expression, len(names))
	for i, n := range names {
		l[i] = Expr.Col(n)
		r[i] = Expr.Col(n)
	}
	return NewJoinClause(l, r)
}

func runJoin(t *testing.T, left, right operators.Operator, clause JoinClause, how JoinType) *operators.RecordBatch {
	t.Helper()
	hj, err := NewHashJoinExec(left, right, clause, how, nil)
	if err != nil {
		t.Fatalf("failed to create join: %v", err)
	}
	out, err := operators.ConsumeOperator(hj)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return out
}

// render prints a row as strings, "null" for missing values.
func render(t *testing.T, table *operators.RecordBatch, row int, names ...string) []string {
	t.Helper()
	out := make([]string, len(names))
	for i, n := range names {
		col, err := table.Column(n)
		if err != nil {
			t.Fatalf("missing column %s: %v", n, err)
		}
		if col.IsNull(row) {
			out[i] = "null"
			continue
		}
		out[i] = col.ValueStr(row)
	}
	return out
}

func expectRows(t *testing.T, table *operators.RecordBatch, names []string, want [][]string) {
	t.Helper()
	if int(table.RowCount) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), table.RowCount)
	}
	for r, w := range want {
		got := render(t, table, r, names...)
		for i := range w {
			if got[i] != w[i] {
				t.Fatalf("row %d: expected %v, got %v", r, w, got)
			}
		}
	}
}

func TestJoinSchema(t *testing.T) {
	left, right := fooHam(t)
	hj, err := NewHashJoinExec(left, right, onColumns("ham"), InnerJoin, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"foo", "bar", "ham", "apple"}
	s := hj.Schema()
	if s.NumFields() != len(want) {
		t.Fatalf("expected %v, got %v", want, s)
	}
	for i, n := range want {
		if s.Field(i).Name != n {
			t.Fatalf("field %d: expected %s got %s", i, n, s.Field(i).Name)
		}
	}
	if hj.String() != "inner join on col(ham) = col(ham)" {
		t.Fatalf("unexpected description %q", hj.String())
	}
}

func TestHashJoinKinds(t *testing.T) {
	cols := []string{"foo", "ham", "apple"}
	t.Run("inner", func(t *testing.T) {
		left, right := fooHam(t)
		out := runJoin(t, left, right, onColumns("ham"), InnerJoin)
		expectRows(t, out, cols, [][]string{{"1", "a", "x"}, {"2", "b", "y"}})
	})

	t.Run("left", func(t *testing.T) {
		left, right := fooHam(t)
		out := runJoin(t, left, right, onColumns("ham"), LeftJoin)
		expectRows(t, out, cols, [][]string{{"1", "a", "x"}, {"2", "b", "y"}, {"3", "c", "null"}})
	})

	t.Run("outer", func(t *testing.T) {
		left, right := fooHam(t)
		out := runJoin(t, left, right, onColumns("ham"), OuterJoin)
		expectRows(t, out, cols, [][]string{
			{"1", "a", "x"},
			{"2", "b", "y"},
			{"null", "d", "z"},
			{"3", "c", "null"},
		})
	})
}

// left keys are int32 and cast up to match the int64 right keys, so the
// coalesced key column has to hold right values that do not fit in int32
func TestOuterJoinWidensCoalescedKey(t *testing.T) {
	left := tableOp(t, []string{"id", "l"}, rbb.GenIntArray(1, 2), rbb.GenStringArray("a", "b"))
	right := tableOp(t, []string{"id", "r"}, rbb.GenInt64Array(1, 5000000000), rbb.GenStringArray("x", "y"))
	clause := NewJoinClause(
		[]Expr.Expression{Expr.Cast(Expr.Col("id"), arrow.PrimitiveTypes.Int64)},
		[]Expr.Expression{Expr.Col("id")},
	)
	hj, err := NewHashJoinExec(left, right, clause, OuterJoin, nil)
	if err != nil {
		t.Fatalf("failed to create join: %v", err)
	}
	if dt := hj.Schema().Field(0).Type; !arrow.TypeEqual(dt, arrow.PrimitiveTypes.Int64) {
		t.Fatalf("expected coalesced key of type int64, got %s", dt)
	}
	out, err := operators.ConsumeOperator(hj)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	expectRows(t, out, []string{"id", "l", "r"}, [][]string{
		{"1", "a", "x"},
		{"5000000000", "null", "y"},
		{"2", "b", "null"},
	})
}

func TestHashJoinDuplicatesAndOrder(t *testing.T) {
	t.Run("right larger than left", func(t *testing.T) {
		left := tableOp(t, []string{"k", "l"}, rbb.GenInt64Array(1), rbb.GenStringArray("L0"))
		right := tableOp(t, []string{"k", "r"}, rbb.GenInt64Array(1, 2, 1), rbb.GenStringArray("R0", "R1", "R2"))
		out := runJoin(t, left, right, onColumns("k"), InnerJoin)
		expectRows(t, out, []string{"l", "r"}, [][]string{{"L0", "R0"}, {"L0", "R2"}})
	})

	t.Run("left larger than right", func(t *testing.T) {
		left := tableOp(t, []string{"k", "l"}, rbb.GenInt64Array(1, 2, 1), rbb.GenStringArray("L0", "L1", "L2"))
		right := tableOp(t, []string{"k", "r"}, rbb.GenInt64Array(1, 1), rbb.GenStringArray("R0", "R1"))
		out := runJoin(t, left, right, onColumns("k"), LeftJoin)
		expectRows(t, out, []string{"l", "r"}, [][]string{
			{"L0", "R0"}, {"L0", "R1"},
			{"L1", "null"},
			{"L2", "R0"}, {"L2", "R1"},
		})
	})

	t.Run("name clash gets suffix", func(t *testing.T) {
		left := tableOp(t, []string{"k", "v"}, rbb.GenInt64Array(1, 2), rbb.GenStringArray("a", "b"))
		right := tableOp(t, []string{"k", "v"}, rbb.GenInt64Array(2, 1), rbb.GenStringArray("B", "A"))
		out := runJoin(t, left, right, onColumns("k"), InnerJoin)
		expectRows(t, out, []string{"k", "v", "v_right"}, [][]string{{"1", "a", "A"}, {"2", "b", "B"}})
	})

	t.Run("multiple keys", func(t *testing.T) {
		left := tableOp(t, []string{"a", "b", "l"},
			rbb.GenInt64Array(1, 1, 2), rbb.GenStringArray("x", "y", "x"), rbb.GenInt64Array(10, 20, 30))
		right := tableOp(t, []string{"a", "b", "r"},
			rbb.GenInt64Array(1, 2, 1), rbb.GenStringArray("y", "x", "z"), rbb.GenInt64Array(100, 200, 300))
		out := runJoin(t, left, right, onColumns("a", "b"), InnerJoin)
		expectRows(t, out, []string{"l", "r"}, [][]string{{"20", "100"}, {"30", "200"}})
	})
}

func TestHashJoinNullKeysNeverMatch(t *testing.T) {
	one := int64(1)
	left := tableOp(t, []string{"k", "l"}, rbb.GenNullableInt64Array(&one, nil), rbb.GenStringArray("L0", "L1"))
	right := tableOp(t, []string{"k", "r"}, rbb.GenNullableInt64Array(nil, &one), rbb.GenStringArray("R0", "R1"))
	out := runJoin(t, left, right, onColumns("k"), InnerJoin)
	expectRows(t, out, []string{"l", "r"}, [][]string{{"L0", "R1"}})

	left = tableOp(t, []string{"k", "l"}, rbb.GenNullableInt64Array(&one, nil), rbb.GenStringArray("L0", "L1"))
	right = tableOp(t, []string{"k", "r"}, rbb.GenNullableInt64Array(nil, &one), rbb.GenStringArray("R0", "R1"))
	out = runJoin(t, left, right, onColumns("k"), OuterJoin)
	expectRows(t, out, []string{"k", "l", "r"}, [][]string{
		{"1", "L0", "R1"},
		{"null", "null", "R0"},
		{"null", "L1", "null"},
	})
}

func TestHashJoinErrors(t *testing.T) {
	t.Run("key type mismatch", func(t *testing.T) {
		left := tableOp(t, []string{"k"}, rbb.GenInt64Array(1))
		right := tableOp(t, []string{"k"}, rbb.GenStringArray("1"))
		_, err := NewHashJoinExec(left, right, onColumns("k"), InnerJoin, nil)
		if !errors.Is(err, operators.ErrType) {
			t.Fatalf("expected type error, got %v", err)
		}
	})

	t.Run("list keys", func(t *testing.T) {
		left := tableOp(t, []string{"k"}, rbb.GenInt64ListArray([]int64{1}))
		right := tableOp(t, []string{"k"}, rbb.GenInt64ListArray([]int64{1}))
		_, err := NewHashJoinExec(left, right, onColumns("k"), InnerJoin, nil)
		if !errors.Is(err, operators.ErrUnsupportedOperation) {
			t.Fatalf("expected unsupported operation, got %v", err)
		}
	})

	t.Run("clause count", func(t *testing.T) {
		left, right := fooHam(t)
		clause := NewJoinClause([]Expr.Expression{Expr.Col("ham")}, nil)
		if _, err := NewHashJoinExec(left, right, clause, InnerJoin, nil); !errors.Is(err, operators.ErrShape) {
			t.Fatalf("expected shape error, got %v", err)
		}
	})

	t.Run("missing key column", func(t *testing.T) {
		left, right := fooHam(t)
		if _, err := NewHashJoinExec(left, right, onColumns("foo"), InnerJoin, nil); !errors.Is(err, operators.ErrColumnNotFound) {
			t.Fatalf("expected column not found, got %v", err)
		}
	})
}

func TestHashJoinExecLifecycle(t *testing.T) {
	left, right := fooHam(t)
	pool, _ := operators.NewPool(4)
	defer pool.Release()
	hj, err := NewHashJoinExec(left, right, onColumns("ham"), LeftJoin, pool)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := hj.Next(2)
	if err != nil || rb.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %v (%v)", rb, err)
	}
	if _, ok := rb.Columns[0].(*array.Int64); !ok {
		t.Fatalf("expected int64 foo column, got %T", rb.Columns[0])
	}
	if err := hj.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := hj.Next(2); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
