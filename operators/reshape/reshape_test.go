package reshape

import (
	"errors"
	"io"
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

func drain(t *testing.T, op operators.Operator) *operators.RecordBatch {
	t.Helper()
	out, err := operators.ConsumeOperator(op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out
}

func cells(t *testing.T, table *operators.RecordBatch, name string) []string {
	t.Helper()
	col, err := table.Column(name)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, col.Len())
	for i := range out {
		if col.IsNull(i) {
			out[i] = "null"
			continue
		}
		out[i] = col.ValueStr(i)
	}
	return out
}

func sameStrings(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestExplodeExec(t *testing.T) {
	t.Run("empty and null lists keep one row", func(t *testing.T) {
		lists := [][]int64{{1, 2}, {}, nil, {3}}
		input := tableOp(t, []string{"id", "vals"},
			rbb.GenStringArray("a", "b", "c", "d"),
			rbb.GenInt64ListArray(lists...))
		ex, err := NewExplodeExec(input, []string{"vals"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if ex.Schema().Field(1).Type.ID() != arrow.INT64 {
			t.Fatalf("expected exploded column to be int64, got %s", ex.Schema().Field(1).Type)
		}
		out := drain(t, ex)

		want := 0
		for _, l := range lists {
			want += max(1, len(l))
		}
		if out.NumRows() != want {
			t.Fatalf("expected %d rows, got %d", want, out.NumRows())
		}
		sameStrings(t, cells(t, out, "id"), []string{"a", "a", "b", "c", "d"})
		sameStrings(t, cells(t, out, "vals"), []string{"1", "2", "null", "null", "3"})
	})

	t.Run("two columns explode together", func(t *testing.T) {
		input := tableOp(t, []string{"x", "y"},
			rbb.GenInt64ListArray([]int64{1, 2}, []int64{3}),
			rbb.GenInt64ListArray([]int64{10, 20}, []int64{30}))
		ex, _ := NewExplodeExec(input, []string{"x", "y"}, nil)
		out := drain(t, ex)
		sameStrings(t, cells(t, out, "x"), []string{"1", "2", "3"})
		sameStrings(t, cells(t, out, "y"), []string{"10", "20", "30"})
	})

	t.Run("unequal lengths", func(t *testing.T) {
		input := tableOp(t, []string{"x", "y"},
			rbb.GenInt64ListArray([]int64{1, 2}),
			rbb.GenInt64ListArray([]int64{1}))
		ex, _ := NewExplodeExec(input, []string{"x", "y"}, nil)
		if _, err := ex.Next(10); !errors.Is(err, operators.ErrShape) {
			t.Fatalf("expected shape error, got %v", err)
		}
	})

	t.Run("non list column", func(t *testing.T) {
		input := tableOp(t, []string{"x"}, rbb.GenInt64Array(1))
		if _, err := NewExplodeExec(input, []string{"x"}, nil); !errors.Is(err, operators.ErrUnsupportedOperation) {
			t.Fatalf("expected unsupported operation, got %v", err)
		}
		if _, err := NewExplodeExec(input, []string{"nope"}, nil); !errors.Is(err, operators.ErrColumnNotFound) {
			t.Fatalf("expected column not found, got %v", err)
		}
	})

	t.Run("close", func(t *testing.T) {
		input := tableOp(t, []string{"x"}, rbb.GenInt64ListArray([]int64{1, 2, 3}))
		pool, _ := operators.NewPool(2)
		defer pool.Release()
		ex, _ := NewExplodeExec(input, []string{"x"}, pool)
		rb, err := ex.Next(2)
		if err != nil || rb.RowCount != 2 {
			t.Fatalf("expected 2 rows, got %v (%v)", rb, err)
		}
		_ = ex.Close()
		if _, err := ex.Next(2); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF after close, got %v", err)
		}
	})
}

func TestUnpivotExec(t *testing.T) {
	wide := func(t *testing.T) operators.Operator {
		return tableOp(t, []string{"id", "a", "b"},
			rbb.GenStringArray("x", "y"),
			rbb.GenInt64Array(1, 2),
			rbb.GenFloatArray(0.5, 1.5))
	}

	t.Run("value columns become rows", func(t *testing.T) {
		u, err := NewUnpivotExec(wide(t), UnpivotOptions{IDVars: []string{"id"}, ValueVars: []string{"a", "b"}})
		if err != nil {
			t.Fatal(err)
		}
		s := u.Schema()
		if s.NumFields() != 3 || s.Field(1).Name != "variable" || s.Field(2).Name != "value" {
			t.Fatalf("unexpected schema %v", s)
		}
		if s.Field(2).Type.ID() != arrow.FLOAT64 {
			t.Fatalf("expected float64 supertype, got %s", s.Field(2).Type)
		}
		out := drain(t, u)
		sameStrings(t, cells(t, out, "id"), []string{"x", "y", "x", "y"})
		sameStrings(t, cells(t, out, "variable"), []string{"a", "a", "b", "b"})
		values := out.Columns[2].(*array.Float64).Float64Values()
		want := []float64{1, 2, 0.5, 1.5}
		for i := range want {
			if values[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, values)
			}
		}
	})

	t.Run("defaults to every other column", func(t *testing.T) {
		u, err := NewUnpivotExec(wide(t), UnpivotOptions{IDVars: []string{"id"}, VariableName: "key", ValueName: "v"})
		if err != nil {
			t.Fatal(err)
		}
		out := drain(t, u)
		if out.NumRows() != 4 {
			t.Fatalf("expected 4 rows, got %d", out.NumRows())
		}
		sameStrings(t, cells(t, out, "key"), []string{"a", "a", "b", "b"})
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := NewUnpivotExec(wide(t), UnpivotOptions{IDVars: []string{"zz"}}); !errors.Is(err, operators.ErrColumnNotFound) {
			t.Fatalf("expected column not found, got %v", err)
		}
		withList := tableOp(t, []string{"a", "l"}, rbb.GenInt64Array(1), rbb.GenInt64ListArray([]int64{1}))
		if _, err := NewUnpivotExec(withList, UnpivotOptions{}); !errors.Is(err, operators.ErrType) {
			t.Fatalf("expected type error for int64 and list, got %v", err)
		}
		if _, err := NewUnpivotExec(wide(t), UnpivotOptions{IDVars: []string{"id"}, VariableName: "id"}); !errors.Is(err, operators.ErrShape) {
			t.Fatalf("expected shape error, got %v", err)
		}
	})
}
