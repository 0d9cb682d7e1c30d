package aggr

import (
	"errors"
	"opti-frame-go/operators"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
)

func TestDistinctExec(t *testing.T) {
	t.Run("subset keeps first occurrence", func(t *testing.T) {
		d, err := NewDistinctExec(staffScan(t), []string{"department"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		out := drain(t, d)
		sameInts(t, int32s(column(t, out, "id")), []int32{1, 2, 4})
		if out.NumCols() != 6 {
			t.Fatalf("distinct must keep every column, got %d", out.NumCols())
		}
	})

	t.Run("all columns", func(t *testing.T) {
		d, _ := NewDistinctExec(staffScan(t), nil, nil)
		if out := drain(t, d); out.RowCount != 8 {
			t.Fatalf("expected 8 unique rows, got %d", out.RowCount)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		subset := []string{"department", "region"}
		once, _ := NewDistinctExec(staffScan(t), subset, nil)
		first := drain(t, once)
		twice, _ := NewDistinctExec(operators.NewTableOperator(first), subset, nil)
		second := drain(t, twice)
		if first.RowCount != 4 || !first.DeepEqual(second) {
			t.Fatalf("expected the same 4 rows twice, got %d then %d", first.RowCount, second.RowCount)
		}
	})

	t.Run("nulls compare equal", func(t *testing.T) {
		rbb := operators.NewRecordBatchBuilder()
		one := int64(1)
		table, _ := operators.NewTable([]string{"v"}, []arrow.Array{rbb.GenNullableInt64Array(nil, &one, nil, &one)})
		out, err := DistinctRows(nil, table, []string{"v"})
		if err != nil {
			t.Fatal(err)
		}
		if out.RowCount != 2 || !out.Columns[0].IsNull(0) {
			t.Fatalf("expected [null 1], got %v", out.Columns[0])
		}
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := NewDistinctExec(staffScan(t), []string{"team"}, nil)
		if !errors.Is(err, operators.ErrColumnNotFound) {
			t.Fatalf("expected column not found, got %v", err)
		}
	})

	t.Run("list column", func(t *testing.T) {
		rbb := operators.NewRecordBatchBuilder()
		table, _ := operators.NewTable([]string{"l"}, []arrow.Array{rbb.GenInt64ListArray([]int64{1}, []int64{1})})
		_, err := NewDistinctExec(operators.NewTableOperator(table), nil, nil)
		if !errors.Is(err, operators.ErrUnsupportedOperation) {
			t.Fatalf("expected unsupported operation, got %v", err)
		}
	})
}
