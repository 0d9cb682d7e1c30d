package filter

import (
	"errors"
	"io"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/array"
)

func ids(t *testing.T, op operators.Operator) []int32 {
	t.Helper()
	table := collect(t, op)
	raw, err := table.Column("id")
	if err != nil {
		t.Fatalf("missing id column: %v", err)
	}
	return raw.(*array.Int32).Int32Values()
}

func equalInts(t *testing.T, got, want []int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d expected %d got %d", i, want[i], got[i])
		}
	}
}

func TestLimitInit(t *testing.T) {
	lim, err := NewLimitExec(basicProject(), 5)
	if err != nil {
		t.Fatalf("failed to create limit exec: %v", err)
	}
	if lim.Schema().NumFields() != 8 {
		t.Fatalf("limit must not change the schema")
	}
}

func TestLimitExec_NextBehavior(t *testing.T) {
	t.Run("n < remaining", func(t *testing.T) {
		lim, _ := NewLimitExec(basicProject(), 5)
		rb, err := lim.Next(3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rb.RowCount != 3 {
			t.Fatalf("expected 3 rows, got %d", rb.RowCount)
		}
	})

	t.Run("n == remaining", func(t *testing.T) {
		lim, _ := NewLimitExec(basicProject(), 4)
		rb, _ := lim.Next(4)
		if rb.RowCount != 4 {
			t.Fatalf("expected 4 rows, got %d", rb.RowCount)
		}
		if _, err := lim.Next(4); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	})

	t.Run("n > remaining", func(t *testing.T) {
		lim, _ := NewLimitExec(basicProject(), 2)
		rb, _ := lim.Next(8)
		if rb.RowCount != 2 {
			t.Fatalf("expected 2 rows, got %d", rb.RowCount)
		}
	})

	t.Run("RequestZeroDoesNotChangeLimit", func(t *testing.T) {
		lim, _ := NewLimitExec(basicProject(), 3)
		rb, err := lim.Next(0)
		if err != nil || rb.RowCount != 0 {
			t.Fatalf("expected empty batch, got %v rows err %v", rb, err)
		}
		equalInts(t, ids(t, lim), []int32{1, 2, 3})
	})

	t.Run("AfterEOFAlwaysEOF", func(t *testing.T) {
		lim, _ := NewLimitExec(basicProject(), 1)
		_, _ = lim.Next(5)
		for i := 0; i < 3; i++ {
			if _, err := lim.Next(5); !errors.Is(err, io.EOF) {
				t.Fatalf("expected EOF, got %v", err)
			}
		}
	})
}

func TestSliceExec(t *testing.T) {
	tests := []struct {
		name           string
		offset, length int64
		want           []int32
	}{
		{"head", 0, 3, []int32{1, 2, 3}},
		{"middle", 4, 2, []int32{5, 6}},
		{"past the end clamps", 8, 10, []int32{9, 10}},
		{"offset beyond rows", 20, 5, []int32{}},
		{"zero length", 2, 0, []int32{}},
		{"tail", -3, 3, []int32{8, 9, 10}},
		{"from end partial", -4, 2, []int32{7, 8}},
		{"negative offset clamps", -50, 2, []int32{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSliceExec(basicProject(), tt.offset, tt.length)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			equalInts(t, ids(t, s), tt.want)
		})
	}

	t.Run("small batches cross the offset", func(t *testing.T) {
		s, _ := NewSliceExec(basicProject(), 3, 4)
		var got []int32
		for {
			rb, err := s.Next(2)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got = append(got, rb.Columns[0].(*array.Int32).Int32Values()...)
		}
		equalInts(t, got, []int32{4, 5, 6, 7})
	})

	t.Run("stops pulling once the window is filled", func(t *testing.T) {
		child := &countingOp{Operator: basicProject()}
		s, _ := NewSliceExec(child, 1, 2)
		out, err := operators.ConsumeOperatorBatched(s, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		equalInts(t, out.Columns[0].(*array.Int32).Int32Values(), []int32{2, 3})
		// the first batch of 2 yields 1 row past the offset, the second fills the window
		if child.pulls != 2 {
			t.Fatalf("expected 2 pulls from the child, got %d", child.pulls)
		}
	})
}

type countingOp struct {
	operators.Operator
	pulls int
}

func (c *countingOp) Next(n uint16) (*operators.RecordBatch, error) {
	c.pulls++
	return c.Operator.Next(n)
}

func TestLikePercentWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"name starts with A (A%)", "A%", []string{"Alice"}},
		{"name ends with e (%e)", "%e", []string{"Alice", "Charlie", "Eve", "Grace", "Jake"}},
		{"name contains 'an' (%an%)", "%an%", []string{"Frank", "Hannah"}},
		{"name is exactly 5 characters (_____)", "_____", []string{"Alice", "David", "Frank", "Grace"}},
		{"name starts with H and length is 6 (H_____)", "H_____", []string{"Hannah"}},
		{"fourth letter is r (___r%)", "___r%", []string{"Charlie"}},
		{"starts with C and exactly 7 chars (C______)", "C______", []string{"Charlie"}},
		{"ends with ake (_ake)", "_ake", []string{"Jake"}},
		{"starts with H and contains ah (H%ah%)", "H%ah%", []string{"Hannah"}},
		{"empty pattern matches nothing", "", []string{}},
		{"no names end with zz (%zz)", "%zz", []string{}},
		{"single underscore (_) matches 1-char names only", "_", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			equalStrings(t, filterNames(t, Expr.LikeExpr(Expr.Col("name"), tt.pattern)), tt.want)
		})
	}

	t.Run("wildcard only (%) matches all rows", func(t *testing.T) {
		if got := filterNames(t, Expr.LikeExpr(Expr.Col("name"), "%")); len(got) != 10 {
			t.Fatalf("expected 10 rows, got %d", len(got))
		}
	})
}
