package project

import (
	"context"
	"errors"
	"io"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanOf(t *testing.T) operators.Operator {
	t.Helper()
	op, err := memorySource(t).Open(context.Background(), ScanOptions{})
	require.NoError(t, err)
	return op
}

func TestProjectExec_Init(t *testing.T) {
	exprs := []Expr.Expression{Expr.Col("id"), Expr.Col("name")}
	proj, err := NewProjectExec(scanOf(t), exprs, nil)
	require.NoError(t, err)
	assert.Equal(t, len(exprs), proj.Schema().NumFields())

	t.Run("missing column", func(t *testing.T) {
		_, err := NewProjectExec(scanOf(t), []Expr.Expression{Expr.Col("ghost")}, nil)
		assert.True(t, errors.Is(err, operators.ErrColumnNotFound))
	})

	t.Run("duplicate output name", func(t *testing.T) {
		_, err := NewProjectExec(scanOf(t), []Expr.Expression{Expr.Col("id"), Expr.As(Expr.Col("age"), "id")}, nil)
		assert.True(t, errors.Is(err, operators.ErrShape))
	})
}

func TestProjectExec_Batches(t *testing.T) {
	proj, err := NewProjectExec(scanOf(t), []Expr.Expression{Expr.Col("id"), Expr.Col("name")}, nil)
	require.NoError(t, err)

	rb, err := proj.Next(3)
	require.NoError(t, err)
	assert.Equal(t, 2, len(rb.Columns))
	assert.Equal(t, uint64(3), rb.RowCount)

	total := rb.RowCount
	for {
		rb, err = proj.Next(3)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		total += rb.RowCount
	}
	assert.Equal(t, uint64(10), total)
	assert.NoError(t, proj.Close())
}

func TestProjectExec_Expressions(t *testing.T) {
	pool, err := operators.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	exprs := []Expr.Expression{
		Expr.As(Expr.Mul(Expr.Col("salary"), Expr.Lit(2.0)), "double"),
		Expr.ToUpper(Expr.Col("name")),
		Expr.Sum(Expr.Col("age")),
		Expr.As(Expr.Lit("const"), "tag"),
	}
	proj, err := NewProjectExec(scanOf(t), exprs, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"double", "name", "age_sum", "tag"},
		[]string{proj.Schema().Field(0).Name, proj.Schema().Field(1).Name, proj.Schema().Field(2).Name, proj.Schema().Field(3).Name})

	rb, err := proj.Next(100)
	require.NoError(t, err)
	require.Equal(t, uint64(10), rb.RowCount)

	assert.Equal(t, 140000.0, rb.Columns[0].(*array.Float64).Value(0))
	assert.Equal(t, "ALICE", rb.Columns[1].(*array.String).Value(0))
	sums := rb.Columns[2].(*array.Int64)
	for i := 0; i < sums.Len(); i++ {
		assert.Equal(t, int64(341), sums.Value(i))
	}
	assert.Equal(t, "const", rb.Columns[3].(*array.String).Value(9))
}

func TestProjectExec_OnlyAggregations(t *testing.T) {
	proj, err := NewProjectExec(scanOf(t), []Expr.Expression{Expr.Max(Expr.Col("age")), Expr.Count(Expr.Col("id"))}, nil)
	require.NoError(t, err)
	table, err := operators.ConsumeOperator(proj)
	require.NoError(t, err)
	require.Equal(t, uint64(1), table.RowCount)
	assert.Equal(t, int32(50), table.Columns[0].(*array.Int32).Value(0))
	assert.Equal(t, arrow.UINT32, table.Columns[1].DataType().ID())
}

func TestEvalProjectionShapeError(t *testing.T) {
	table, err := operators.ConsumeOperator(scanOf(t))
	require.NoError(t, err)
	exprs := []Expr.Expression{
		Expr.Col("id"),
		Expr.FilterBy(Expr.Col("age"), Expr.Gt(Expr.Col("age"), Expr.Lit(int32(30)))),
	}
	_, err = EvalProjection(nil, exprs, table)
	assert.True(t, errors.Is(err, operators.ErrShape))
}
