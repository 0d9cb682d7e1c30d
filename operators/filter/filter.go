package filter

import (
	"context"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/cockroachdb/errors"
)

var (
	_ = (operators.Operator)(&FilterExec{})
)

var (
	ErrNilPredicate        = errors.New("FilterExec requires a predicate")
	ErrPredicateNotBoolean = func(pred Expr.Expression, dt arrow.DataType) error {
		return operators.ErrTypef("filter predicate %s must be boolean, got %s", pred, dt)
	}
)

// FilterExec keeps the rows for which the predicate is true. The predicate is
// evaluated over the whole input so aggregations and windows inside it see
// every row; null mask entries drop the row.
type FilterExec struct {
	input     operators.Operator
	schema    *arrow.Schema
	predicate Expr.Expression
	pool      *operators.Pool
	out       *operators.ResultBuffer
}

func NewFilterExec(input operators.Operator, pred Expr.Expression, pool *operators.Pool) (*FilterExec, error) {
	if pred == nil {
		return nil, ErrNilPredicate
	}
	dt, err := Expr.ExprDataType(pred, input.Schema())
	if err != nil {
		return nil, err
	}
	if dt.ID() != arrow.BOOL && dt.ID() != arrow.NULL {
		return nil, ErrPredicateNotBoolean(pred, dt)
	}
	return &FilterExec{
		input:     input,
		predicate: pred,
		schema:    input.Schema(),
		pool:      pool,
	}, nil
}

func (f *FilterExec) Next(n uint16) (*operators.RecordBatch, error) {
	if f.out == nil {
		table, err := operators.ConsumeOperator(f.input)
		if err != nil {
			return nil, err
		}
		filtered, err := FilterTable(f.pool, table, f.predicate)
		if err != nil {
			return nil, err
		}
		f.out = operators.NewResultBuffer(filtered)
	}
	return f.out.Next(n)
}

// FilterTable evaluates pred against table and gathers the selected rows.
func FilterTable(pool *operators.Pool, table *operators.RecordBatch, pred Expr.Expression) (*operators.RecordBatch, error) {
	mask, err := Expr.EvalExpression(pred, table)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	rows := table.NumRows()
	switch {
	case mask.Len() == rows:
	case mask.Len() == 1:
		if mask, err = Expr.Broadcast(mask, rows); err != nil {
			return nil, err
		}
	default:
		return nil, operators.ErrShapef("filter predicate %s produced %d values for %d rows", pred, mask.Len(), rows)
	}
	boolMask, ok := mask.(*array.Boolean)
	if !ok {
		if mask.DataType().ID() == arrow.NULL {
			return operators.EmptyBatch(table.Schema), nil
		}
		return nil, ErrPredicateNotBoolean(pred, mask.DataType())
	}
	cols := make([]arrow.Array, len(table.Columns))
	err = pool.ParallelFor(len(cols), func(i int) error {
		col, err := ApplyBooleanMask(table.Columns[i], boolMask)
		if err != nil {
			return err
		}
		cols[i] = col
		return nil
	})
	if err != nil {
		return nil, operators.AsComputeError(err, "applying filter mask")
	}
	return operators.NewRecordBatch(table.Schema, cols)
}

func (f *FilterExec) Schema() *arrow.Schema {
	return f.schema
}

func (f *FilterExec) Close() error {
	f.out = operators.NewResultBuffer(nil)
	return f.input.Close()
}

// ApplyBooleanMask drops the rows whose mask entry is false or null.
func ApplyBooleanMask(col arrow.Array, mask *array.Boolean) (arrow.Array, error) {
	datum, err := compute.Filter(
		context.TODO(),
		compute.NewDatum(col),
		compute.NewDatum(mask),
		*compute.DefaultFilterOptions(),
	)
	if err != nil {
		return nil, err
	}
	defer datum.Release()
	return datum.(*compute.ArrayDatum).MakeArray(), nil
}
