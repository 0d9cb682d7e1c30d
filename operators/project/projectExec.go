package project

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	_ = (operators.Operator)(&ProjectExec{})
)

var (
	ErrDuplicateOutputName = func(name string) error {
		return operators.ErrInvalidSchema("projection produces column " + name + " twice")
	}
)

// ProjectExec evaluates one expression per output column over the whole
// input. Expressions run concurrently on the pool; results of length one
// (aggregations, literals) are broadcast to the common length.
type ProjectExec struct {
	input  operators.Operator
	exprs  []Expr.Expression
	schema *arrow.Schema
	pool   *operators.Pool
	out    *operators.ResultBuffer
}

func NewProjectExec(input operators.Operator, exprs []Expr.Expression, pool *operators.Pool) (*ProjectExec, error) {
	fields := make([]arrow.Field, len(exprs))
	seen := make(map[string]struct{}, len(exprs))
	for i, e := range exprs {
		f, err := Expr.ExprField(e, input.Schema())
		if err != nil {
			return nil, err
		}
		if _, dup := seen[f.Name]; dup {
			return nil, ErrDuplicateOutputName(f.Name)
		}
		seen[f.Name] = struct{}{}
		fields[i] = f
	}
	return &ProjectExec{
		input:  input,
		exprs:  exprs,
		schema: arrow.NewSchema(fields, nil),
		pool:   pool,
	}, nil
}

func (p *ProjectExec) Next(n uint16) (*operators.RecordBatch, error) {
	if p.out == nil {
		table, err := p.materialize()
		if err != nil {
			return nil, err
		}
		p.out = operators.NewResultBuffer(table)
	}
	return p.out.Next(n)
}

func (p *ProjectExec) materialize() (*operators.RecordBatch, error) {
	input, err := operators.ConsumeOperator(p.input)
	if err != nil {
		return nil, err
	}
	cols, err := EvalProjection(p.pool, p.exprs, input)
	if err != nil {
		return nil, err
	}
	return operators.NewRecordBatch(p.schema, cols)
}

// EvalProjection evaluates exprs against table and aligns the results to one
// length: results of length one are broadcast, any other mismatch is a shape
// error.
func EvalProjection(pool *operators.Pool, exprs []Expr.Expression, table *operators.RecordBatch) ([]arrow.Array, error) {
	cols := make([]arrow.Array, len(exprs))
	err := pool.ParallelFor(len(exprs), func(i int) error {
		arr, err := Expr.EvalExpression(exprs[i], table)
		if err != nil {
			return err
		}
		cols[i] = arr
		return nil
	})
	if err != nil {
		return nil, err
	}

	length := -1
	for i, c := range cols {
		if c.Len() == 1 {
			continue
		}
		if length >= 0 && c.Len() != length {
			return nil, operators.ErrShapef("expression %s has %d rows, expected %d", exprs[i], c.Len(), length)
		}
		length = c.Len()
	}
	if length < 0 {
		return cols, nil
	}
	for i, c := range cols {
		if cols[i], err = Expr.Broadcast(c, length); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func (p *ProjectExec) Schema() *arrow.Schema {
	return p.schema
}

func (p *ProjectExec) Close() error {
	p.out = operators.NewResultBuffer(nil)
	return p.input.Close()
}
