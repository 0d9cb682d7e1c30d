package aggr

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

// order by col asc, col2 desc ....
var (
	_ = (operators.Operator)(&SortExec{})
)

type SortKey struct {
	Expr Expr.Expression
	// Descending flips the key; nulls then come last instead of first.
	Descending bool
}

func NewSortKey(expr Expr.Expression, descending ...bool) *SortKey {
	desc := false
	if len(descending) > 0 {
		desc = descending[0]
	}
	return &SortKey{Expr: expr, Descending: desc}
}

func CombineSortKeys(sk ...*SortKey) []SortKey {
	res := make([]SortKey, 0, len(sk))
	for _, s := range sk {
		res = append(res, *s)
	}
	return res
}

// SortExec reads its whole input, computes a stable ordering over the sort keys
// and gathers every column by it.
type SortExec struct {
	child    operators.Operator
	schema   *arrow.Schema
	sortKeys []SortKey
	pool     *operators.Pool
	out      *operators.ResultBuffer
}

func NewSortExec(child operators.Operator, sortKeys []SortKey, pool *operators.Pool) (*SortExec, error) {
	for _, k := range sortKeys {
		dt, err := Expr.ExprDataType(k.Expr, child.Schema())
		if err != nil {
			return nil, err
		}
		if operators.IsListType(dt) {
			return nil, operators.ErrListNotComparable("sort", Expr.OutputName(k.Expr), dt)
		}
	}
	return &SortExec{
		child:    child,
		schema:   child.Schema(),
		sortKeys: sortKeys,
		pool:     pool,
	}, nil
}

func (s *SortExec) Next(n uint16) (*operators.RecordBatch, error) {
	if s.out == nil {
		input, err := operators.ConsumeOperator(s.child)
		if err != nil {
			return nil, err
		}
		sorted, err := SortTable(s.pool, input, s.sortKeys)
		if err != nil {
			return nil, err
		}
		s.out = operators.NewResultBuffer(sorted)
	}
	return s.out.Next(n)
}

// SortTable returns table reordered by keys.
func SortTable(pool *operators.Pool, table *operators.RecordBatch, keys []SortKey) (*operators.RecordBatch, error) {
	if len(keys) == 0 || table.RowCount == 0 {
		return table, nil
	}
	rows := table.NumRows()
	cols := make([]arrow.Array, len(keys))
	names := make([]string, len(keys))
	reverse := make([]bool, len(keys))
	for i, k := range keys {
		arr, err := Expr.EvalExpression(k.Expr, table)
		if err != nil {
			return nil, err
		}
		if cols[i], err = Expr.Broadcast(arr, rows); err != nil {
			return nil, err
		}
		names[i] = Expr.OutputName(k.Expr)
		reverse[i] = k.Descending
	}
	idx, err := operators.ArgSort(names, cols, reverse, rows)
	if err != nil {
		return nil, err
	}
	out, err := table.Take(pool, operators.IndexArray(idx))
	if err != nil {
		return nil, operators.AsComputeError(err, "gathering sorted rows")
	}
	return out, nil
}

func (s *SortExec) Schema() *arrow.Schema {
	return s.schema
}

func (s *SortExec) Close() error {
	s.out = operators.NewResultBuffer(nil)
	return s.child.Close()
}
