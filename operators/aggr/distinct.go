package aggr

import (
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	_ = (operators.Operator)(&DistinctExec{})
)

// DistinctExec drops rows whose values over the subset columns (all columns
// when the subset is empty) were already seen. The first occurrence is kept
// and the input order is preserved.
type DistinctExec struct {
	child  operators.Operator
	schema *arrow.Schema
	subset []string
	pool   *operators.Pool
	out    *operators.ResultBuffer
}

func NewDistinctExec(child operators.Operator, subset []string, pool *operators.Pool) (*DistinctExec, error) {
	schema := child.Schema()
	names := subset
	if len(names) == 0 {
		names = make([]string, schema.NumFields())
		for i, f := range schema.Fields() {
			names[i] = f.Name
		}
	}
	for _, name := range names {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, operators.ErrMissingColumn(name)
		}
		if dt := schema.Field(idx[0]).Type; operators.IsListType(dt) {
			return nil, operators.ErrListNotComparable("distinct", name, dt)
		}
	}
	return &DistinctExec{child: child, schema: schema, subset: names, pool: pool}, nil
}

func (d *DistinctExec) Next(n uint16) (*operators.RecordBatch, error) {
	if d.out == nil {
		input, err := operators.ConsumeOperator(d.child)
		if err != nil {
			return nil, err
		}
		table, err := DistinctRows(d.pool, input, d.subset)
		if err != nil {
			return nil, err
		}
		d.out = operators.NewResultBuffer(table)
	}
	return d.out.Next(n)
}

// DistinctRows keeps the first row of every distinct key tuple over subset.
func DistinctRows(pool *operators.Pool, table *operators.RecordBatch, subset []string) (*operators.RecordBatch, error) {
	keys := make([]arrow.Array, len(subset))
	for i, name := range subset {
		col, err := table.Column(name)
		if err != nil {
			return nil, err
		}
		keys[i] = col
	}
	groups, err := operators.BuildGroups(subset, keys, table.NumRows())
	if err != nil {
		return nil, err
	}
	if table.RowCount == 0 || groups.Len() == table.NumRows() {
		return table, nil
	}
	return table.Take(pool, operators.IndexArray(groups.FirstIndices()))
}

func (d *DistinctExec) Schema() *arrow.Schema {
	return d.schema
}

func (d *DistinctExec) Close() error {
	d.out = operators.NewResultBuffer(nil)
	return d.child.Close()
}
