package reshape

import (
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

var (
	_ = (operators.Operator)(&ExplodeExec{})
)

var (
	ErrExplodeNotList = func(name string, dt arrow.DataType) error {
		return operators.ErrUnsupportedf("explode needs a list column, %q is %s", name, dt)
	}
	ErrExplodeLengths = func(row int, a, b string, la, lb int64) error {
		return operators.ErrShapef("row %d: %q has %d elements but %q has %d", row, a, la, b, lb)
	}
)

// ExplodeSchema replaces every exploded list column by its element type.
func ExplodeSchema(input *arrow.Schema, columns []string) (*arrow.Schema, error) {
	if len(columns) == 0 {
		return nil, operators.ErrUnsupportedf("explode needs at least one column")
	}
	fields := append([]arrow.Field(nil), input.Fields()...)
	for _, name := range columns {
		idx := input.FieldIndices(name)
		if len(idx) == 0 {
			return nil, operators.ErrMissingColumn(name)
		}
		f := fields[idx[0]]
		lt, ok := f.Type.(arrow.ListLikeType)
		if !ok || !operators.IsListType(f.Type) {
			return nil, ErrExplodeNotList(name, f.Type)
		}
		fields[idx[0]] = arrow.Field{Name: f.Name, Type: lt.Elem(), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// ExplodeExec turns every element of the list columns into its own row and
// repeats the other columns alongside. An empty or null list yields one row
// holding null.
type ExplodeExec struct {
	input   operators.Operator
	columns []string
	schema  *arrow.Schema
	pool    *operators.Pool
	out     *operators.ResultBuffer
}

func NewExplodeExec(input operators.Operator, columns []string, pool *operators.Pool) (*ExplodeExec, error) {
	schema, err := ExplodeSchema(input.Schema(), columns)
	if err != nil {
		return nil, err
	}
	return &ExplodeExec{input: input, columns: columns, schema: schema, pool: pool}, nil
}

func (e *ExplodeExec) Next(n uint16) (*operators.RecordBatch, error) {
	if e.out == nil {
		table, err := operators.ConsumeOperator(e.input)
		if err != nil {
			return nil, err
		}
		exploded, err := Explode(e.pool, table, e.columns, e.schema)
		if err != nil {
			return nil, err
		}
		e.out = operators.NewResultBuffer(exploded)
	}
	return e.out.Next(n)
}

func listLength(l array.ListLike, row int) int64 {
	if l.IsNull(row) {
		return 0
	}
	start, end := l.ValueOffsets(row)
	return end - start
}

// Explode flattens columns of table into the given output schema.
func Explode(pool *operators.Pool, table *operators.RecordBatch, columns []string, schema *arrow.Schema) (*operators.RecordBatch, error) {
	lists := make(map[int]array.ListLike, len(columns))
	var first array.ListLike
	for _, name := range columns {
		col, err := table.Column(name)
		if err != nil {
			return nil, err
		}
		l, ok := col.(array.ListLike)
		if !ok {
			return nil, ErrExplodeNotList(name, col.DataType())
		}
		lists[table.ColumnIndex(name)] = l
		if first == nil {
			first = l
		}
	}

	rows := table.NumRows()
	var repeat []int
	lengths := make([]int64, rows)
	for r := 0; r < rows; r++ {
		lengths[r] = listLength(first, r)
		for _, name := range columns[1:] {
			other := lists[table.ColumnIndex(name)]
			if n := listLength(other, r); n != lengths[r] {
				return nil, ErrExplodeLengths(r, columns[0], name, lengths[r], n)
			}
		}
		out := lengths[r]
		if out == 0 {
			out = 1
		}
		for j := int64(0); j < out; j++ {
			repeat = append(repeat, r)
		}
	}

	repeatIdx := operators.IndexArray(repeat)
	cols := make([]arrow.Array, len(table.Columns))
	err := pool.ParallelFor(len(cols), func(i int) error {
		l, exploding := lists[i]
		if !exploding {
			arr, err := takeArray(table.Columns[i], repeatIdx)
			cols[i] = arr
			return err
		}
		idx := make([]int, 0, len(repeat))
		for r := 0; r < rows; r++ {
			if lengths[r] == 0 {
				idx = append(idx, -1)
				continue
			}
			start, end := l.ValueOffsets(r)
			for p := start; p < end; p++ {
				idx = append(idx, int(p))
			}
		}
		arr, err := takeArray(l.ListValues(), operators.IndexArray(idx))
		cols[i] = arr
		return err
	})
	if err != nil {
		return nil, operators.AsComputeError(err, "exploding list columns")
	}
	return operators.NewRecordBatch(schema, cols)
}

func (e *ExplodeExec) Schema() *arrow.Schema {
	return e.schema
}

func (e *ExplodeExec) Close() error {
	e.out = operators.NewResultBuffer(nil)
	return e.input.Close()
}
