package operators

import (
	"errors"
	"io"
	"math"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// ConsumeOperator drains o and concatenates every batch into one table. It
// does not close o.
func ConsumeOperator(o Operator) (*RecordBatch, error) {
	return ConsumeOperatorBatched(o, math.MaxUint16)
}

// ConsumeOperatorBatched is ConsumeOperator pulling at most n rows per call.
func ConsumeOperatorBatched(o Operator, n uint16) (*RecordBatch, error) {
	schema := o.Schema()
	mem := memory.NewGoAllocator()
	chunks := make([][]arrow.Array, schema.NumFields())
	for {
		batch, err := o.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if batch == nil || batch.RowCount == 0 {
			continue
		}
		if len(batch.Columns) != len(chunks) {
			return nil, ErrShapef("operator produced %d columns, schema has %d", len(batch.Columns), len(chunks))
		}
		for i, c := range batch.Columns {
			chunks[i] = append(chunks[i], c)
		}
	}
	if len(chunks) == 0 || len(chunks[0]) == 0 {
		return EmptyBatch(schema), nil
	}
	cols := make([]arrow.Array, len(chunks))
	for i, parts := range chunks {
		if len(parts) == 1 {
			cols[i] = parts[0]
			continue
		}
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = arr
	}
	return NewRecordBatch(schema, cols)
}

// ResultBuffer hands out a materialized table in slices of at most n rows.
type ResultBuffer struct {
	table  *RecordBatch
	offset int64
	done   bool
}

func NewResultBuffer(table *RecordBatch) *ResultBuffer {
	return &ResultBuffer{table: table}
}

func (b *ResultBuffer) Next(n uint16) (*RecordBatch, error) {
	if b.done || b.table == nil {
		return nil, io.EOF
	}
	total := int64(b.table.RowCount)
	// an empty table still yields one empty batch so the schema travels
	if total == 0 {
		b.done = true
		return b.table, nil
	}
	if b.offset >= total {
		b.done = true
		return nil, io.EOF
	}
	size := int64(n)
	if size == 0 {
		size = total
	}
	out := b.table.Slice(b.offset, size)
	b.offset += int64(out.RowCount)
	if b.offset >= total {
		b.done = true
	}
	return out, nil
}

// TableOperator replays a materialized table through the Operator interface.
type TableOperator struct {
	table *RecordBatch
	buf   *ResultBuffer
}

var (
	_ = (Operator)(&TableOperator{})
)

func NewTableOperator(table *RecordBatch) *TableOperator {
	return &TableOperator{table: table, buf: NewResultBuffer(table)}
}

func (t *TableOperator) Next(n uint16) (*RecordBatch, error) { return t.buf.Next(n) }
func (t *TableOperator) Schema() *arrow.Schema                { return t.table.Schema }
func (t *TableOperator) Close() error                         { return nil }
