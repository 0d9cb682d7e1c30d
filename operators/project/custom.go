package project

import (
	"context"
	"fmt"
	"io"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (ScanSource)(&InMemorySource{})
	_ = (operators.Operator)(&memoryScan{})
)

var (
	ErrInvalidInMemoryDataType = func(name string, Type any) error {
		return operators.ErrTypef("%T is not a supported in memory dataType for column %q", Type, name)
	}
)

// InMemorySource scans an already materialized table.
type InMemorySource struct {
	table *operators.RecordBatch
}

func NewInMemorySource(table *operators.RecordBatch) *InMemorySource {
	return &InMemorySource{table: table}
}

// NewInMemoryProjectExec builds the table from plain Go slices, one per name.
func NewInMemoryProjectExec(names []string, columns []any) (*InMemorySource, error) {
	if len(names) != len(columns) {
		return nil, operators.ErrInvalidSchema("number of column names and columns do not match")
	}
	arrays := make([]arrow.Array, 0, len(names))
	for i, col := range columns {
		arr, err := unpackColumn(names[i], col)
		if err != nil {
			return nil, err
		}
		arrays = append(arrays, arr)
	}
	table, err := operators.NewTable(names, arrays)
	if err != nil {
		return nil, err
	}
	return &InMemorySource{table: table}, nil
}

func (ms *InMemorySource) Schema() (*arrow.Schema, error) { return ms.table.Schema, nil }

func (ms *InMemorySource) Table() *operators.RecordBatch { return ms.table }

func (ms *InMemorySource) String() string {
	return fmt.Sprintf("memory[%d rows]", ms.table.RowCount)
}

func (ms *InMemorySource) Open(_ context.Context, opts ScanOptions) (operators.Operator, error) {
	table := ms.table
	if len(opts.Projection) > 0 {
		var err error
		if table, err = table.Select(opts.Projection...); err != nil {
			return nil, err
		}
	}
	if opts.RowLimit > 0 {
		table = table.Slice(0, int64(opts.RowLimit))
	}
	return &memoryScan{schema: table.Schema, columns: table.Columns, rows: int64(table.RowCount)}, nil
}

// memoryScan hands out zero-copy slices of the columns.
type memoryScan struct {
	schema  *arrow.Schema
	columns []arrow.Array
	rows    int64
	pos     int64
}

func (ms *memoryScan) Next(n uint16) (*operators.RecordBatch, error) {
	if ms.pos >= ms.rows {
		return nil, io.EOF
	}
	toRead := int64(n)
	if remaining := ms.rows - ms.pos; remaining < toRead || n == 0 {
		toRead = remaining
	}
	outPutCols := make([]arrow.Array, len(ms.columns))
	for i, col := range ms.columns {
		outPutCols[i] = array.NewSlice(col, ms.pos, ms.pos+toRead)
	}
	ms.pos += toRead
	return &operators.RecordBatch{
		Schema:   ms.schema,
		Columns:  outPutCols,
		RowCount: uint64(toRead),
	}, nil
}

func (ms *memoryScan) Schema() *arrow.Schema { return ms.schema }

func (ms *memoryScan) Close() error { return nil }

type valuesBuilder[T any] interface {
	AppendValues(v []T, valid []bool)
	NewArray() arrow.Array
	Release()
}

func fromSlice[T any](b valuesBuilder[T], values []T) arrow.Array {
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewArray()
}

func widen[From, To int | uint | int64 | uint64](values []From) []To {
	out := make([]To, len(values))
	for i, v := range values {
		out[i] = To(v)
	}
	return out
}

func unpackColumn(name string, col any) (arrow.Array, error) {
	mem := memory.DefaultAllocator
	switch c := col.(type) {
	case arrow.Array:
		c.Retain()
		return c, nil
	case []int:
		return fromSlice[int64](array.NewInt64Builder(mem), widen[int, int64](c)), nil
	case []int8:
		return fromSlice[int8](array.NewInt8Builder(mem), c), nil
	case []int16:
		return fromSlice[int16](array.NewInt16Builder(mem), c), nil
	case []int32:
		return fromSlice[int32](array.NewInt32Builder(mem), c), nil
	case []int64:
		return fromSlice[int64](array.NewInt64Builder(mem), c), nil
	case []uint:
		return fromSlice[uint64](array.NewUint64Builder(mem), widen[uint, uint64](c)), nil
	case []uint8:
		return fromSlice[uint8](array.NewUint8Builder(mem), c), nil
	case []uint16:
		return fromSlice[uint16](array.NewUint16Builder(mem), c), nil
	case []uint32:
		return fromSlice[uint32](array.NewUint32Builder(mem), c), nil
	case []uint64:
		return fromSlice[uint64](array.NewUint64Builder(mem), c), nil
	case []float32:
		return fromSlice[float32](array.NewFloat32Builder(mem), c), nil
	case []float64:
		return fromSlice[float64](array.NewFloat64Builder(mem), c), nil
	case []string:
		return fromSlice[string](array.NewStringBuilder(mem), c), nil
	case []bool:
		return fromSlice[bool](array.NewBooleanBuilder(mem), c), nil
	case [][]int64:
		return operators.NewRecordBatchBuilder().GenInt64ListArray(c...), nil
	}
	return nil, ErrInvalidInMemoryDataType(name, col)
}
