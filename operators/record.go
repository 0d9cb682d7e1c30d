package operators

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

type Operator interface {
	Next(uint16) (*RecordBatch, error)
	Schema() *arrow.Schema
	// Call Operator.Close() after Next returns an io.EOF to clean up resources
	Close() error
}

// RecordBatch is the materialized table handed between operators and returned
// by Collect. Columns are aligned with Schema and all have RowCount entries.
type RecordBatch struct {
	Schema   *arrow.Schema
	Columns  []arrow.Array
	RowCount uint64
}

type SchemaBuilder struct {
	fields []arrow.Field
}

type RecordBatchBuilder struct {
	SchemaBuilder *SchemaBuilder
}

func NewRecordBatchBuilder() *RecordBatchBuilder {
	return &RecordBatchBuilder{
		SchemaBuilder: &SchemaBuilder{
			fields: make([]arrow.Field, 0, 10),
		},
	}
}

func (sb *SchemaBuilder) WithField(name string, dtype arrow.DataType, nullable bool) *SchemaBuilder {
	sb.fields = append(sb.fields, arrow.Field{
		Name:     name,
		Type:     dtype,
		Nullable: nullable,
	})
	return sb
}

func (sb *SchemaBuilder) WithoutField(names ...string) *SchemaBuilder {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	newFields := make([]arrow.Field, 0, len(sb.fields))
	for _, field := range sb.fields {
		if _, found := nameSet[field.Name]; !found {
			newFields = append(newFields, field)
		}
	}
	sb.fields = newFields
	return sb
}

func (sb *SchemaBuilder) Build() *arrow.Schema {
	return arrow.NewSchema(sb.fields, nil)
}

func (rbb *RecordBatchBuilder) Schema() *arrow.Schema {
	return rbb.SchemaBuilder.Build()
}

// schema is always right in case of type mismatches
func validateColumns(schema *arrow.Schema, columns []arrow.Array) error {
	if len(schema.Fields()) != len(columns) {
		return ErrInvalidSchema("schema fields and column count do not match")
	}
	seen := make(map[string]struct{}, len(columns))
	var problems []string
	for i := 0; i < len(columns); i++ {
		field := schema.Field(i)
		if _, dup := seen[field.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate column name '%s'.", field.Name))
		}
		seen[field.Name] = struct{}{}
		if !arrow.TypeEqual(columns[i].DataType(), field.Type) {
			problems = append(problems,
				fmt.Sprintf("Type mismatch at position %d: column '%s' has type '%s', but schema expects '%s'.",
					i, field.Name, columns[i].DataType(), field.Type))
		}
		if columns[i].Len() != columns[0].Len() {
			return ErrShapef("column %q has length %d, expected %d", field.Name, columns[i].Len(), columns[0].Len())
		}
	}
	if len(problems) > 0 {
		return ErrInvalidSchema(strings.Join(problems, " "))
	}
	return nil
}

func (rbb *RecordBatchBuilder) NewRecordBatch(schema *arrow.Schema, columns []arrow.Array) (*RecordBatch, error) {
	return NewRecordBatch(schema, columns)
}

// NewRecordBatch validates that columns line up with schema and have equal length.
func NewRecordBatch(schema *arrow.Schema, columns []arrow.Array) (*RecordBatch, error) {
	if err := validateColumns(schema, columns); err != nil {
		return nil, err
	}
	var rows uint64
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &RecordBatch{
		Schema:   schema,
		Columns:  columns,
		RowCount: rows,
	}, nil
}

// NewTable builds a table from named arrays, deriving the schema from them.
func NewTable(names []string, columns []arrow.Array) (*RecordBatch, error) {
	if len(names) != len(columns) {
		return nil, ErrInvalidSchema("number of column names and columns do not match")
	}
	sb := NewRecordBatchBuilder().SchemaBuilder
	for i, name := range names {
		sb.WithField(name, columns[i].DataType(), true)
	}
	return NewRecordBatch(sb.Build(), columns)
}

// EmptyBatch returns a zero-row table with the given schema.
func EmptyBatch(schema *arrow.Schema) *RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = array.MakeArrayOfNull(mem, f.Type, 0)
	}
	return &RecordBatch{Schema: schema, Columns: cols}
}

func (rb *RecordBatch) NumRows() int { return int(rb.RowCount) }
func (rb *RecordBatch) NumCols() int { return len(rb.Columns) }

// ColumnIndex returns the position of name or -1.
func (rb *RecordBatch) ColumnIndex(name string) int {
	idx := rb.Schema.FieldIndices(name)
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

func (rb *RecordBatch) Column(name string) (arrow.Array, error) {
	i := rb.ColumnIndex(name)
	if i < 0 {
		return nil, ErrMissingColumn(name)
	}
	return rb.Columns[i], nil
}

func (rb *RecordBatch) ColumnNames() []string {
	names := make([]string, len(rb.Schema.Fields()))
	for i, f := range rb.Schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// Select keeps the named columns in the requested order.
func (rb *RecordBatch) Select(names ...string) (*RecordBatch, error) {
	fields := make([]arrow.Field, 0, len(names))
	cols := make([]arrow.Array, 0, len(names))
	for _, name := range names {
		i := rb.ColumnIndex(name)
		if i < 0 {
			return nil, ErrMissingColumn(name)
		}
		col := rb.Columns[i]
		col.Retain()
		fields = append(fields, rb.Schema.Field(i))
		cols = append(cols, col)
	}
	return &RecordBatch{Schema: arrow.NewSchema(fields, nil), Columns: cols, RowCount: rb.RowCount}, nil
}

// HStack appends a column, or replaces the column with the same name.
func (rb *RecordBatch) HStack(name string, col arrow.Array) (*RecordBatch, error) {
	if len(rb.Columns) > 0 && uint64(col.Len()) != rb.RowCount {
		return nil, ErrShapef("cannot hstack column %q of length %d onto table with %d rows", name, col.Len(), rb.RowCount)
	}
	fields := append([]arrow.Field{}, rb.Schema.Fields()...)
	cols := append([]arrow.Array{}, rb.Columns...)
	field := arrow.Field{Name: name, Type: col.DataType(), Nullable: true}
	if i := rb.ColumnIndex(name); i >= 0 {
		fields[i] = field
		cols[i] = col
	} else {
		fields = append(fields, field)
		cols = append(cols, col)
	}
	return &RecordBatch{Schema: arrow.NewSchema(fields, nil), Columns: cols, RowCount: uint64(col.Len())}, nil
}

// VStack appends the rows of other; both tables must have the same schema.
func (rb *RecordBatch) VStack(other *RecordBatch) (*RecordBatch, error) {
	if !rb.Schema.Equal(other.Schema) {
		return nil, ErrShapef("cannot vstack tables with different schemas: %s vs %s", rb.Schema, other.Schema)
	}
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, len(rb.Columns))
	for i := range rb.Columns {
		arr, err := array.Concatenate([]arrow.Array{rb.Columns[i], other.Columns[i]}, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = arr
	}
	return &RecordBatch{Schema: rb.Schema, Columns: cols, RowCount: rb.RowCount + other.RowCount}, nil
}

// Slice is zero-copy; offset and length are clamped to the table bounds.
func (rb *RecordBatch) Slice(offset, length int64) *RecordBatch {
	n := int64(rb.RowCount)
	if offset > n {
		offset = n
	}
	end := offset + length
	if end > n {
		end = n
	}
	cols := make([]arrow.Array, len(rb.Columns))
	for i, c := range rb.Columns {
		cols[i] = array.NewSlice(c, offset, end)
	}
	return &RecordBatch{Schema: rb.Schema, Columns: cols, RowCount: uint64(end - offset)}
}

// Take gathers rows by index; null indices produce null rows.
func (rb *RecordBatch) Take(pool *Pool, indices arrow.Array) (*RecordBatch, error) {
	cols := make([]arrow.Array, len(rb.Columns))
	err := pool.ParallelFor(len(rb.Columns), func(i int) error {
		arr, err := compute.TakeArray(context.TODO(), rb.Columns[i], indices)
		if err != nil {
			return err
		}
		cols[i] = arr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &RecordBatch{Schema: rb.Schema, Columns: cols, RowCount: uint64(indices.Len())}, nil
}

func (rb *RecordBatch) DeepEqual(other *RecordBatch) bool {
	if !rb.Schema.Equal(other.Schema) {
		return false
	}
	if len(rb.Columns) != len(other.Columns) || rb.RowCount != other.RowCount {
		return false
	}
	for i := 0; i < len(rb.Columns); i++ {
		if !array.Equal(rb.Columns[i], other.Columns[i]) {
			return false
		}
	}
	return true
}

func (rb *RecordBatch) Release() {
	ReleaseArrays(rb.Columns)
}

func ReleaseArrays(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}

// IndexArray converts row positions into an Int64 array usable with Take.
// Negative positions become null.
func IndexArray(idx []int) arrow.Array {
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.Reserve(len(idx))
	for _, v := range idx {
		if v < 0 {
			b.AppendNull()
			continue
		}
		b.Append(int64(v))
	}
	return b.NewArray()
}

func IsListType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST:
		return true
	default:
		return false
	}
}

func (rbb *RecordBatchBuilder) GenIntArray(values ...int) arrow.Array {
	builder := array.NewInt32Builder(memory.NewGoAllocator())
	defer builder.Release()
	for _, v := range values {
		builder.Append(int32(v))
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenInt64Array(values ...int64) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenFloatArray(values ...float64) arrow.Array {
	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenStringArray(values ...string) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenBoolArray(values ...bool) arrow.Array {
	builder := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

// GenNullableInt64Array treats nil entries as nulls.
func (rbb *RecordBatchBuilder) GenNullableInt64Array(values ...*int64) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	for _, v := range values {
		if v == nil {
			builder.AppendNull()
			continue
		}
		builder.Append(*v)
	}
	return builder.NewArray()
}

// GenNullableStringArray treats nil entries as nulls.
func (rbb *RecordBatchBuilder) GenNullableStringArray(values ...*string) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for _, v := range values {
		if v == nil {
			builder.AppendNull()
			continue
		}
		builder.Append(*v)
	}
	return builder.NewArray()
}

// GenInt64ListArray builds a list<int64> column; a nil inner slice is a null list.
func (rbb *RecordBatchBuilder) GenInt64ListArray(values ...[]int64) arrow.Array {
	lb := array.NewListBuilder(memory.NewGoAllocator(), arrow.PrimitiveTypes.Int64)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Int64Builder)
	for _, v := range values {
		if v == nil {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		vb.AppendValues(v, nil)
	}
	return lb.NewArray()
}
