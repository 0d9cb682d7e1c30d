package reshape

import (
	"context"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&UnpivotExec{})
)

const (
	DefaultVariableName = "variable"
	DefaultValueName    = "value"
)

// UnpivotOptions selects the identifier and value columns of an unpivot. An
// empty ValueVars means every column that is not an identifier.
type UnpivotOptions struct {
	IDVars       []string
	ValueVars    []string
	VariableName string
	ValueName    string
}

func (o UnpivotOptions) withDefaults(input *arrow.Schema) UnpivotOptions {
	if o.VariableName == "" {
		o.VariableName = DefaultVariableName
	}
	if o.ValueName == "" {
		o.ValueName = DefaultValueName
	}
	if len(o.ValueVars) == 0 {
		ids := make(map[string]struct{}, len(o.IDVars))
		for _, id := range o.IDVars {
			ids[id] = struct{}{}
		}
		for _, f := range input.Fields() {
			if _, isID := ids[f.Name]; !isID {
				o.ValueVars = append(o.ValueVars, f.Name)
			}
		}
	}
	return o
}

// UnpivotSchema is id_vars..., variable (utf8), value (supertype of every
// value column).
func UnpivotSchema(input *arrow.Schema, opts UnpivotOptions) (*arrow.Schema, error) {
	opts = opts.withDefaults(input)
	fields := make([]arrow.Field, 0, len(opts.IDVars)+2)
	seen := map[string]struct{}{}
	for _, id := range opts.IDVars {
		idx := input.FieldIndices(id)
		if len(idx) == 0 {
			return nil, operators.ErrMissingColumn(id)
		}
		seen[id] = struct{}{}
		fields = append(fields, input.Field(idx[0]))
	}
	value := arrow.DataType(arrow.Null)
	for _, v := range opts.ValueVars {
		idx := input.FieldIndices(v)
		if len(idx) == 0 {
			return nil, operators.ErrMissingColumn(v)
		}
		var err error
		if value, err = Expr.Supertype(value, input.Field(idx[0]).Type); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{opts.VariableName, opts.ValueName} {
		if _, dup := seen[name]; dup {
			return nil, operators.ErrInvalidSchema("unpivot produces column " + name + " twice")
		}
		seen[name] = struct{}{}
	}
	fields = append(fields,
		arrow.Field{Name: opts.VariableName, Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: opts.ValueName, Type: value, Nullable: true},
	)
	return arrow.NewSchema(fields, nil), nil
}

// UnpivotExec turns the value columns into rows: one block of input rows per
// value column, in value column order.
type UnpivotExec struct {
	input  operators.Operator
	opts   UnpivotOptions
	schema *arrow.Schema
	out    *operators.ResultBuffer
}

func NewUnpivotExec(input operators.Operator, opts UnpivotOptions) (*UnpivotExec, error) {
	schema, err := UnpivotSchema(input.Schema(), opts)
	if err != nil {
		return nil, err
	}
	return &UnpivotExec{input: input, opts: opts.withDefaults(input.Schema()), schema: schema}, nil
}

func (u *UnpivotExec) Next(n uint16) (*operators.RecordBatch, error) {
	if u.out == nil {
		table, err := operators.ConsumeOperator(u.input)
		if err != nil {
			return nil, err
		}
		out, err := Unpivot(table, u.opts, u.schema)
		if err != nil {
			return nil, err
		}
		u.out = operators.NewResultBuffer(out)
	}
	return u.out.Next(n)
}

// Unpivot reshapes table from wide to long.
func Unpivot(table *operators.RecordBatch, opts UnpivotOptions, schema *arrow.Schema) (*operators.RecordBatch, error) {
	opts = opts.withDefaults(table.Schema)
	if len(opts.ValueVars) == 0 {
		return operators.EmptyBatch(schema), nil
	}
	mem := memory.NewGoAllocator()
	rows := table.NumRows()
	valueType := schema.Field(schema.NumFields() - 1).Type

	chunks := make([][]arrow.Array, schema.NumFields())
	for _, v := range opts.ValueVars {
		for i, id := range opts.IDVars {
			col, err := table.Column(id)
			if err != nil {
				return nil, err
			}
			chunks[i] = append(chunks[i], col)
		}
		names := array.NewStringBuilder(mem)
		for r := 0; r < rows; r++ {
			names.Append(v)
		}
		chunks[len(opts.IDVars)] = append(chunks[len(opts.IDVars)], names.NewArray())
		names.Release()

		values, err := Expr.EvalExpression(Expr.Cast(Expr.Col(v), valueType), table)
		if err != nil {
			return nil, err
		}
		chunks[len(opts.IDVars)+1] = append(chunks[len(opts.IDVars)+1], values)
	}

	cols := make([]arrow.Array, len(chunks))
	for i, parts := range chunks {
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, operators.AsComputeError(err, "concatenating unpivot blocks")
		}
		cols[i] = arr
	}
	return operators.NewRecordBatch(schema, cols)
}

func (u *UnpivotExec) Schema() *arrow.Schema {
	return u.schema
}

func (u *UnpivotExec) Close() error {
	u.out = operators.NewResultBuffer(nil)
	return u.input.Close()
}

func takeArray(col, indices arrow.Array) (arrow.Array, error) {
	return compute.TakeArray(context.TODO(), col, indices)
}
