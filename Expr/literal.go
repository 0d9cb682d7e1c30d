package Expr

import (
	"fmt"
	"math"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/arrow/scalar"
)

// Evaluates to a column of length = batch-size, filled with this literal.
// A nil Value is a null of Type.
type LiteralResolve struct {
	Type  arrow.DataType
	Value any
}

// NewLiteralResolve stores Value as the Go type matching Type, so
// NewLiteralResolve(arrow.PrimitiveTypes.Int8, 3) holds an int8.
func NewLiteralResolve(Type arrow.DataType, Value any) *LiteralResolve {
	var castVal any

	switch v := Value.(type) {
	case int:
		castVal = castInt(int64(v), Type)
	case int32:
		castVal = castInt(int64(v), Type)
	case int64:
		castVal = castInt(v, Type)
	case float64:
		switch Type.ID() {
		case arrow.FLOAT32:
			castVal = float32(v)
		default:
			castVal = v
		}
	default:
		castVal = Value
	}
	return &LiteralResolve{Type: Type, Value: castVal}
}

func castInt(v int64, dt arrow.DataType) any {
	switch dt.ID() {
	case arrow.INT8:
		return int8(v)
	case arrow.INT16:
		return int16(v)
	case arrow.INT32:
		return int32(v)
	case arrow.INT64:
		return v
	case arrow.UINT8:
		return uint8(v)
	case arrow.UINT16:
		return uint16(v)
	case arrow.UINT32:
		return uint32(v)
	case arrow.UINT64:
		return uint64(v)
	case arrow.FLOAT32:
		return float32(v)
	case arrow.FLOAT64:
		return float64(v)
	default:
		return v
	}
}

// Lit infers the literal type from the Go value. Small integers are Int32,
// larger ones Int64.
func Lit(v any) *LiteralResolve {
	switch x := v.(type) {
	case nil:
		return &LiteralResolve{Type: arrow.Null}
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return NewLiteralResolve(arrow.PrimitiveTypes.Int32, x)
		}
		return NewLiteralResolve(arrow.PrimitiveTypes.Int64, x)
	case int8:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Int8, Value: x}
	case int16:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Int16, Value: x}
	case int32:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Int32, Value: x}
	case int64:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Int64, Value: x}
	case uint8:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Uint8, Value: x}
	case uint16:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Uint16, Value: x}
	case uint32:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Uint32, Value: x}
	case uint64:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Uint64, Value: x}
	case float32:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Float32, Value: x}
	case float64:
		return &LiteralResolve{Type: arrow.PrimitiveTypes.Float64, Value: x}
	case string:
		return &LiteralResolve{Type: arrow.BinaryTypes.String, Value: x}
	case bool:
		return &LiteralResolve{Type: arrow.FixedWidthTypes.Boolean, Value: x}
	default:
		return &LiteralResolve{Type: arrow.BinaryTypes.String, Value: fmt.Sprint(x)}
	}
}

func EvalLiteral(l *LiteralResolve, batch *operators.RecordBatch) (arrow.Array, error) {
	return literalArray(l, int(batch.RowCount))
}

func literalArray(l *LiteralResolve, n int) (arrow.Array, error) {
	var sc scalar.Scalar
	if l.Value == nil {
		sc = scalar.MakeNullScalar(l.Type)
	} else {
		sc = scalar.MakeScalar(l.Value)
		if !arrow.TypeEqual(sc.DataType(), l.Type) {
			casted, err := sc.CastTo(l.Type)
			if err != nil {
				return nil, operators.ErrTypef("literal %v cannot be represented as %s", l.Value, l.Type)
			}
			sc = casted
		}
	}
	arr, err := scalar.MakeArrayFromScalar(sc, n, memory.DefaultAllocator)
	if err != nil {
		return nil, operators.ErrUnsupportedf("literal type %s not supported: %v", l.Type, err)
	}
	return arr, nil
}

func (l *LiteralResolve) IsNull() bool { return l.Value == nil }

func (l *LiteralResolve) ExprNode() {}
func (l *LiteralResolve) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "lit(null)"
	case string:
		return fmt.Sprintf("lit(%q)", v)
	default:
		return fmt.Sprintf("lit(%v)", v)
	}
}

// LiteralFromArray turns row i of arr into a literal of the same type.
func LiteralFromArray(arr arrow.Array, i int) (*LiteralResolve, error) {
	dt := arr.DataType()
	if arr.IsNull(i) {
		return &LiteralResolve{Type: dt}, nil
	}
	var v any
	switch a := arr.(type) {
	case *array.Boolean:
		v = a.Value(i)
	case *array.Int8:
		v = a.Value(i)
	case *array.Int16:
		v = a.Value(i)
	case *array.Int32:
		v = a.Value(i)
	case *array.Int64:
		v = a.Value(i)
	case *array.Uint8:
		v = a.Value(i)
	case *array.Uint16:
		v = a.Value(i)
	case *array.Uint32:
		v = a.Value(i)
	case *array.Uint64:
		v = a.Value(i)
	case *array.Float32:
		v = a.Value(i)
	case *array.Float64:
		v = a.Value(i)
	case *array.String:
		v = a.Value(i)
	default:
		return nil, operators.ErrUnsupportedf("cannot build a literal of type %s", dt)
	}
	return &LiteralResolve{Type: dt, Value: v}, nil
}
