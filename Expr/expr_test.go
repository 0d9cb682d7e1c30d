package Expr

import (
	"errors"
	"opti-frame-go/operators"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestColumns returns a RecordBatch containing the first 4 rows of the
// commonly used test data.
func generateTestColumns() *operators.RecordBatch {
	mem := memory.DefaultAllocator

	idB := array.NewInt32Builder(mem)
	defer idB.Release()
	idB.AppendValues([]int32{1, 2, 3, 4}, nil)

	nameB := array.NewStringBuilder(mem)
	defer nameB.Release()
	nameB.AppendValues([]string{"Alice", "Bob", "Charlie", "David"}, nil)

	ageB := array.NewInt32Builder(mem)
	defer ageB.Release()
	ageB.AppendValues([]int32{28, 34, 45, 22}, nil)

	salB := array.NewFloat64Builder(mem)
	defer salB.Release()
	salB.AppendValues([]float64{70000.0, 82000.5, 54000.0, 91000.0}, nil)

	actB := array.NewBooleanBuilder(mem)
	defer actB.Release()
	actB.AppendValues([]bool{true, false, true, true}, nil)

	rb, err := operators.NewTable(
		[]string{"id", "name", "age", "salary", "is_active"},
		[]arrow.Array{idB.NewArray(), nameB.NewArray(), ageB.NewArray(), salB.NewArray(), actB.NewArray()},
	)
	if err != nil {
		panic(err)
	}
	return rb
}

// eval coerces e against the batch schema first, the way the optimizer does.
func eval(t *testing.T, e Expression, batch *operators.RecordBatch) arrow.Array {
	t.Helper()
	coerced, err := CoerceExpr(e, batch.Schema)
	require.NoError(t, err)
	arr, err := EvalExpression(coerced, batch)
	require.NoError(t, err)
	return arr
}

func TestColumnResolve(t *testing.T) {
	rc := generateTestColumns()
	arr := eval(t, Col("name"), rc)
	assert.Equal(t, "Charlie", arr.(*array.String).Value(2))

	_, err := EvalExpression(Col("missing"), rc)
	assert.True(t, errors.Is(err, operators.ErrColumnNotFound))
}

func TestLiteralResolve(t *testing.T) {
	rc := generateTestColumns()
	tests := []struct {
		name string
		lit  *LiteralResolve
		want arrow.DataType
	}{
		{"small int", Lit(5), arrow.PrimitiveTypes.Int32},
		{"float", Lit(2.5), arrow.PrimitiveTypes.Float64},
		{"string", Lit("x"), arrow.BinaryTypes.String},
		{"bool", Lit(true), arrow.FixedWidthTypes.Boolean},
		{"null", Lit(nil), arrow.Null},
		{"typed int8", NewLiteralResolve(arrow.PrimitiveTypes.Int8, 3), arrow.PrimitiveTypes.Int8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arr, err := EvalExpression(tt.lit, rc)
			require.NoError(t, err)
			assert.Equal(t, 4, arr.Len())
			assert.True(t, arrow.TypeEqual(tt.want, arr.DataType()), "got %s", arr.DataType())
		})
	}
}

func TestBinaryExpr(t *testing.T) {
	rc := generateTestColumns()

	t.Run("age + 1 widens nothing", func(t *testing.T) {
		arr := eval(t, Add(Col("age"), Lit(1)), rc).(*array.Int32)
		assert.Equal(t, []int32{29, 35, 46, 23}, arr.Int32Values())
	})
	t.Run("int and float promote to float64", func(t *testing.T) {
		arr := eval(t, Mul(Col("age"), Col("salary")), rc)
		assert.Equal(t, arrow.FLOAT64, arr.DataType().ID())
	})
	t.Run("comparison", func(t *testing.T) {
		arr := eval(t, Gt(Col("age"), Lit(30)), rc).(*array.Boolean)
		assert.Equal(t, []bool{false, true, true, false}, boolValues(arr))
	})
	t.Run("and or", func(t *testing.T) {
		e := AnyOf(AllOf(Col("is_active"), Gt(Col("age"), Lit(40))), Eq(Col("name"), Lit("Bob")))
		arr := eval(t, e, rc).(*array.Boolean)
		assert.Equal(t, []bool{false, true, true, false}, boolValues(arr))
	})
	t.Run("uncoerced operands are a type error", func(t *testing.T) {
		_, err := EvalExpression(Add(Col("age"), Col("salary")), rc)
		assert.True(t, errors.Is(err, operators.ErrType))
	})
	t.Run("string arithmetic is a type error", func(t *testing.T) {
		_, err := CoerceExpr(Add(Col("name"), Lit(1)), rc.Schema)
		assert.True(t, errors.Is(err, operators.ErrType))
	})
	t.Run("aggregate broadcasts against a column", func(t *testing.T) {
		arr := eval(t, Sub(Col("age"), Min(Col("age"))), rc).(*array.Int32)
		assert.Equal(t, []int32{6, 12, 23, 0}, arr.Int32Values())
	})
}

func TestUnaryAndScalar(t *testing.T) {
	rc := generateTestColumns()
	assert.Equal(t, []bool{false, true, false, false}, boolValues(eval(t, Invert(Col("is_active")), rc).(*array.Boolean)))
	assert.Equal(t, []int32{-1, -2, -3, -4}, eval(t, Neg(Col("id")), rc).(*array.Int32).Int32Values())
	assert.Equal(t, "ALICE", eval(t, ToUpper(Col("name")), rc).(*array.String).Value(0))
	assert.Equal(t, "bob", eval(t, ToLower(Col("name")), rc).(*array.String).Value(1))
	assert.Equal(t, uint32(7), eval(t, StrLength(Col("name")), rc).(*array.Uint32).Value(2))
	assert.Equal(t, 82000.0, eval(t, RoundOf(Cast(Col("salary"), arrow.PrimitiveTypes.Float64)), rc).(*array.Float64).Value(1))

	_, err := CoerceExpr(ToUpper(Col("age")), rc.Schema)
	require.NoError(t, err)
	_, err = ExprDataType(ToUpper(Col("age")), rc.Schema)
	assert.True(t, errors.Is(err, operators.ErrType))
}

func TestIsNullChecks(t *testing.T) {
	rbb := operators.NewRecordBatchBuilder()
	one := int64(1)
	rc, err := operators.NewTable([]string{"v"}, []arrow.Array{rbb.GenNullableInt64Array(&one, nil, &one)})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, boolValues(eval(t, IsNullExpr(Col("v")), rc).(*array.Boolean)))
	assert.Equal(t, []bool{true, false, true}, boolValues(eval(t, IsNotNullExpr(Col("v")), rc).(*array.Boolean)))
}

func TestCast(t *testing.T) {
	rc := generateTestColumns()
	arr := eval(t, Cast(Col("age"), arrow.PrimitiveTypes.Float64), rc)
	assert.Equal(t, 28.0, arr.(*array.Float64).Value(0))

	_, err := EvalExpression(Cast(Col("name"), arrow.PrimitiveTypes.Int64), rc)
	assert.True(t, errors.Is(err, operators.ErrCompute))
}

func TestLikeOperator(t *testing.T) {
	rc := generateTestColumns()
	tests := []struct {
		pattern string
		want    []bool
	}{
		{"A%", []bool{true, false, false, false}},
		{"%a%", []bool{false, false, true, true}},
		{"B_b", []bool{false, true, false, false}},
		{"%e", []bool{true, false, true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			arr := eval(t, LikeExpr(Col("name"), tt.pattern), rc).(*array.Boolean)
			assert.Equal(t, tt.want, boolValues(arr))
		})
	}
}

func TestCompileRegEx(t *testing.T) {
	// a leading or trailing % leaves that side unanchored
	assert.Equal(t, "^a.*", compileSqlRegEx("a%"))
	assert.Equal(t, ".*a.*", compileSqlRegEx("%a%"))
	assert.Equal(t, ".*a.$", compileSqlRegEx("%a_"))
	assert.Equal(t, `^a\.b$`, compileSqlRegEx("a.b"))
}

func TestShiftBoundary(t *testing.T) {
	rbb := operators.NewRecordBatchBuilder()
	rc, err := operators.NewTable([]string{"v"}, []arrow.Array{rbb.GenInt64Array(1, 2, 3, 4, 5)})
	require.NoError(t, err)

	for k := int64(0); k <= 6; k++ {
		arr := eval(t, Shift(Col("v"), k), rc).(*array.Int64)
		require.Equal(t, 5, arr.Len())
		for i := 0; i < 5; i++ {
			if int64(i) < k {
				assert.True(t, arr.IsNull(i), "k=%d i=%d should be null", k, i)
				continue
			}
			assert.Equal(t, int64(i+1)-k, arr.Value(i), "k=%d i=%d", k, i)
		}
	}

	back := eval(t, Shift(Col("v"), -2), rc).(*array.Int64)
	assert.Equal(t, int64(3), back.Value(0))
	assert.True(t, back.IsNull(3))
	assert.True(t, back.IsNull(4))
}

func TestTernary(t *testing.T) {
	rc := generateTestColumns()
	e := When(Gt(Col("age"), Lit(30))).Then(Col("salary")).Otherwise(Lit(0))
	arr := eval(t, e, rc).(*array.Float64)
	assert.Equal(t, []float64{0, 82000.5, 54000.0, 0}, arr.Float64Values())
}

func TestUserMap(t *testing.T) {
	rc := generateTestColumns()
	double := func(a arrow.Array) (arrow.Array, error) {
		b := array.NewInt32Builder(memory.DefaultAllocator)
		defer b.Release()
		for _, v := range a.(*array.Int32).Int32Values() {
			b.Append(v * 2)
		}
		return b.NewArray(), nil
	}
	arr := eval(t, Map(Col("id"), double, nil), rc).(*array.Int32)
	assert.Equal(t, []int32{2, 4, 6, 8}, arr.Int32Values())

	t.Run("declared type mismatch", func(t *testing.T) {
		_, err := EvalExpression(Map(Col("id"), double, arrow.PrimitiveTypes.Int64), rc)
		assert.True(t, errors.Is(err, operators.ErrCompute))
	})
	t.Run("panic is isolated", func(t *testing.T) {
		boom := func(arrow.Array) (arrow.Array, error) { panic("bad udf") }
		_, err := EvalExpression(Map(Col("id"), boom, nil), rc)
		assert.True(t, errors.Is(err, operators.ErrCompute))
	})
	t.Run("error is a compute error", func(t *testing.T) {
		fail := func(arrow.Array) (arrow.Array, error) { return nil, errors.New("nope") }
		_, err := EvalExpression(Map(Col("id"), fail, nil), rc)
		assert.True(t, errors.Is(err, operators.ErrCompute))
	})
}

func TestExprDataTypeAndNames(t *testing.T) {
	schema := generateTestColumns().Schema
	tests := []struct {
		expr Expression
		name string
		want arrow.DataType
	}{
		{Col("age"), "age", arrow.PrimitiveTypes.Int32},
		{As(Col("age"), "years"), "years", arrow.PrimitiveTypes.Int32},
		{Lit(1), "literal", arrow.PrimitiveTypes.Int32},
		{Add(Col("age"), Col("salary")), "age", arrow.PrimitiveTypes.Float64},
		{Gt(Col("age"), Lit(1)), "age", arrow.FixedWidthTypes.Boolean},
		{Sum(Col("age")), "age_sum", arrow.PrimitiveTypes.Int64},
		{Mean(Col("age")), "age_mean", arrow.PrimitiveTypes.Float64},
		{Count(Col("name")), "name_count", arrow.PrimitiveTypes.Uint32},
		{Min(Col("name")), "name_min", arrow.BinaryTypes.String},
		{List(Col("id")), "id_list", arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Over(Sum(Col("age")), Col("is_active")), "age_sum", arrow.PrimitiveTypes.Int64},
		{StrLength(Col("name")), "name", arrow.PrimitiveTypes.Uint32},
	}
	for _, tt := range tests {
		t.Run(tt.expr.String(), func(t *testing.T) {
			dt, err := ExprDataType(tt.expr, schema)
			require.NoError(t, err)
			assert.True(t, arrow.TypeEqual(tt.want, dt), "got %s", dt)
			assert.Equal(t, tt.name, OutputName(tt.expr))
		})
	}

	_, err := ExprDataType(Sum(Col("nope")), schema)
	assert.True(t, errors.Is(err, operators.ErrColumnNotFound))
}

func TestColumnsAndTransform(t *testing.T) {
	e := AllOf(Gt(Col("a"), Lit(1)), Eq(Col("b"), Col("a")))
	assert.Equal(t, []string{"a", "b"}, Columns(e))
	assert.Len(t, SplitConjunction(e), 2)
	assert.True(t, IsRowWise(e))
	assert.False(t, IsRowWise(Gt(Sum(Col("a")), Lit(1))))
	assert.True(t, HasAggregation(Gt(Sum(Col("a")), Lit(1))))
	assert.False(t, HasAggregation(Over(Sum(Col("a")), Col("g"))))

	renamed, err := Transform(e, func(x Expression) (Expression, error) {
		if c, ok := x.(*ColumnResolve); ok && c.Name == "a" {
			return Col("z"), nil
		}
		return x, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "b"}, Columns(renamed))
	// the input tree is untouched
	assert.Equal(t, []string{"a", "b"}, Columns(e))
}

func boolValues(arr *array.Boolean) []bool {
	out := make([]bool, arr.Len())
	for i := range out {
		out[i] = arr.Value(i)
	}
	return out
}
