package Expr

import (
	"bytes"
	"context"
	"fmt"
	"opti-frame-go/operators"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrUnsupportedExpression = func(info string) error {
		return operators.ErrUnsupportedf("unsupported expression passed to EvalExpression: %s", info)
	}
	ErrCantCompareDifferentTypes = func(op binaryOperator, leftType, rightType arrow.DataType) error {
		return operators.ErrTypef("cannot apply %s to %s and %s", op, leftType, rightType)
	}
)

type binaryOperator int

const (
	// arithmetic
	Addition       binaryOperator = 1
	Subtraction    binaryOperator = 2
	Multiplication binaryOperator = 3
	Division       binaryOperator = 4
	Power          binaryOperator = 5
	// comparison
	Equal              binaryOperator = 6
	NotEqual           binaryOperator = 7
	LessThan           binaryOperator = 8
	LessThanOrEqual    binaryOperator = 9
	GreaterThan        binaryOperator = 10
	GreaterThanOrEqual binaryOperator = 11
	// logical
	And binaryOperator = 12
	Or  binaryOperator = 13
	// where column_name like "patte%n_with_wi%dcard_"
	Like binaryOperator = 14
)

func (op binaryOperator) String() string {
	switch op {
	case Addition:
		return "+"
	case Subtraction:
		return "-"
	case Multiplication:
		return "*"
	case Division:
		return "/"
	case Power:
		return "**"
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	case And:
		return "AND"
	case Or:
		return "OR"
	case Like:
		return "LIKE"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

func (op binaryOperator) IsArithmetic() bool { return op >= Addition && op <= Power }
func (op binaryOperator) IsComparison() bool { return op >= Equal && op <= GreaterThanOrEqual }
func (op binaryOperator) IsLogical() bool    { return op == And || op == Or }

type unaryOperator int

const (
	Not       unaryOperator = 1
	Negate    unaryOperator = 2
	IsNull    unaryOperator = 3
	IsNotNull unaryOperator = 4
)

func (op unaryOperator) String() string {
	switch op {
	case Not:
		return "not"
	case Negate:
		return "neg"
	case IsNull:
		return "is_null"
	case IsNotNull:
		return "is_not_null"
	default:
		return fmt.Sprintf("unary(%d)", int(op))
	}
}

type supportedFunctions int

const (
	Upper  supportedFunctions = 1
	Lower  supportedFunctions = 2
	Abs    supportedFunctions = 3
	Round  supportedFunctions = 4
	StrLen supportedFunctions = 5
)

func (f supportedFunctions) String() string {
	switch f {
	case Upper:
		return "upper"
	case Lower:
		return "lower"
	case Abs:
		return "abs"
	case Round:
		return "round"
	case StrLen:
		return "str_len"
	default:
		return fmt.Sprintf("fn(%d)", int(f))
	}
}

var (
	_ = (Expression)(&Alias{})
	_ = (Expression)(&ColumnResolve{})
	_ = (Expression)(&LiteralResolve{})
	_ = (Expression)(&BinaryExpr{})
	_ = (Expression)(&UnaryExpr{})
	_ = (Expression)(&ScalarFunction{})
	_ = (Expression)(&CastExpr{})
	_ = (Expression)(&AggExpr{})
	_ = (Expression)(&WindowExpr{})
	_ = (Expression)(&SortExpr{})
	_ = (Expression)(&FilterExpr{})
	_ = (Expression)(&UserMapExpr{})
	_ = (Expression)(&ShiftExpr{})
	_ = (Expression)(&TernaryExpr{})
	_ = (Expression)(&IsInExpr{})
	_ = (Expression)(&CumulativeExpr{})
	_ = (Expression)(&UniqueMaskExpr{})
	_ = (Expression)(&SliceExpr{})
	_ = (Expression)(&ReverseExpr{})
	_ = (Expression)(&StrPatternExpr{})
)

/*
Eval(expr):

	match expr:
	    Literal(x) -> return x
	    Column(name) -> return array of that column
	    BinaryExpr(left > right) -> eval left, eval right, apply operator
	    ScalarFunction(upper(name)) -> evaluate function
	    Alias(expr, name) -> just a name wrapper
	    Agg(sum(x)) -> one value for the whole batch
	    Window(sum(x) over g) -> one value per row, computed per group
*/
type Expression interface {
	// empty method, only for the sake of polymorphism
	ExprNode()
	fmt.Stringer
}

// EvalExpression evaluates expr against batch in projection context.
func EvalExpression(expr Expression, batch *operators.RecordBatch) (arrow.Array, error) {
	switch e := expr.(type) {
	case *Alias:
		return EvalAlias(e, batch)
	case *ColumnResolve:
		return EvalColumn(e, batch)
	case *LiteralResolve:
		return EvalLiteral(e, batch)
	case *BinaryExpr:
		return EvalBinary(e, batch)
	case *UnaryExpr:
		return EvalUnary(e, batch)
	case *ScalarFunction:
		return EvalScalarFunction(e, batch)
	case *CastExpr:
		return EvalCast(e, batch)
	case *AggExpr:
		return EvalAgg(e, batch)
	case *WindowExpr:
		return EvalWindow(e, batch)
	case *SortExpr:
		return EvalSort(e, batch)
	case *FilterExpr:
		return EvalFilter(e, batch)
	case *UserMapExpr:
		return EvalUserMap(e, batch)
	case *ShiftExpr:
		return EvalShift(e, batch)
	case *TernaryExpr:
		return EvalTernary(e, batch)
	case *IsInExpr:
		return EvalIsIn(e, batch)
	case *CumulativeExpr:
		return EvalCumulative(e, batch)
	case *UniqueMaskExpr:
		return EvalUniqueMask(e, batch)
	case *SliceExpr:
		return EvalSlice(e, batch)
	case *ReverseExpr:
		return EvalReverse(e, batch)
	case *StrPatternExpr:
		return EvalStrPattern(e, batch)
	default:
		return nil, ErrUnsupportedExpression(expr.String())
	}
}

/*
Alias | sql: select col1 as new_name from table_source
updates the column name in the output schema.
*/
type Alias struct {
	Expr Expression
	Name string
}

func NewAlias(expr Expression, name string) *Alias {
	return &Alias{
		Expr: expr,
		Name: name,
	}
}

func EvalAlias(a *Alias, batch *operators.RecordBatch) (arrow.Array, error) {
	return EvalExpression(a.Expr, batch)
}
func (a *Alias) ExprNode() {}
func (a *Alias) String() string {
	return fmt.Sprintf("%s AS %q", a.Expr, a.Name)
}

// resolves the arrow array corresponding to name passed in
type ColumnResolve struct {
	Name string
}

func NewColumnResolve(name string) *ColumnResolve {
	return &ColumnResolve{Name: name}
}

func EvalColumn(c *ColumnResolve, batch *operators.RecordBatch) (arrow.Array, error) {
	// schema and columns are always aligned
	for i, f := range batch.Schema.Fields() {
		if f.Name == c.Name {
			col := batch.Columns[i]
			col.Retain()
			return col, nil
		}
	}
	return nil, operators.ErrMissingColumn(c.Name)
}
func (c *ColumnResolve) ExprNode() {}
func (c *ColumnResolve) String() string {
	return fmt.Sprintf("col(%s)", c.Name)
}

type BinaryExpr struct {
	Left  Expression
	Op    binaryOperator
	Right Expression
}

func NewBinaryExpr(left Expression, op binaryOperator, right Expression) *BinaryExpr {
	return &BinaryExpr{
		Left:  left,
		Op:    op,
		Right: right,
	}
}

func EvalBinary(b *BinaryExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	leftArr, err := EvalExpression(b.Left, batch)
	if err != nil {
		return nil, err
	}
	rightArr, err := EvalExpression(b.Right, batch)
	if err != nil {
		return nil, err
	}
	leftArr, rightArr, err = broadcastPair(leftArr, rightArr)
	if err != nil {
		return nil, err
	}
	return applyBinary(b.Op, leftArr, rightArr)
}

// applyBinary runs the kernel for op. Operands must already share a type;
// the type coercion pass inserts the casts that guarantee it.
func applyBinary(op binaryOperator, leftArr, rightArr arrow.Array) (arrow.Array, error) {
	ctx := context.TODO()
	if op == Like {
		return evalLike(leftArr, rightArr)
	}
	if leftArr.Len() != rightArr.Len() {
		return nil, operators.ErrShapef("operands of %s have lengths %d and %d", op, leftArr.Len(), rightArr.Len())
	}
	if !arrow.TypeEqual(leftArr.DataType(), rightArr.DataType()) {
		return nil, ErrCantCompareDifferentTypes(op, leftArr.DataType(), rightArr.DataType())
	}
	dt := leftArr.DataType()
	if operators.IsListType(dt) {
		return nil, operators.ErrTypef("cannot apply %s to list type %s", op, dt)
	}
	if dt.ID() == arrow.NULL {
		out := arrow.DataType(arrow.Null)
		if !op.IsArithmetic() {
			out = arrow.FixedWidthTypes.Boolean
		}
		return array.MakeArrayOfNull(memory.DefaultAllocator, out, leftArr.Len()), nil
	}
	opt := compute.ArithmeticOptions{}
	l, r := compute.NewDatum(leftArr), compute.NewDatum(rightArr)
	var (
		datum compute.Datum
		err   error
	)
	switch op {
	case Addition, Subtraction, Multiplication, Division, Power:
		if !isNumeric(dt) {
			return nil, operators.ErrTypef("arithmetic %s is undefined for %s", op, dt)
		}
		switch op {
		case Addition:
			datum, err = compute.Add(ctx, opt, l, r)
		case Subtraction:
			datum, err = compute.Subtract(ctx, opt, l, r)
		case Multiplication:
			datum, err = compute.Multiply(ctx, opt, l, r)
		case Power:
			datum, err = compute.Power(ctx, opt, l, r)
		default:
			datum, err = compute.Divide(ctx, opt, l, r)
		}
	case Equal:
		datum, err = compute.CallFunction(ctx, "equal", nil, l, r)
	case NotEqual:
		datum, err = compute.CallFunction(ctx, "not_equal", nil, l, r)
	case LessThan:
		datum, err = compute.CallFunction(ctx, "less", nil, l, r)
	case LessThanOrEqual:
		datum, err = compute.CallFunction(ctx, "less_equal", nil, l, r)
	case GreaterThan:
		datum, err = compute.CallFunction(ctx, "greater", nil, l, r)
	case GreaterThanOrEqual:
		datum, err = compute.CallFunction(ctx, "greater_equal", nil, l, r)
	case And, Or:
		if dt.ID() != arrow.BOOL {
			return nil, operators.ErrTypef("%s requires boolean operands, got %s", op, dt)
		}
		name := "and_kleene"
		if op == Or {
			name = "or_kleene"
		}
		datum, err = compute.CallFunction(ctx, name, nil, l, r)
	default:
		return nil, operators.ErrUnsupportedf("binary operator %s not supported", op)
	}
	if err != nil {
		return nil, operators.AsComputeError(err, fmt.Sprintf("evaluating %s", op))
	}
	return unpackDatum(datum)
}

func evalLike(leftArr, rightArr arrow.Array) (arrow.Array, error) {
	leftStrArray, ok := leftArr.(*array.String)
	if !ok || rightArr.DataType().ID() != arrow.STRING {
		return nil, operators.ErrTypef("LIKE only works on strings, got %s and %s", leftArr.DataType(), rightArr.DataType())
	}
	b := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer b.Release()
	if rightArr.Len() == 0 || rightArr.IsNull(0) {
		for i := 0; i < leftStrArray.Len(); i++ {
			b.AppendNull()
		}
		return b.NewArray(), nil
	}
	compiled, err := regexp.Compile(compileSqlRegEx(rightArr.(*array.String).Value(0)))
	if err != nil {
		return nil, operators.AsComputeError(err, "compiling LIKE pattern")
	}
	for i := 0; i < leftStrArray.Len(); i++ {
		if leftStrArray.IsNull(i) {
			b.AppendNull()
			continue
		}
		b.Append(compiled.MatchString(leftStrArray.Value(i)))
	}
	return b.NewArray(), nil
}

func (b *BinaryExpr) ExprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

func unpackDatum(d compute.Datum) (arrow.Array, error) {
	array, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, operators.ErrComputef("datum %v is not of type array", d)
	}
	return array.MakeArray(), nil
}

// UnaryExpr covers not, negation and the null checks.
type UnaryExpr struct {
	Op   unaryOperator
	Expr Expression
}

func NewUnaryExpr(op unaryOperator, expr Expression) *UnaryExpr {
	return &UnaryExpr{Op: op, Expr: expr}
}

func EvalUnary(u *UnaryExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(u.Expr, batch)
	if err != nil {
		return nil, err
	}
	return applyUnary(u.Op, arr)
}

func applyUnary(op unaryOperator, arr arrow.Array) (arrow.Array, error) {
	length := arr.Len()
	switch op {
	case IsNull, IsNotNull:
		builder := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer builder.Release()
		builder.Reserve(length)
		for i := 0; i < length; i++ {
			builder.Append(arr.IsNull(i) == (op == IsNull))
		}
		return builder.NewArray(), nil
	case Not:
		if arr.DataType().ID() == arrow.NULL {
			return array.MakeArrayOfNull(memory.DefaultAllocator, arrow.FixedWidthTypes.Boolean, length), nil
		}
		boolArr, ok := arr.(*array.Boolean)
		if !ok {
			return nil, operators.ErrTypef("not requires a boolean operand, got %s", arr.DataType())
		}
		builder := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer builder.Release()
		builder.Reserve(length)
		for i := 0; i < length; i++ {
			if boolArr.IsNull(i) {
				builder.AppendNull()
				continue
			}
			builder.Append(!boolArr.Value(i))
		}
		return builder.NewArray(), nil
	case Negate:
		if !isNumeric(arr.DataType()) {
			return nil, operators.ErrTypef("negation is undefined for %s", arr.DataType())
		}
		datum, err := compute.Negate(context.TODO(), compute.ArithmeticOptions{}, compute.NewDatum(arr))
		if err != nil {
			return nil, operators.AsComputeError(err, "negating")
		}
		return unpackDatum(datum)
	default:
		return nil, operators.ErrUnsupportedf("unary operator %s not supported", op)
	}
}

func (u *UnaryExpr) ExprNode() {}
func (u *UnaryExpr) String() string {
	return fmt.Sprintf("%s(%s)", u.Op, u.Expr)
}

type ScalarFunction struct {
	Function  supportedFunctions
	Arguments Expression // resolve to something you can process IE, literal/coloumn Resolve
}

func NewScalarFunction(function supportedFunctions, Argument Expression) *ScalarFunction {
	return &ScalarFunction{
		Function:  function,
		Arguments: Argument,
	}
}

func EvalScalarFunction(s *ScalarFunction, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(s.Arguments, batch)
	if err != nil {
		return nil, err
	}
	return applyScalarFunction(s.Function, arr)
}

func applyScalarFunction(fn supportedFunctions, arr arrow.Array) (arrow.Array, error) {
	switch fn {
	case Upper:
		return mapStrings(arr, "upper", strings.ToUpper)
	case Lower:
		return mapStrings(arr, "lower", strings.ToLower)
	case StrLen:
		strArr, ok := arr.(*array.String)
		if !ok {
			return nil, operators.ErrTypef("str_len only supports string arrays, got %s", arr.DataType())
		}
		b := array.NewUint32Builder(memory.DefaultAllocator)
		defer b.Release()
		for i := 0; i < strArr.Len(); i++ {
			if strArr.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(uint32(utf8.RuneCountInString(strArr.Value(i))))
		}
		return b.NewArray(), nil
	case Abs:
		if !isNumeric(arr.DataType()) {
			return nil, operators.ErrTypef("abs is undefined for %s", arr.DataType())
		}
		datum, err := compute.AbsoluteValue(context.TODO(), compute.ArithmeticOptions{}, compute.NewDatum(arr))
		if err != nil {
			return nil, operators.AsComputeError(err, "abs")
		}
		return unpackDatum(datum)
	case Round:
		if !isNumeric(arr.DataType()) {
			return nil, operators.ErrTypef("round is undefined for %s", arr.DataType())
		}
		// integers are already round
		if !isFloating(arr.DataType()) {
			arr.Retain()
			return arr, nil
		}
		datum, err := compute.Round(context.TODO(), compute.DefaultRoundOptions, compute.NewDatum(arr))
		if err != nil {
			return nil, operators.AsComputeError(err, "round")
		}
		return unpackDatum(datum)
	}
	return nil, operators.ErrUnsupportedf("unsupported scalar function %v", fn)
}

func (s *ScalarFunction) ExprNode() {}
func (s *ScalarFunction) String() string {
	return fmt.Sprintf("%s(%v)", s.Function, s.Arguments)
}

// If cast succeeds → return the casted value
// If cast fails → compute error
type CastExpr struct {
	Expr       Expression
	TargetType arrow.DataType
}

func NewCastExpr(expr Expression, targetType arrow.DataType) *CastExpr {
	return &CastExpr{
		Expr:       expr,
		TargetType: targetType,
	}
}

func EvalCast(c *CastExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(c.Expr, batch)
	if err != nil {
		return nil, err
	}
	return castArray(arr, c.TargetType)
}

func castArray(arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	if arr.DataType().ID() == arrow.NULL {
		return array.MakeArrayOfNull(memory.DefaultAllocator, target, arr.Len()), nil
	}
	out, err := compute.CastArray(context.TODO(), arr, compute.SafeCastOptions(target))
	if err != nil {
		return nil, operators.ErrComputef("cannot cast %s to %s: %v", arr.DataType(), target, err)
	}
	return out, nil
}

func (c *CastExpr) ExprNode() {}
func (c *CastExpr) String() string {
	return fmt.Sprintf("cast(%s AS %s)", c.Expr, c.TargetType)
}

// SortExpr sorts the values of Expr. In a group context each group is sorted
// independently.
type SortExpr struct {
	Expr    Expression
	Reverse bool
}

func NewSortExpr(expr Expression, reverse bool) *SortExpr {
	return &SortExpr{Expr: expr, Reverse: reverse}
}

func EvalSort(s *SortExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(s.Expr, batch)
	if err != nil {
		return nil, err
	}
	if operators.IsListType(arr.DataType()) {
		return nil, operators.ErrListNotComparable("sort", OutputName(s.Expr), arr.DataType())
	}
	idx := make([]int, arr.Len())
	for i := range idx {
		idx[i] = i
	}
	operators.SortIndices(idx, arr, s.Reverse)
	return takeIndices(arr, idx)
}

func (s *SortExpr) ExprNode() {}
func (s *SortExpr) String() string {
	if s.Reverse {
		return fmt.Sprintf("sort(%s, desc)", s.Expr)
	}
	return fmt.Sprintf("sort(%s)", s.Expr)
}

// FilterExpr keeps the values of Expr where Predicate is true. The output is
// shorter than the input, so it is mostly useful inside an aggregation.
type FilterExpr struct {
	Expr      Expression
	Predicate Expression
}

func NewFilterExpr(expr, predicate Expression) *FilterExpr {
	return &FilterExpr{Expr: expr, Predicate: predicate}
}

func EvalFilter(f *FilterExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(f.Expr, batch)
	if err != nil {
		return nil, err
	}
	mask, err := EvalExpression(f.Predicate, batch)
	if err != nil {
		return nil, err
	}
	return filterArray(arr, mask)
}

func filterArray(arr, mask arrow.Array) (arrow.Array, error) {
	if mask.DataType().ID() != arrow.BOOL {
		return nil, operators.ErrTypef("filter predicate must be boolean, got %s", mask.DataType())
	}
	if mask.Len() != arr.Len() {
		return nil, operators.ErrShapef("filter mask has length %d, values have %d", mask.Len(), arr.Len())
	}
	out, err := compute.Filter(context.TODO(), compute.NewDatum(arr), compute.NewDatum(mask), *compute.DefaultFilterOptions())
	if err != nil {
		return nil, operators.AsComputeError(err, "filter")
	}
	return unpackDatum(out)
}

func (f *FilterExpr) ExprNode() {}
func (f *FilterExpr) String() string {
	return fmt.Sprintf("%s.filter(%s)", f.Expr, f.Predicate)
}

// ShiftExpr moves values down by Periods rows (up when negative) and fills
// the vacated slots with Fill, or nulls when Fill is nil.
type ShiftExpr struct {
	Expr    Expression
	Periods int64
	Fill    *LiteralResolve
}

func NewShiftExpr(expr Expression, periods int64) *ShiftExpr {
	return &ShiftExpr{Expr: expr, Periods: periods}
}

func EvalShift(s *ShiftExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(s.Expr, batch)
	if err != nil {
		return nil, err
	}
	idx := make([]int, arr.Len())
	for i := range idx {
		idx[i] = i
	}
	pos := shiftPositions(idx, s.Periods)
	out, err := takeIndices(arr, pos)
	if err != nil || s.Fill == nil {
		return out, err
	}
	vacated := make([]bool, len(pos))
	for i, p := range pos {
		vacated[i] = p < 0
	}
	return fillVacated(out, vacated, s.Fill)
}

// fillVacated puts fill wherever vacated is set. Both sides are brought to
// their common type first.
func fillVacated(values arrow.Array, vacated []bool, fill *LiteralResolve) (arrow.Array, error) {
	st, err := Supertype(values.DataType(), fill.Type)
	if err != nil {
		return nil, err
	}
	if values, err = castArray(values, st); err != nil {
		return nil, err
	}
	fillArr, err := literalArray(fill, values.Len())
	if err != nil {
		return nil, err
	}
	if fillArr, err = castArray(fillArr, st); err != nil {
		return nil, err
	}
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vacated, nil)
	return applyTernary(b.NewArray(), fillArr, values)
}

// shiftPositions returns pos shifted by k; vacated slots hold -1.
func shiftPositions(pos []int, k int64) []int {
	n := int64(len(pos))
	out := make([]int, n)
	for j := int64(0); j < n; j++ {
		src := j - k
		if src < 0 || src >= n {
			out[j] = -1
			continue
		}
		out[j] = pos[src]
	}
	return out
}

func (s *ShiftExpr) ExprNode() {}
func (s *ShiftExpr) String() string {
	if s.Fill != nil {
		return fmt.Sprintf("%s.shift_and_fill(%d, %s)", s.Expr, s.Periods, s.Fill)
	}
	return fmt.Sprintf("%s.shift(%d)", s.Expr, s.Periods)
}

// TernaryExpr is when(Predicate).then(Then).otherwise(Otherwise). A null
// predicate selects Otherwise.
type TernaryExpr struct {
	Predicate Expression
	Then      Expression
	Otherwise Expression
}

func NewTernaryExpr(predicate, then, otherwise Expression) *TernaryExpr {
	return &TernaryExpr{Predicate: predicate, Then: then, Otherwise: otherwise}
}

func EvalTernary(t *TernaryExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arrs := make([]arrow.Array, 3)
	for i, e := range []Expression{t.Predicate, t.Then, t.Otherwise} {
		arr, err := EvalExpression(e, batch)
		if err != nil {
			return nil, err
		}
		arrs[i] = arr
	}
	n := 1
	for _, a := range arrs {
		if a.Len() != 1 {
			n = a.Len()
		}
	}
	for i, a := range arrs {
		b, err := broadcast(a, n)
		if err != nil {
			return nil, err
		}
		arrs[i] = b
	}
	return applyTernary(arrs[0], arrs[1], arrs[2])
}

func applyTernary(mask, then, otherwise arrow.Array) (arrow.Array, error) {
	boolMask, ok := mask.(*array.Boolean)
	if !ok {
		return nil, operators.ErrTypef("when predicate must be boolean, got %s", mask.DataType())
	}
	if !arrow.TypeEqual(then.DataType(), otherwise.DataType()) {
		return nil, operators.ErrTypef("then and otherwise branches differ: %s vs %s", then.DataType(), otherwise.DataType())
	}
	n := boolMask.Len()
	if then.Len() != n || otherwise.Len() != n {
		return nil, operators.ErrShapef("when/then/otherwise lengths differ: %d, %d, %d", n, then.Len(), otherwise.Len())
	}
	both, err := array.Concatenate([]arrow.Array{then, otherwise}, memory.DefaultAllocator)
	if err != nil {
		return nil, operators.AsComputeError(err, "when/then/otherwise")
	}
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		if boolMask.IsValid(i) && boolMask.Value(i) {
			idx[i] = i
		} else {
			idx[i] = n + i
		}
	}
	return takeIndices(both, idx)
}

func (t *TernaryExpr) ExprNode() {}
func (t *TernaryExpr) String() string {
	return fmt.Sprintf("when(%s).then(%s).otherwise(%s)", t.Predicate, t.Then, t.Otherwise)
}

// UserFunc is a caller supplied column transform. It must not retain or
// mutate its input.
type UserFunc func(arrow.Array) (arrow.Array, error)

// UserMapExpr applies Fn to the values of Expr: once over the whole column in
// projection context, once per group in an aggregation. A mapping Fn returns
// as many values as it receives; a reducing one (Reduces) returns exactly one.
type UserMapExpr struct {
	Expr       Expression
	Fn         UserFunc
	OutputType arrow.DataType // nil keeps the input type
	Name       string
	Reduces    bool
}

func NewUserMapExpr(expr Expression, fn UserFunc, outputType arrow.DataType, name string) *UserMapExpr {
	if name == "" {
		name = "map"
	}
	return &UserMapExpr{Expr: expr, Fn: fn, OutputType: outputType, Name: name}
}

func EvalUserMap(u *UserMapExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(u.Expr, batch)
	if err != nil {
		return nil, err
	}
	out, err := callUserFunc(u, arr)
	if err != nil {
		return nil, err
	}
	if err := checkUserLen(u, out.Len(), arr.Len()); err != nil {
		return nil, err
	}
	return out, nil
}

func checkUserLen(u *UserMapExpr, got, in int) error {
	want := in
	if u.Reduces {
		want = 1
	}
	if got != want {
		return operators.ErrComputef("user function %s returned %d values for %d inputs, expected %d", u.Name, got, in, want)
	}
	return nil
}

func callUserFunc(u *UserMapExpr, arr arrow.Array) (out arrow.Array, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, operators.RecoverComputeError(r, "user function "+u.Name)
		}
	}()
	out, err = u.Fn(arr)
	if err != nil {
		return nil, operators.AsComputeError(err, "user function "+u.Name)
	}
	if out == nil {
		return nil, operators.ErrComputef("user function %s returned no array", u.Name)
	}
	want := u.OutputType
	if want == nil {
		want = arr.DataType()
	}
	if !arrow.TypeEqual(out.DataType(), want) {
		return nil, operators.ErrComputef("user function %s returned %s, declared %s", u.Name, out.DataType(), want)
	}
	return out, nil
}

func (u *UserMapExpr) ExprNode() {}
func (u *UserMapExpr) String() string {
	return fmt.Sprintf("%s.%s()", u.Expr, u.Name)
}

// takeIndices gathers arr at idx; -1 produces a null.
func takeIndices(arr arrow.Array, idx []int) (arrow.Array, error) {
	out, err := compute.TakeArray(context.TODO(), arr, operators.IndexArray(idx))
	if err != nil {
		return nil, operators.AsComputeError(err, "take")
	}
	return out, nil
}

// broadcast repeats a length-1 array n times.
func broadcast(arr arrow.Array, n int) (arrow.Array, error) {
	if arr.Len() == n {
		return arr, nil
	}
	if arr.Len() != 1 {
		return nil, operators.ErrShapef("cannot broadcast array of length %d to %d", arr.Len(), n)
	}
	if arr.DataType().ID() == arrow.NULL {
		return array.MakeArrayOfNull(memory.DefaultAllocator, arrow.Null, n), nil
	}
	return takeIndices(arr, make([]int, n))
}

// Broadcast repeats a length-1 result to n rows. Any other length mismatch is
// a shape error.
func Broadcast(arr arrow.Array, n int) (arrow.Array, error) { return broadcast(arr, n) }

func broadcastPair(l, r arrow.Array) (arrow.Array, arrow.Array, error) {
	var err error
	switch {
	case l.Len() == r.Len():
		return l, r, nil
	case l.Len() == 1:
		l, err = broadcast(l, r.Len())
	case r.Len() == 1:
		r, err = broadcast(r, l.Len())
	default:
		err = operators.ErrShapef("operands have lengths %d and %d", l.Len(), r.Len())
	}
	return l, r, err
}

func mapStrings(arr arrow.Array, name string, fn func(string) string) (arrow.Array, error) {
	strArr, ok := arr.(*array.String)
	if !ok {
		return nil, operators.ErrTypef("%s function only supports string arrays, got %s", name, arr.DataType())
	}
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	for i := 0; i < strArr.Len(); i++ {
		if strArr.IsNull(i) {
			b.AppendNull()
		} else {
			b.Append(fn(strArr.Value(i)))
		}
	}
	return b.NewArray(), nil
}

func compileSqlRegEx(s string) string {
	var buf bytes.Buffer

	startsWithWildcard := len(s) > 0 && s[0] == '%'
	endsWithWildcard := len(s) > 0 && s[len(s)-1] == '%'

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_':
			buf.WriteString(".")
		case '%':
			buf.WriteString(".*")
		default:
			if strings.ContainsRune(`.^$|()[]*+?{}\`, rune(s[i])) {
				buf.WriteByte('\\')
			}
			buf.WriteByte(s[i])
		}
	}

	regex := buf.String()
	if !startsWithWildcard {
		regex = "^" + regex
	}
	if !endsWithWildcard {
		regex = regex + "$"
	}
	return regex
}
