package Expr

import "github.com/apache/arrow/go/v17/arrow"

// Short constructors used by the lazy API and tests.

func Col(name string) *ColumnResolve { return NewColumnResolve(name) }

func As(e Expression, name string) *Alias { return NewAlias(e, name) }

func Cast(e Expression, dt arrow.DataType) *CastExpr { return NewCastExpr(e, dt) }

func Add(l, r Expression) *BinaryExpr   { return NewBinaryExpr(l, Addition, r) }
func Sub(l, r Expression) *BinaryExpr   { return NewBinaryExpr(l, Subtraction, r) }
func Mul(l, r Expression) *BinaryExpr   { return NewBinaryExpr(l, Multiplication, r) }
func Div(l, r Expression) *BinaryExpr   { return NewBinaryExpr(l, Division, r) }
func Pow(l, r Expression) *BinaryExpr   { return NewBinaryExpr(l, Power, r) }
func Eq(l, r Expression) *BinaryExpr    { return NewBinaryExpr(l, Equal, r) }
func NotEq(l, r Expression) *BinaryExpr { return NewBinaryExpr(l, NotEqual, r) }
func Lt(l, r Expression) *BinaryExpr    { return NewBinaryExpr(l, LessThan, r) }
func LtEq(l, r Expression) *BinaryExpr  { return NewBinaryExpr(l, LessThanOrEqual, r) }
func Gt(l, r Expression) *BinaryExpr    { return NewBinaryExpr(l, GreaterThan, r) }
func GtEq(l, r Expression) *BinaryExpr  { return NewBinaryExpr(l, GreaterThanOrEqual, r) }
func LikeExpr(l Expression, pattern string) *BinaryExpr {
	return NewBinaryExpr(l, Like, Lit(pattern))
}

// AllOf joins exprs with AND. It returns nil for no exprs.
func AllOf(exprs ...Expression) Expression { return fold(And, exprs) }

// AnyOf joins exprs with OR. It returns nil for no exprs.
func AnyOf(exprs ...Expression) Expression { return fold(Or, exprs) }

func fold(op binaryOperator, exprs []Expression) Expression {
	if len(exprs) == 0 {
		return nil
	}
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = NewBinaryExpr(out, op, e)
	}
	return out
}

func Invert(e Expression) *UnaryExpr        { return NewUnaryExpr(Not, e) }
func Neg(e Expression) *UnaryExpr           { return NewUnaryExpr(Negate, e) }
func IsNullExpr(e Expression) *UnaryExpr    { return NewUnaryExpr(IsNull, e) }
func IsNotNullExpr(e Expression) *UnaryExpr { return NewUnaryExpr(IsNotNull, e) }

func ToUpper(e Expression) *ScalarFunction   { return NewScalarFunction(Upper, e) }
func ToLower(e Expression) *ScalarFunction   { return NewScalarFunction(Lower, e) }
func AbsOf(e Expression) *ScalarFunction     { return NewScalarFunction(Abs, e) }
func RoundOf(e Expression) *ScalarFunction   { return NewScalarFunction(Round, e) }
func StrLength(e Expression) *ScalarFunction { return NewScalarFunction(StrLen, e) }

func Sum(e Expression) *AggExpr     { return NewAggExpr(AggSum, e) }
func Min(e Expression) *AggExpr     { return NewAggExpr(AggMin, e) }
func Max(e Expression) *AggExpr     { return NewAggExpr(AggMax, e) }
func Mean(e Expression) *AggExpr    { return NewAggExpr(AggMean, e) }
func Median(e Expression) *AggExpr  { return NewAggExpr(AggMedian, e) }
func NUnique(e Expression) *AggExpr { return NewAggExpr(AggNUnique, e) }
func First(e Expression) *AggExpr   { return NewAggExpr(AggFirst, e) }
func Last(e Expression) *AggExpr    { return NewAggExpr(AggLast, e) }
func List(e Expression) *AggExpr    { return NewAggExpr(AggList, e) }
func Count(e Expression) *AggExpr   { return NewAggExpr(AggCount, e) }
func Std(e Expression) *AggExpr     { return NewAggExpr(AggStd, e) }
func Var(e Expression) *AggExpr     { return NewAggExpr(AggVar, e) }
func Quantile(e Expression, q float64) *AggExpr {
	return NewQuantileExpr(e, q)
}

func Over(e Expression, partitionBy ...Expression) *WindowExpr {
	return NewWindowExpr(e, partitionBy...)
}

func Sorted(e Expression, reverse bool) *SortExpr { return NewSortExpr(e, reverse) }

func FilterBy(e, predicate Expression) *FilterExpr { return NewFilterExpr(e, predicate) }

func Shift(e Expression, periods int64) *ShiftExpr { return NewShiftExpr(e, periods) }

// ShiftAndFill is Shift with the vacated slots set to fill, given as for Lit.
func ShiftAndFill(e Expression, periods int64, fill any) *ShiftExpr {
	lit, ok := fill.(*LiteralResolve)
	if !ok {
		lit = Lit(fill)
	}
	return &ShiftExpr{Expr: e, Periods: periods, Fill: lit}
}

// FillNone replaces the nulls of e with value. The result takes the common
// type of both.
func FillNone(e, value Expression) *TernaryExpr {
	return When(IsNotNullExpr(e)).Then(e).Otherwise(value)
}

// IsIn tests e for membership in values, each given as for Lit.
func IsIn(e Expression, values ...any) *IsInExpr {
	set := make([]*LiteralResolve, len(values))
	for i, v := range values {
		if l, ok := v.(*LiteralResolve); ok {
			set[i] = l
			continue
		}
		set[i] = Lit(v)
	}
	return NewIsInExpr(e, set)
}

// IsBetween is lower <= e <= upper.
func IsBetween(e, lower, upper Expression) *BinaryExpr {
	return NewBinaryExpr(GtEq(e, lower), And, LtEq(e, upper))
}

func IsUnique(e Expression) *UniqueMaskExpr     { return NewUniqueMaskExpr(e, false) }
func IsDuplicated(e Expression) *UniqueMaskExpr { return NewUniqueMaskExpr(e, true) }

func CumSum(e Expression) *CumulativeExpr { return NewCumulativeExpr(AggSum, e) }
func CumMin(e Expression) *CumulativeExpr { return NewCumulativeExpr(AggMin, e) }
func CumMax(e Expression) *CumulativeExpr { return NewCumulativeExpr(AggMax, e) }

func Reverse(e Expression) *ReverseExpr { return NewReverseExpr(e) }

func Slice(e Expression, offset, length int64) *SliceExpr { return NewSliceExpr(e, offset, length) }
func Head(e Expression, n int64) *SliceExpr               { return NewSliceExpr(e, 0, n) }
func Tail(e Expression, n int64) *SliceExpr               { return NewSliceExpr(e, -n, n) }

func StrContains(e Expression, pattern string, literal bool) *StrPatternExpr {
	return &StrPatternExpr{Op: StrContainsOp, Expr: e, Pattern: pattern, Literal: literal}
}

// StrReplace replaces the first match of pattern in every string of e.
func StrReplace(e Expression, pattern, replacement string, literal bool) *StrPatternExpr {
	return &StrPatternExpr{Op: StrReplaceOp, Expr: e, Pattern: pattern, Replacement: replacement, Literal: literal}
}

func StrReplaceAll(e Expression, pattern, replacement string, literal bool) *StrPatternExpr {
	return &StrPatternExpr{Op: StrReplaceAllOp, Expr: e, Pattern: pattern, Replacement: replacement, Literal: literal}
}

func Map(e Expression, fn UserFunc, outputType arrow.DataType) *UserMapExpr {
	return NewUserMapExpr(e, fn, outputType, "map")
}

// Apply is a Map whose fn reduces its input to a single value: one row per
// group in an aggregation, one broadcast value in a projection.
func Apply(e Expression, fn UserFunc, outputType arrow.DataType) *UserMapExpr {
	u := NewUserMapExpr(e, fn, outputType, "apply")
	u.Reduces = true
	return u
}

// When starts a when/then/otherwise chain.
func When(predicate Expression) WhenBuilder { return WhenBuilder{predicate: predicate} }

type WhenBuilder struct {
	predicate Expression
	then      Expression
}

func (w WhenBuilder) Then(e Expression) WhenBuilder {
	w.then = e
	return w
}

func (w WhenBuilder) Otherwise(e Expression) *TernaryExpr {
	return NewTernaryExpr(w.predicate, w.then, e)
}

// SplitConjunction flattens a tree of ANDs into its conjuncts.
func SplitConjunction(e Expression) []Expression {
	if b, ok := e.(*BinaryExpr); ok && b.Op == And {
		return append(SplitConjunction(b.Left), SplitConjunction(b.Right)...)
	}
	return []Expression{e}
}
