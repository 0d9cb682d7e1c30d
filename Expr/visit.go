package Expr

import (
	"fmt"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

// Children returns the direct sub-expressions of e in a fixed order that
// WithChildren accepts back.
func Children(e Expression) []Expression {
	switch ex := e.(type) {
	case *ColumnResolve, *LiteralResolve:
		return nil
	case *Alias:
		return []Expression{ex.Expr}
	case *BinaryExpr:
		return []Expression{ex.Left, ex.Right}
	case *UnaryExpr:
		return []Expression{ex.Expr}
	case *ScalarFunction:
		return []Expression{ex.Arguments}
	case *CastExpr:
		return []Expression{ex.Expr}
	case *AggExpr:
		return []Expression{ex.Expr}
	case *WindowExpr:
		return append([]Expression{ex.Expr}, ex.PartitionBy...)
	case *SortExpr:
		return []Expression{ex.Expr}
	case *FilterExpr:
		return []Expression{ex.Expr, ex.Predicate}
	case *UserMapExpr:
		return []Expression{ex.Expr}
	case *ShiftExpr:
		return []Expression{ex.Expr}
	case *TernaryExpr:
		return []Expression{ex.Predicate, ex.Then, ex.Otherwise}
	case *IsInExpr:
		return []Expression{ex.Expr}
	case *CumulativeExpr:
		return []Expression{ex.Expr}
	case *UniqueMaskExpr:
		return []Expression{ex.Expr}
	case *SliceExpr:
		return []Expression{ex.Expr}
	case *ReverseExpr:
		return []Expression{ex.Expr}
	case *StrPatternExpr:
		return []Expression{ex.Expr}
	default:
		panic(fmt.Sprintf("Children: unknown expression %T", e))
	}
}

// WithChildren returns a copy of e with its sub-expressions replaced.
func WithChildren(e Expression, c []Expression) Expression {
	switch ex := e.(type) {
	case *ColumnResolve, *LiteralResolve:
		return e
	case *Alias:
		return NewAlias(c[0], ex.Name)
	case *BinaryExpr:
		return NewBinaryExpr(c[0], ex.Op, c[1])
	case *UnaryExpr:
		return NewUnaryExpr(ex.Op, c[0])
	case *ScalarFunction:
		return NewScalarFunction(ex.Function, c[0])
	case *CastExpr:
		return NewCastExpr(c[0], ex.TargetType)
	case *AggExpr:
		return &AggExpr{Kind: ex.Kind, Expr: c[0], Quantile: ex.Quantile}
	case *WindowExpr:
		return NewWindowExpr(c[0], c[1:]...)
	case *SortExpr:
		return NewSortExpr(c[0], ex.Reverse)
	case *FilterExpr:
		return NewFilterExpr(c[0], c[1])
	case *UserMapExpr:
		return &UserMapExpr{Expr: c[0], Fn: ex.Fn, OutputType: ex.OutputType, Name: ex.Name, Reduces: ex.Reduces}
	case *ShiftExpr:
		return &ShiftExpr{Expr: c[0], Periods: ex.Periods, Fill: ex.Fill}
	case *TernaryExpr:
		return NewTernaryExpr(c[0], c[1], c[2])
	case *IsInExpr:
		return NewIsInExpr(c[0], ex.Set)
	case *CumulativeExpr:
		return NewCumulativeExpr(ex.Kind, c[0])
	case *UniqueMaskExpr:
		return NewUniqueMaskExpr(c[0], ex.Duplicated)
	case *SliceExpr:
		return NewSliceExpr(c[0], ex.Offset, ex.Length)
	case *ReverseExpr:
		return NewReverseExpr(c[0])
	case *StrPatternExpr:
		cp := *ex
		cp.Expr = c[0]
		return &cp
	default:
		panic(fmt.Sprintf("WithChildren: unknown expression %T", e))
	}
}

// Transform rewrites e bottom-up with fn.
func Transform(e Expression, fn func(Expression) (Expression, error)) (Expression, error) {
	children := Children(e)
	if len(children) > 0 {
		next := make([]Expression, len(children))
		changed := false
		for i, c := range children {
			nc, err := Transform(c, fn)
			if err != nil {
				return nil, err
			}
			next[i] = nc
			changed = changed || nc != c
		}
		if changed {
			e = WithChildren(e, next)
		}
	}
	return fn(e)
}

// Any reports whether pred holds for e or any sub-expression.
func Any(e Expression, pred func(Expression) bool) bool {
	if pred(e) {
		return true
	}
	for _, c := range Children(e) {
		if Any(c, pred) {
			return true
		}
	}
	return false
}

// Columns lists the column names e reads, in first-reference order.
func Columns(e Expression) []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(Expression)
	walk = func(x Expression) {
		if c, ok := x.(*ColumnResolve); ok {
			if _, dup := seen[c.Name]; !dup {
				seen[c.Name] = struct{}{}
				out = append(out, c.Name)
			}
			return
		}
		for _, ch := range Children(x) {
			walk(ch)
		}
	}
	walk(e)
	return out
}

// HasAggregation reports whether e contains an aggregation outside a window.
func HasAggregation(e Expression) bool {
	switch ex := e.(type) {
	case *AggExpr:
		return true
	case *UserMapExpr:
		if ex.Reduces {
			return true
		}
	case *WindowExpr:
		for _, p := range ex.PartitionBy {
			if HasAggregation(p) {
				return true
			}
		}
		return false
	}
	for _, c := range Children(e) {
		if HasAggregation(c) {
			return true
		}
	}
	return false
}

// IsRowWise reports whether e computes each output row from the same input
// row only. Such expressions may be evaluated before or after a row filter
// with the same result.
func IsRowWise(e Expression) bool {
	return !Any(e, func(x Expression) bool {
		switch x.(type) {
		case *AggExpr, *WindowExpr, *SortExpr, *FilterExpr, *UserMapExpr, *ShiftExpr,
			*CumulativeExpr, *UniqueMaskExpr, *SliceExpr, *ReverseExpr:
			return true
		}
		return false
	})
}

// OutputName is the column name e produces in a projection.
func OutputName(e Expression) string {
	switch ex := e.(type) {
	case *ColumnResolve:
		return ex.Name
	case *Alias:
		return ex.Name
	case *LiteralResolve:
		return "literal"
	case *AggExpr:
		return fmt.Sprintf("%s_%s", OutputName(ex.Expr), ex.Kind)
	case *BinaryExpr:
		return OutputName(ex.Left)
	case *TernaryExpr:
		return OutputName(ex.Then)
	default:
		children := Children(e)
		if len(children) == 0 {
			return e.String()
		}
		return OutputName(children[0])
	}
}

func ExprDataType(e Expression, inputSchema *arrow.Schema) (arrow.DataType, error) {
	switch ex := e.(type) {
	case *LiteralResolve:
		return ex.Type, nil
	case *ColumnResolve:
		idx := inputSchema.FieldIndices(ex.Name)
		if len(idx) == 0 {
			return nil, operators.ErrMissingColumn(ex.Name)
		}
		return inputSchema.Field(idx[0]).Type, nil
	case *Alias:
		// alias does NOT change type
		return ExprDataType(ex.Expr, inputSchema)
	case *CastExpr:
		if _, err := ExprDataType(ex.Expr, inputSchema); err != nil {
			return nil, err
		}
		return ex.TargetType, nil
	case *BinaryExpr:
		leftType, err := ExprDataType(ex.Left, inputSchema)
		if err != nil {
			return nil, err
		}
		rightType, err := ExprDataType(ex.Right, inputSchema)
		if err != nil {
			return nil, err
		}
		return BinaryOutputType(ex.Op, leftType, rightType)
	case *UnaryExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		switch ex.Op {
		case Not:
			if !isBoolish(inner) {
				return nil, operators.ErrTypef("not requires a boolean operand, got %s", inner)
			}
			return arrow.FixedWidthTypes.Boolean, nil
		case Negate:
			if !isNumeric(inner) {
				return nil, operators.ErrTypef("negation is undefined for %s", inner)
			}
			return inner, nil
		default:
			return arrow.FixedWidthTypes.Boolean, nil
		}
	case *ScalarFunction:
		argType, err := ExprDataType(ex.Arguments, inputSchema)
		if err != nil {
			return nil, err
		}
		return inferScalarFunctionType(ex.Function, argType)
	case *AggExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		return AggOutputType(ex.Kind, inner)
	case *WindowExpr:
		for _, p := range ex.PartitionBy {
			if _, err := ExprDataType(p, inputSchema); err != nil {
				return nil, err
			}
		}
		return ExprDataType(ex.Expr, inputSchema)
	case *SortExpr:
		return ExprDataType(ex.Expr, inputSchema)
	case *ShiftExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil || ex.Fill == nil {
			return inner, err
		}
		return Supertype(inner, ex.Fill.Type)
	case *SliceExpr:
		return ExprDataType(ex.Expr, inputSchema)
	case *ReverseExpr:
		return ExprDataType(ex.Expr, inputSchema)
	case *CumulativeExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		return cumulativeType(ex.Kind, inner)
	case *UniqueMaskExpr:
		if _, err := ExprDataType(ex.Expr, inputSchema); err != nil {
			return nil, err
		}
		return arrow.FixedWidthTypes.Boolean, nil
	case *IsInExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		if _, err := ex.setType(inner); err != nil {
			return nil, err
		}
		return arrow.FixedWidthTypes.Boolean, nil
	case *StrPatternExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		return ex.outputType(inner)
	case *FilterExpr:
		pt, err := ExprDataType(ex.Predicate, inputSchema)
		if err != nil {
			return nil, err
		}
		if !isBoolish(pt) {
			return nil, operators.ErrTypef("filter predicate must be boolean, got %s", pt)
		}
		return ExprDataType(ex.Expr, inputSchema)
	case *UserMapExpr:
		inner, err := ExprDataType(ex.Expr, inputSchema)
		if err != nil {
			return nil, err
		}
		if ex.OutputType != nil {
			return ex.OutputType, nil
		}
		return inner, nil
	case *TernaryExpr:
		if _, err := ExprDataType(ex.Predicate, inputSchema); err != nil {
			return nil, err
		}
		tt, err := ExprDataType(ex.Then, inputSchema)
		if err != nil {
			return nil, err
		}
		ot, err := ExprDataType(ex.Otherwise, inputSchema)
		if err != nil {
			return nil, err
		}
		return Supertype(tt, ot)
	default:
		return nil, ErrUnsupportedExpression(ex.String())
	}
}

// ExprField is the schema field e produces.
func ExprField(e Expression, inputSchema *arrow.Schema) (arrow.Field, error) {
	dt, err := ExprDataType(e, inputSchema)
	if err != nil {
		return arrow.Field{}, err
	}
	return arrow.Field{Name: OutputName(e), Type: dt, Nullable: true}, nil
}

func inferScalarFunctionType(fn supportedFunctions, argType arrow.DataType) (arrow.DataType, error) {
	switch fn {
	case Upper, Lower:
		if argType.ID() != arrow.STRING {
			return nil, operators.ErrTypef("%s only supports string types, got %s", fn, argType)
		}
		return arrow.BinaryTypes.String, nil
	case StrLen:
		if argType.ID() != arrow.STRING {
			return nil, operators.ErrTypef("%s only supports string types, got %s", fn, argType)
		}
		return arrow.PrimitiveTypes.Uint32, nil
	case Abs, Round:
		if !isNumeric(argType) {
			return nil, operators.ErrTypef("%s is undefined for %s", fn, argType)
		}
		return argType, nil
	default:
		return nil, operators.ErrUnsupportedf("unknown scalar function %v", fn)
	}
}

// GroupedField is the field e produces as an aggregation of a group-by.
// Expressions that are not reduced to one value per group yield a list.
func GroupedField(e Expression, inputSchema *arrow.Schema) (arrow.Field, error) {
	f, err := ExprField(e, inputSchema)
	if err != nil {
		return f, err
	}
	if !reducesPerGroup(e) {
		f.Type = arrow.ListOf(f.Type)
	}
	return f, nil
}

func reducesPerGroup(e Expression) bool {
	switch ex := e.(type) {
	case *AggExpr, *LiteralResolve:
		return true
	case *ColumnResolve, *ShiftExpr, *FilterExpr, *WindowExpr,
		*CumulativeExpr, *UniqueMaskExpr, *SliceExpr, *ReverseExpr:
		return false
	case *UserMapExpr:
		if ex.Reduces {
			return true
		}
	case *Alias:
		return reducesPerGroup(ex.Expr)
	}
	for _, c := range Children(e) {
		if !reducesPerGroup(c) {
			return false
		}
	}
	return true
}
