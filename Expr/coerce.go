package Expr

import (
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

// Coercion lattice: Null < Bool < Int8 < Int16 < Int32 < Int64 < Float32 <
// Float64 < Utf8. Unsigned integers mixed with signed ones take the next
// wider signed width.

func latticeRank(dt arrow.DataType) (int, bool) {
	switch dt.ID() {
	case arrow.NULL:
		return 0, true
	case arrow.BOOL:
		return 1, true
	case arrow.INT8, arrow.UINT8:
		return 2, true
	case arrow.INT16, arrow.UINT16:
		return 3, true
	case arrow.INT32, arrow.UINT32:
		return 4, true
	case arrow.INT64, arrow.UINT64:
		return 5, true
	case arrow.FLOAT32:
		return 6, true
	case arrow.FLOAT64:
		return 7, true
	case arrow.STRING:
		return 8, true
	default:
		return 0, false
	}
}

func isSigned(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return true
	}
	return false
}

func isUnsigned(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

func isInteger(dt arrow.DataType) bool { return isSigned(dt) || isUnsigned(dt) }

func isFloating(dt arrow.DataType) bool {
	return dt.ID() == arrow.FLOAT32 || dt.ID() == arrow.FLOAT64
}

func isNumeric(dt arrow.DataType) bool { return isInteger(dt) || isFloating(dt) }

func bitWidth(dt arrow.DataType) int {
	if fw, ok := dt.(arrow.FixedWidthDataType); ok {
		return fw.BitWidth()
	}
	return 0
}

func signedOfWidth(bits int) arrow.DataType {
	switch {
	case bits <= 8:
		return arrow.PrimitiveTypes.Int8
	case bits <= 16:
		return arrow.PrimitiveTypes.Int16
	case bits <= 32:
		return arrow.PrimitiveTypes.Int32
	default:
		return arrow.PrimitiveTypes.Int64
	}
}

// Supertype returns the smallest type both a and b promote to.
func Supertype(a, b arrow.DataType) (arrow.DataType, error) {
	if arrow.TypeEqual(a, b) {
		return a, nil
	}
	if operators.IsListType(a) || operators.IsListType(b) {
		return nil, operators.ErrTypef("no common type for %s and %s", a, b)
	}
	ra, okA := latticeRank(a)
	rb, okB := latticeRank(b)
	if !okA || !okB {
		return nil, operators.ErrTypef("no common type for %s and %s", a, b)
	}
	if a.ID() == arrow.NULL {
		return b, nil
	}
	if b.ID() == arrow.NULL {
		return a, nil
	}

	switch {
	case isUnsigned(a) && isUnsigned(b):
		if bitWidth(a) >= bitWidth(b) {
			return a, nil
		}
		return b, nil
	case isUnsigned(a) && isSigned(b), isSigned(a) && isUnsigned(b):
		s, u := a, b
		if isUnsigned(a) {
			s, u = b, a
		}
		bits := bitWidth(s)
		if 2*bitWidth(u) > bits {
			bits = 2 * bitWidth(u)
		}
		return signedOfWidth(bits), nil
	case isInteger(a) && b.ID() == arrow.FLOAT32:
		return intWithFloat32(a), nil
	case a.ID() == arrow.FLOAT32 && isInteger(b):
		return intWithFloat32(b), nil
	}

	if ra >= rb {
		if isUnsigned(a) || isSigned(a) {
			return a, nil
		}
		return latticeType(ra, a), nil
	}
	return latticeType(rb, b), nil
}

func intWithFloat32(i arrow.DataType) arrow.DataType {
	if bitWidth(i) <= 16 {
		return arrow.PrimitiveTypes.Float32
	}
	return arrow.PrimitiveTypes.Float64
}

func latticeType(rank int, fallback arrow.DataType) arrow.DataType {
	switch rank {
	case 1:
		return arrow.FixedWidthTypes.Boolean
	case 6:
		return arrow.PrimitiveTypes.Float32
	case 7:
		return arrow.PrimitiveTypes.Float64
	case 8:
		return arrow.BinaryTypes.String
	default:
		return fallback
	}
}

// BinaryOperandType is the type both operands of op are cast to.
func BinaryOperandType(op binaryOperator, left, right arrow.DataType) (arrow.DataType, error) {
	switch {
	case op.IsLogical():
		if !isBoolish(left) || !isBoolish(right) {
			return nil, operators.ErrTypef("%s requires boolean operands, got %s and %s", op, left, right)
		}
		return arrow.FixedWidthTypes.Boolean, nil
	case op == Like:
		if left.ID() != arrow.STRING || right.ID() != arrow.STRING {
			return nil, operators.ErrTypef("LIKE requires string operands, got %s and %s", left, right)
		}
		return arrow.BinaryTypes.String, nil
	}
	st, err := Supertype(left, right)
	if err != nil {
		return nil, err
	}
	if op.IsArithmetic() && !isNumeric(st) {
		return nil, operators.ErrTypef("arithmetic %s is undefined for %s and %s", op, left, right)
	}
	return st, nil
}

func isBoolish(dt arrow.DataType) bool { return dt.ID() == arrow.BOOL || dt.ID() == arrow.NULL }

// BinaryOutputType is the result type of applying op to left and right.
func BinaryOutputType(op binaryOperator, left, right arrow.DataType) (arrow.DataType, error) {
	st, err := BinaryOperandType(op, left, right)
	if err != nil {
		return nil, err
	}
	if op.IsArithmetic() {
		return st, nil
	}
	return arrow.FixedWidthTypes.Boolean, nil
}

// CoerceExpr rewrites e so that every binary operator and ternary sees
// operands of one type, inserting casts where needed.
func CoerceExpr(e Expression, schema *arrow.Schema) (Expression, error) {
	children := Children(e)
	if len(children) > 0 {
		newChildren := make([]Expression, len(children))
		changed := false
		for i, c := range children {
			nc, err := CoerceExpr(c, schema)
			if err != nil {
				return nil, err
			}
			newChildren[i] = nc
			changed = changed || nc != c
		}
		if changed {
			e = WithChildren(e, newChildren)
		}
	}

	switch ex := e.(type) {
	case *BinaryExpr:
		lt, err := ExprDataType(ex.Left, schema)
		if err != nil {
			return nil, err
		}
		rt, err := ExprDataType(ex.Right, schema)
		if err != nil {
			return nil, err
		}
		target, err := BinaryOperandType(ex.Op, lt, rt)
		if err != nil {
			return nil, err
		}
		left, right := castTo(ex.Left, lt, target), castTo(ex.Right, rt, target)
		if left != ex.Left || right != ex.Right {
			return NewBinaryExpr(left, ex.Op, right), nil
		}
	case *TernaryExpr:
		pt, err := ExprDataType(ex.Predicate, schema)
		if err != nil {
			return nil, err
		}
		if !isBoolish(pt) {
			return nil, operators.ErrTypef("when predicate must be boolean, got %s", pt)
		}
		tt, err := ExprDataType(ex.Then, schema)
		if err != nil {
			return nil, err
		}
		ot, err := ExprDataType(ex.Otherwise, schema)
		if err != nil {
			return nil, err
		}
		target, err := Supertype(tt, ot)
		if err != nil {
			return nil, err
		}
		pred := castTo(ex.Predicate, pt, arrow.FixedWidthTypes.Boolean)
		then, otherwise := castTo(ex.Then, tt, target), castTo(ex.Otherwise, ot, target)
		if pred != ex.Predicate || then != ex.Then || otherwise != ex.Otherwise {
			return NewTernaryExpr(pred, then, otherwise), nil
		}
	}
	return e, nil
}

func castTo(e Expression, from, to arrow.DataType) Expression {
	if arrow.TypeEqual(from, to) {
		return e
	}
	return NewCastExpr(e, to)
}
