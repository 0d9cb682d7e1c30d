package Expr

import (
	"fmt"
	"opti-frame-go/operators"
	"regexp"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrBadPattern = func(pattern string, err error) error {
		return operators.ErrComputef("invalid pattern %q: %v", pattern, err)
	}
)

// IsInExpr tests every value of Expr for membership in Set. A null value
// yields null; null entries of Set never match.
type IsInExpr struct {
	Expr Expression
	Set  []*LiteralResolve
}

func NewIsInExpr(expr Expression, set []*LiteralResolve) *IsInExpr {
	return &IsInExpr{Expr: expr, Set: set}
}

func EvalIsIn(in *IsInExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(in.Expr, batch)
	if err != nil {
		return nil, err
	}
	return in.apply(arr)
}

// setType is the type values and set members are compared in.
func (in *IsInExpr) setType(dt arrow.DataType) (arrow.DataType, error) {
	if operators.IsListType(dt) {
		return nil, operators.ErrListNotComparable("is_in", OutputName(in.Expr), dt)
	}
	st := dt
	for _, l := range in.Set {
		var err error
		if st, err = Supertype(st, l.Type); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (in *IsInExpr) apply(arr arrow.Array) (arrow.Array, error) {
	st, err := in.setType(arr.DataType())
	if err != nil {
		return nil, err
	}
	values, err := castArray(arr, st)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(in.Set))
	for _, l := range in.Set {
		if l.IsNull() {
			continue
		}
		one, err := literalArray(l, 1)
		if err != nil {
			return nil, err
		}
		if one, err = castArray(one, st); err != nil {
			return nil, err
		}
		key, _ := operators.RowKey([]arrow.Array{one}, 0)
		set[key] = struct{}{}
	}
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.Reserve(values.Len())
	cols := []arrow.Array{values}
	for i := 0; i < values.Len(); i++ {
		if values.IsNull(i) {
			b.AppendNull()
			continue
		}
		key, _ := operators.RowKey(cols, i)
		_, ok := set[key]
		b.Append(ok)
	}
	return b.NewArray(), nil
}

func (in *IsInExpr) ExprNode() {}
func (in *IsInExpr) String() string {
	members := make([]string, len(in.Set))
	for i, l := range in.Set {
		members[i] = l.String()
	}
	return fmt.Sprintf("%s.is_in([%s])", in.Expr, strings.Join(members, ", "))
}

// CumulativeExpr is the running sum, min or max of Expr. Nulls stay null and
// do not reset the running value. In a group context every group runs on its
// own.
type CumulativeExpr struct {
	Kind AggKind
	Expr Expression
}

func NewCumulativeExpr(kind AggKind, expr Expression) *CumulativeExpr {
	return &CumulativeExpr{Kind: kind, Expr: expr}
}

func EvalCumulative(c *CumulativeExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(c.Expr, batch)
	if err != nil {
		return nil, err
	}
	return cumulate(c.Kind, arr, operators.SingleGroup(arr.Len()).Groups)
}

func cumulativeType(kind AggKind, dt arrow.DataType) (arrow.DataType, error) {
	switch kind {
	case AggSum, AggMin, AggMax:
		return AggOutputType(kind, dt)
	}
	return nil, operators.ErrUnsupportedf("cumulative %s is not supported", kind)
}

// cumulate fills, for every position of every group, the running value up to
// and including it. Positions outside any group are null.
func cumulate(kind AggKind, values arrow.Array, groups [][]int) (arrow.Array, error) {
	outType, err := cumulativeType(kind, values.DataType())
	if err != nil {
		return nil, err
	}
	if kind == AggMin || kind == AggMax {
		idx := make([]int, values.Len())
		for i := range idx {
			idx[i] = -1
		}
		for _, rows := range groups {
			best := -1
			for _, r := range rows {
				if values.IsNull(r) {
					continue
				}
				if best < 0 {
					best = r
				} else if cmp := operators.CompareValues(values, r, best); (kind == AggMax && cmp > 0) || (kind == AggMin && cmp < 0) {
					best = r
				}
				idx[r] = best
			}
		}
		return takeIndices(values, idx)
	}
	casted, err := castArray(values, outType)
	if err != nil {
		return nil, err
	}
	switch arr := casted.(type) {
	case *array.Int64:
		return runningSum[int64](arr, groups, array.NewInt64Builder(memory.DefaultAllocator)), nil
	case *array.Uint64:
		return runningSum[uint64](arr, groups, array.NewUint64Builder(memory.DefaultAllocator)), nil
	case *array.Float64:
		return runningSum[float64](arr, groups, array.NewFloat64Builder(memory.DefaultAllocator)), nil
	}
	return nil, ErrInvalidAggrColumnType(kind, values.DataType())
}

type valuesOf[T any] interface {
	arrow.Array
	Value(int) T
}

type valuesBuilder[T any] interface {
	AppendValues([]T, []bool)
	NewArray() arrow.Array
	Release()
}

func runningSum[T int64 | uint64 | float64](arr valuesOf[T], groups [][]int, b valuesBuilder[T]) arrow.Array {
	defer b.Release()
	out := make([]T, arr.Len())
	valid := make([]bool, arr.Len())
	for _, rows := range groups {
		var s T
		for _, r := range rows {
			if arr.IsNull(r) {
				continue
			}
			s += arr.Value(r)
			out[r], valid[r] = s, true
		}
	}
	b.AppendValues(out, valid)
	return b.NewArray()
}

func (c *CumulativeExpr) ExprNode() {}
func (c *CumulativeExpr) String() string {
	return fmt.Sprintf("%s.cum_%s()", c.Expr, c.Kind)
}

// UniqueMaskExpr marks the values of Expr that occur exactly once
// (is_unique), or more than once when Duplicated is set. Null is a value
// like any other.
type UniqueMaskExpr struct {
	Expr       Expression
	Duplicated bool
}

func NewUniqueMaskExpr(expr Expression, duplicated bool) *UniqueMaskExpr {
	return &UniqueMaskExpr{Expr: expr, Duplicated: duplicated}
}

func EvalUniqueMask(u *UniqueMaskExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(u.Expr, batch)
	if err != nil {
		return nil, err
	}
	return uniqueMask(arr, operators.SingleGroup(arr.Len()).Groups, u.Duplicated)
}

func uniqueMask(values arrow.Array, groups [][]int, duplicated bool) (arrow.Array, error) {
	out := make([]bool, values.Len())
	valid := make([]bool, values.Len())
	cols := []arrow.Array{values}
	for _, rows := range groups {
		keys := make([]string, len(rows))
		counts := make(map[string]int, len(rows))
		for i, r := range rows {
			keys[i], _ = operators.RowKey(cols, r)
			counts[keys[i]]++
		}
		for i, r := range rows {
			out[r] = (counts[keys[i]] > 1) == duplicated
			valid[r] = true
		}
	}
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(out, valid)
	return b.NewArray(), nil
}

func (u *UniqueMaskExpr) ExprNode() {}
func (u *UniqueMaskExpr) String() string {
	if u.Duplicated {
		return fmt.Sprintf("%s.is_duplicated()", u.Expr)
	}
	return fmt.Sprintf("%s.is_unique()", u.Expr)
}

// SliceExpr keeps Length values of Expr starting at Offset. A negative offset
// counts from the end; both ends are clamped to the values present. head and
// tail are slices.
type SliceExpr struct {
	Expr   Expression
	Offset int64
	Length int64
}

func NewSliceExpr(expr Expression, offset, length int64) *SliceExpr {
	return &SliceExpr{Expr: expr, Offset: offset, Length: length}
}

func EvalSlice(s *SliceExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(s.Expr, batch)
	if err != nil {
		return nil, err
	}
	return takeIndices(arr, slicePositions(operators.SingleGroup(arr.Len()).Groups[0], s.Offset, s.Length))
}

func slicePositions(pos []int, offset, length int64) []int {
	n := int64(len(pos))
	start := offset
	if start < 0 {
		start += n
	}
	start = min(max(start, 0), n)
	end := n
	if length >= 0 && start+length < n {
		end = start + length
	}
	return pos[start:end]
}

func (s *SliceExpr) ExprNode() {}
func (s *SliceExpr) String() string {
	return fmt.Sprintf("%s.slice(%d, %d)", s.Expr, s.Offset, s.Length)
}

// ReverseExpr yields the values of Expr in reverse order.
type ReverseExpr struct {
	Expr Expression
}

func NewReverseExpr(expr Expression) *ReverseExpr {
	return &ReverseExpr{Expr: expr}
}

func EvalReverse(r *ReverseExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(r.Expr, batch)
	if err != nil {
		return nil, err
	}
	return takeIndices(arr, reversePositions(operators.SingleGroup(arr.Len()).Groups[0]))
}

func reversePositions(pos []int) []int {
	out := make([]int, len(pos))
	for i, p := range pos {
		out[len(pos)-1-i] = p
	}
	return out
}

func (r *ReverseExpr) ExprNode() {}
func (r *ReverseExpr) String() string {
	return fmt.Sprintf("%s.reverse()", r.Expr)
}

type strPatternOp int

const (
	StrContainsOp strPatternOp = iota + 1
	StrReplaceOp
	StrReplaceAllOp
)

func (op strPatternOp) String() string {
	switch op {
	case StrContainsOp:
		return "str.contains"
	case StrReplaceOp:
		return "str.replace"
	case StrReplaceAllOp:
		return "str.replace_all"
	default:
		return fmt.Sprintf("str(%d)", int(op))
	}
}

// StrPatternExpr matches a regular expression against the strings of Expr,
// or a plain substring when Literal is set. Replace rewrites the first match,
// ReplaceAll every match; $1 in Replacement refers to a capture group unless
// Literal is set.
type StrPatternExpr struct {
	Op          strPatternOp
	Expr        Expression
	Pattern     string
	Replacement string
	Literal     bool
}

func EvalStrPattern(s *StrPatternExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(s.Expr, batch)
	if err != nil {
		return nil, err
	}
	return s.apply(arr)
}

func (s *StrPatternExpr) compile() (*regexp.Regexp, error) {
	pattern := s.Pattern
	if s.Literal {
		pattern = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ErrBadPattern(s.Pattern, err)
	}
	return re, nil
}

func (s *StrPatternExpr) apply(arr arrow.Array) (arrow.Array, error) {
	re, err := s.compile()
	if err != nil {
		return nil, err
	}
	if arr.DataType().ID() == arrow.NULL {
		dt, err := s.outputType(arr.DataType())
		if err != nil {
			return nil, err
		}
		return array.MakeArrayOfNull(memory.DefaultAllocator, dt, arr.Len()), nil
	}
	switch s.Op {
	case StrContainsOp:
		strArr, ok := arr.(*array.String)
		if !ok {
			return nil, operators.ErrTypef("%s only supports string arrays, got %s", s.Op, arr.DataType())
		}
		b := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer b.Release()
		for i := 0; i < strArr.Len(); i++ {
			if strArr.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(re.MatchString(strArr.Value(i)))
		}
		return b.NewArray(), nil
	case StrReplaceAllOp:
		if s.Literal {
			return mapStrings(arr, s.Op.String(), func(v string) string { return re.ReplaceAllLiteralString(v, s.Replacement) })
		}
		return mapStrings(arr, s.Op.String(), func(v string) string { return re.ReplaceAllString(v, s.Replacement) })
	case StrReplaceOp:
		return mapStrings(arr, s.Op.String(), func(v string) string {
			loc := re.FindStringSubmatchIndex(v)
			if loc == nil {
				return v
			}
			var repl []byte
			if s.Literal {
				repl = []byte(s.Replacement)
			} else {
				repl = re.ExpandString(nil, s.Replacement, v, loc)
			}
			return v[:loc[0]] + string(repl) + v[loc[1]:]
		})
	}
	return nil, operators.ErrUnsupportedf("unsupported string function %s", s.Op)
}

func (s *StrPatternExpr) outputType(argType arrow.DataType) (arrow.DataType, error) {
	if argType.ID() != arrow.STRING && argType.ID() != arrow.NULL {
		return nil, operators.ErrTypef("%s only supports string types, got %s", s.Op, argType)
	}
	if _, err := s.compile(); err != nil {
		return nil, err
	}
	if s.Op == StrContainsOp {
		return arrow.FixedWidthTypes.Boolean, nil
	}
	return arrow.BinaryTypes.String, nil
}

func (s *StrPatternExpr) ExprNode() {}
func (s *StrPatternExpr) String() string {
	if s.Op == StrContainsOp {
		return fmt.Sprintf("%s.%s(%q)", s.Expr, s.Op, s.Pattern)
	}
	return fmt.Sprintf("%s.%s(%q, %q)", s.Expr, s.Op, s.Pattern, s.Replacement)
}
