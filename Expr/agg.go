package Expr

import (
	"fmt"
	"math"
	"opti-frame-go/operators"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrUnsupportedAggrFunc = func(kind AggKind) error {
		return operators.ErrUnsupportedf("%s is an unsupported aggregate function", kind)
	}
	ErrInvalidAggrColumnType = func(kind AggKind, dt arrow.DataType) error {
		return operators.ErrTypef("%s is undefined for columns of type %s", kind, dt)
	}
	ErrQuantileOutOfRange = func(q float64) error {
		return operators.ErrComputef("quantile must be between 0 and 1, got %v", q)
	}
)

// AggKind represents the type of aggregation function to be performed.
type AggKind int

const (
	AggSum AggKind = iota + 1
	AggMin
	AggMax
	AggMean
	AggMedian
	AggQuantile
	AggNUnique
	AggFirst
	AggLast
	AggList
	AggCount
	AggStd
	AggVar
)

func (k AggKind) String() string {
	switch k {
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggMean:
		return "mean"
	case AggMedian:
		return "median"
	case AggQuantile:
		return "quantile"
	case AggNUnique:
		return "n_unique"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggList:
		return "list"
	case AggCount:
		return "count"
	case AggStd:
		return "std"
	case AggVar:
		return "var"
	default:
		return "unknown_aggregate"
	}
}

// AggExpr reduces Expr to one value per group, or one value overall in a
// projection.
type AggExpr struct {
	Kind     AggKind
	Expr     Expression
	Quantile float64 // only read by AggQuantile
}

func NewAggExpr(kind AggKind, expr Expression) *AggExpr {
	return &AggExpr{Kind: kind, Expr: expr}
}

func NewQuantileExpr(expr Expression, q float64) *AggExpr {
	return &AggExpr{Kind: AggQuantile, Expr: expr, Quantile: q}
}

func (a *AggExpr) ExprNode() {}
func (a *AggExpr) String() string {
	if a.Kind == AggQuantile {
		return fmt.Sprintf("%s.quantile(%v)", a.Expr, a.Quantile)
	}
	return fmt.Sprintf("%s.%s()", a.Expr, a.Kind)
}

// EvalAgg reduces the whole batch to a single value.
func EvalAgg(a *AggExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(a.Expr, batch)
	if err != nil {
		return nil, err
	}
	return aggregate(a.Kind, a.Quantile, arr, operators.SingleGroup(arr.Len()).Groups)
}

// AggOutputType is the type produced by kind over a column of type dt.
func AggOutputType(kind AggKind, dt arrow.DataType) (arrow.DataType, error) {
	switch kind {
	case AggSum:
		switch {
		case isUnsigned(dt):
			return arrow.PrimitiveTypes.Uint64, nil
		case isSigned(dt), dt.ID() == arrow.BOOL, dt.ID() == arrow.NULL:
			return arrow.PrimitiveTypes.Int64, nil
		case isFloating(dt):
			return arrow.PrimitiveTypes.Float64, nil
		}
		return nil, ErrInvalidAggrColumnType(kind, dt)
	case AggMin, AggMax:
		if operators.IsListType(dt) {
			return nil, operators.ErrUnsupportedf("%s is undefined for list type %s", kind, dt)
		}
		return dt, nil
	case AggFirst, AggLast:
		return dt, nil
	case AggMean, AggMedian, AggQuantile, AggStd, AggVar:
		if !isNumeric(dt) && dt.ID() != arrow.BOOL && dt.ID() != arrow.NULL {
			return nil, ErrInvalidAggrColumnType(kind, dt)
		}
		return arrow.PrimitiveTypes.Float64, nil
	case AggCount, AggNUnique:
		return arrow.PrimitiveTypes.Uint32, nil
	case AggList:
		return arrow.ListOf(dt), nil
	default:
		return nil, ErrUnsupportedAggrFunc(kind)
	}
}

// aggregate reduces values once per group. groups index into values.
func aggregate(kind AggKind, q float64, values arrow.Array, groups [][]int) (arrow.Array, error) {
	if _, err := AggOutputType(kind, values.DataType()); err != nil {
		return nil, err
	}
	switch kind {
	case AggFirst, AggLast:
		idx := make([]int, len(groups))
		for g, rows := range groups {
			switch {
			case len(rows) == 0:
				idx[g] = -1
			case kind == AggFirst:
				idx[g] = rows[0]
			default:
				idx[g] = rows[len(rows)-1]
			}
		}
		return takeIndices(values, idx)
	case AggMin, AggMax:
		idx := make([]int, len(groups))
		for g, rows := range groups {
			idx[g] = argExtreme(values, rows, kind == AggMax)
		}
		return takeIndices(values, idx)
	case AggCount:
		b := array.NewUint32Builder(memory.DefaultAllocator)
		defer b.Release()
		for _, rows := range groups {
			var n uint32
			for _, r := range rows {
				if values.IsValid(r) {
					n++
				}
			}
			b.Append(n)
		}
		return b.NewArray(), nil
	case AggNUnique:
		b := array.NewUint32Builder(memory.DefaultAllocator)
		defer b.Release()
		cols := []arrow.Array{values}
		for _, rows := range groups {
			seen := make(map[string]struct{}, len(rows))
			for _, r := range rows {
				key, _ := operators.RowKey(cols, r)
				seen[key] = struct{}{}
			}
			b.Append(uint32(len(seen)))
		}
		return b.NewArray(), nil
	case AggList:
		return listPerGroup(values, groups)
	case AggSum:
		return sumPerGroup(values, groups)
	case AggMean:
		return reduceFloat(values, groups, func() accumulator { return &meanAccumulator{} })
	case AggStd:
		return reduceFloat(values, groups, func() accumulator { return &varianceAccumulator{std: true} })
	case AggVar:
		return reduceFloat(values, groups, func() accumulator { return &varianceAccumulator{} })
	case AggMedian:
		return quantilePerGroup(values, groups, 0.5)
	case AggQuantile:
		if q < 0 || q > 1 || math.IsNaN(q) {
			return nil, ErrQuantileOutOfRange(q)
		}
		return quantilePerGroup(values, groups, q)
	default:
		return nil, ErrUnsupportedAggrFunc(kind)
	}
}

// argExtreme returns the row holding the min (or max) non-null value, -1 if
// the group has none. Ties keep the first row.
func argExtreme(values arrow.Array, rows []int, wantMax bool) int {
	best := -1
	for _, r := range rows {
		if values.IsNull(r) {
			continue
		}
		if best < 0 {
			best = r
			continue
		}
		cmp := operators.CompareValues(values, r, best)
		if (wantMax && cmp > 0) || (!wantMax && cmp < 0) {
			best = r
		}
	}
	return best
}

func listPerGroup(values arrow.Array, groups [][]int) (arrow.Array, error) {
	offsets := make([]int32, len(groups)+1)
	flat := make([]int, 0, values.Len())
	for g, rows := range groups {
		flat = append(flat, rows...)
		offsets[g+1] = int32(len(flat))
	}
	child, err := takeIndices(values, flat)
	if err != nil {
		return nil, err
	}
	defer child.Release()
	data := array.NewData(arrow.ListOf(values.DataType()), len(groups),
		[]*memory.Buffer{nil, memory.NewBufferBytes(arrow.Int32Traits.CastToBytes(offsets))},
		[]arrow.ArrayData{child.Data()}, 0, 0)
	defer data.Release()
	return array.NewListData(data), nil
}

func sumPerGroup(values arrow.Array, groups [][]int) (arrow.Array, error) {
	outType, _ := AggOutputType(AggSum, values.DataType())
	casted, err := castArray(values, outType)
	if err != nil {
		return nil, err
	}
	switch arr := casted.(type) {
	case *array.Int64:
		b := array.NewInt64Builder(memory.DefaultAllocator)
		defer b.Release()
		for _, rows := range groups {
			var s int64
			for _, r := range rows {
				if arr.IsValid(r) {
					s += arr.Value(r)
				}
			}
			b.Append(s)
		}
		return b.NewArray(), nil
	case *array.Uint64:
		b := array.NewUint64Builder(memory.DefaultAllocator)
		defer b.Release()
		for _, rows := range groups {
			var s uint64
			for _, r := range rows {
				if arr.IsValid(r) {
					s += arr.Value(r)
				}
			}
			b.Append(s)
		}
		return b.NewArray(), nil
	default:
		return reduceFloat(values, groups, func() accumulator { return &sumAccumulator{} })
	}
}

type accumulator interface {
	Update(value float64)
	// Finalize returns false when the result is null
	Finalize() (float64, bool)
}

type sumAccumulator struct {
	summation float64
}

func (s *sumAccumulator) Update(value float64)      { s.summation += value }
func (s *sumAccumulator) Finalize() (float64, bool) { return s.summation, true }

type meanAccumulator struct {
	values float64
	count  float64
}

func (a *meanAccumulator) Update(value float64) {
	a.values += value
	a.count++
}
func (a *meanAccumulator) Finalize() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.values / a.count, true
}

// Welford's online variance with one delta degree of freedom.
type varianceAccumulator struct {
	std   bool
	count float64
	mean  float64
	m2    float64
}

func (v *varianceAccumulator) Update(value float64) {
	v.count++
	delta := value - v.mean
	v.mean += delta / v.count
	v.m2 += delta * (value - v.mean)
}
func (v *varianceAccumulator) Finalize() (float64, bool) {
	if v.count < 2 {
		return 0, false
	}
	variance := v.m2 / (v.count - 1)
	if v.std {
		return math.Sqrt(variance), true
	}
	return variance, true
}

func asFloat64(values arrow.Array) (*array.Float64, error) {
	casted, err := castArray(values, arrow.PrimitiveTypes.Float64)
	if err != nil {
		return nil, err
	}
	return casted.(*array.Float64), nil
}

func reduceFloat(values arrow.Array, groups [][]int, newAcc func() accumulator) (arrow.Array, error) {
	valueArray, err := asFloat64(values)
	if err != nil {
		return nil, err
	}
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	for _, rows := range groups {
		acc := newAcc()
		for _, r := range rows {
			if valueArray.IsNull(r) {
				continue
			}
			acc.Update(valueArray.Value(r))
		}
		if v, ok := acc.Finalize(); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	}
	return b.NewArray(), nil
}

// quantilePerGroup interpolates linearly between the closest ranks.
func quantilePerGroup(values arrow.Array, groups [][]int, q float64) (arrow.Array, error) {
	valueArray, err := asFloat64(values)
	if err != nil {
		return nil, err
	}
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	buf := make([]float64, 0, 16)
	for _, rows := range groups {
		buf = buf[:0]
		for _, r := range rows {
			if valueArray.IsValid(r) {
				buf = append(buf, valueArray.Value(r))
			}
		}
		if len(buf) == 0 {
			b.AppendNull()
			continue
		}
		sort.Float64s(buf)
		pos := q * float64(len(buf)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		b.Append(buf[lo] + (buf[hi]-buf[lo])*(pos-float64(lo)))
	}
	return b.NewArray(), nil
}
