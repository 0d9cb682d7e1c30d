package Expr

import (
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

type stateKind int

const (
	// Values has one entry per group
	stateAggregated stateKind = iota
	// Values is laid out by Groups, which index into it
	stateFlat
	// Values has length 1 and applies to every group
	stateLiteral
)

// AggState is the result of evaluating an expression in a group context.
type AggState struct {
	Values arrow.Array
	Groups *operators.GroupsProxy
	kind   stateKind
}

func (s *AggState) IsAggregated() bool { return s.kind == stateAggregated }

func aggregated(values arrow.Array) *AggState {
	return &AggState{Values: values, kind: stateAggregated}
}

func flat(values arrow.Array, groups *operators.GroupsProxy) *AggState {
	return &AggState{Values: values, Groups: groups, kind: stateFlat}
}

// EvalGrouped evaluates expr against batch partitioned by groups.
func EvalGrouped(expr Expression, batch *operators.RecordBatch, groups *operators.GroupsProxy) (*AggState, error) {
	switch e := expr.(type) {
	case *Alias:
		return EvalGrouped(e.Expr, batch, groups)
	case *ColumnResolve:
		arr, err := EvalColumn(e, batch)
		if err != nil {
			return nil, err
		}
		return flat(arr, groups), nil
	case *LiteralResolve:
		arr, err := literalArray(e, 1)
		if err != nil {
			return nil, err
		}
		return &AggState{Values: arr, kind: stateLiteral}, nil
	case *AggExpr:
		inner, err := EvalGrouped(e.Expr, batch, groups)
		if err != nil {
			return nil, err
		}
		values, layout := inner.layout(groups.Len())
		out, err := aggregate(e.Kind, e.Quantile, values, layout)
		if err != nil {
			return nil, err
		}
		return aggregated(out), nil
	case *BinaryExpr:
		return combineStates(groups.Len(), []Expression{e.Left, e.Right}, batch, groups, func(a []arrow.Array) (arrow.Array, error) {
			return applyBinary(e.Op, a[0], a[1])
		})
	case *TernaryExpr:
		return combineStates(groups.Len(), []Expression{e.Predicate, e.Then, e.Otherwise}, batch, groups, func(a []arrow.Array) (arrow.Array, error) {
			return applyTernary(a[0], a[1], a[2])
		})
	case *UnaryExpr:
		return mapValues(e.Expr, batch, groups, func(a arrow.Array) (arrow.Array, error) { return applyUnary(e.Op, a) })
	case *CastExpr:
		return mapValues(e.Expr, batch, groups, func(a arrow.Array) (arrow.Array, error) { return castArray(a, e.TargetType) })
	case *ScalarFunction:
		return mapValues(e.Arguments, batch, groups, func(a arrow.Array) (arrow.Array, error) { return applyScalarFunction(e.Function, a) })
	case *SortExpr:
		inner, err := EvalGrouped(e.Expr, batch, groups)
		if err != nil {
			return nil, err
		}
		if inner.kind != stateFlat {
			return inner, nil
		}
		if operators.IsListType(inner.Values.DataType()) {
			return nil, operators.ErrListNotComparable("sort", OutputName(e.Expr), inner.Values.DataType())
		}
		return regroup(inner, func(rows []int) []int {
			sorted := append([]int(nil), rows...)
			operators.SortIndices(sorted, inner.Values, e.Reverse)
			return sorted
		})
	case *ShiftExpr:
		inner, err := EvalGrouped(e.Expr, batch, groups)
		if err != nil {
			return nil, err
		}
		values, layout := inner.layout(groups.Len())
		shifted, err := regroup(flat(values, &operators.GroupsProxy{Groups: layout}), func(rows []int) []int {
			return shiftPositions(rows, e.Periods)
		})
		if err != nil || e.Fill == nil {
			return shifted, err
		}
		vacated := make([]bool, shifted.Values.Len())
		for _, rows := range shifted.Groups.Groups {
			for j, p := range shiftPositions(rows, e.Periods) {
				vacated[rows[j]] = p < 0
			}
		}
		filled, err := fillVacated(shifted.Values, vacated, e.Fill)
		if err != nil {
			return nil, err
		}
		return shifted.withValues(filled), nil
	case *FilterExpr:
		states, err := evalAligned(groups.Len(), []Expression{e.Expr, e.Predicate}, batch, groups)
		if err != nil {
			return nil, err
		}
		mask, ok := states.arrays[1].(*array.Boolean)
		if !ok {
			return nil, operators.ErrTypef("filter predicate must be boolean, got %s", states.arrays[1].DataType())
		}
		values, layout := states.template.withValues(states.arrays[0]).layout(groups.Len())
		return regroup(flat(values, &operators.GroupsProxy{Groups: layout}), func(rows []int) []int {
			kept := make([]int, 0, len(rows))
			for _, r := range rows {
				if mask.IsValid(r) && mask.Value(r) {
					kept = append(kept, r)
				}
			}
			return kept
		})
	case *UserMapExpr:
		return evalUserMapGrouped(e, batch, groups)
	case *IsInExpr:
		return mapValues(e.Expr, batch, groups, e.apply)
	case *StrPatternExpr:
		return mapValues(e.Expr, batch, groups, e.apply)
	case *CumulativeExpr:
		return perGroupPositions(e.Expr, batch, groups, func(values arrow.Array, layout [][]int) (arrow.Array, error) {
			return cumulate(e.Kind, values, layout)
		})
	case *UniqueMaskExpr:
		return perGroupPositions(e.Expr, batch, groups, func(values arrow.Array, layout [][]int) (arrow.Array, error) {
			return uniqueMask(values, layout, e.Duplicated)
		})
	case *SliceExpr:
		inner, err := EvalGrouped(e.Expr, batch, groups)
		if err != nil {
			return nil, err
		}
		values, layout := inner.layout(groups.Len())
		return regroup(flat(values, &operators.GroupsProxy{Groups: layout}), func(rows []int) []int {
			return slicePositions(rows, e.Offset, e.Length)
		})
	case *ReverseExpr:
		inner, err := EvalGrouped(e.Expr, batch, groups)
		if err != nil {
			return nil, err
		}
		values, layout := inner.layout(groups.Len())
		return regroup(flat(values, &operators.GroupsProxy{Groups: layout}), reversePositions)
	case *WindowExpr:
		return nil, operators.ErrUnsupportedf("window expression %s inside an aggregation", e)
	default:
		return nil, ErrUnsupportedExpression(expr.String())
	}
}

// Finalize turns a group-context result into one output value per group.
// Values that were not aggregated become a list per group.
func (s *AggState) Finalize(ngroups int) (arrow.Array, error) {
	switch s.kind {
	case stateAggregated:
		return s.Values, nil
	case stateLiteral:
		return broadcast(s.Values, ngroups)
	default:
		return listPerGroup(s.Values, s.Groups.Groups)
	}
}

// layout returns values and, for every group, the positions in values that
// belong to it.
func (s *AggState) layout(ngroups int) (arrow.Array, [][]int) {
	switch s.kind {
	case stateFlat:
		return s.Values, s.Groups.Groups
	case stateAggregated:
		out := make([][]int, s.Values.Len())
		for i := range out {
			out[i] = []int{i}
		}
		return s.Values, out
	default:
		out := make([][]int, ngroups)
		for i := range out {
			out[i] = []int{0}
		}
		return s.Values, out
	}
}

func (s *AggState) withValues(values arrow.Array) *AggState {
	return &AggState{Values: values, Groups: s.Groups, kind: s.kind}
}

// regroup gathers the rows chosen by pick for every group into a new
// contiguous flat state.
func regroup(s *AggState, pick func(rows []int) []int) (*AggState, error) {
	var idx []int
	newGroups := make([][]int, len(s.Groups.Groups))
	for g, rows := range s.Groups.Groups {
		chosen := pick(rows)
		start := len(idx)
		idx = append(idx, chosen...)
		newGroups[g] = rangeOf(start, len(idx))
	}
	values, err := takeIndices(s.Values, idx)
	if err != nil {
		return nil, err
	}
	return flat(values, &operators.GroupsProxy{Groups: newGroups}), nil
}

func rangeOf(start, end int) []int {
	out := make([]int, end-start)
	for i := range out {
		out[i] = start + i
	}
	return out
}

// perGroupPositions computes fn over every group of child's values and keeps
// the result at the positions of its input.
func perGroupPositions(child Expression, batch *operators.RecordBatch, groups *operators.GroupsProxy, fn func(arrow.Array, [][]int) (arrow.Array, error)) (*AggState, error) {
	inner, err := EvalGrouped(child, batch, groups)
	if err != nil {
		return nil, err
	}
	values, layout := inner.layout(groups.Len())
	out, err := fn(values, layout)
	if err != nil {
		return nil, err
	}
	return flat(out, &operators.GroupsProxy{Groups: layout}), nil
}

func mapValues(child Expression, batch *operators.RecordBatch, groups *operators.GroupsProxy, fn func(arrow.Array) (arrow.Array, error)) (*AggState, error) {
	inner, err := EvalGrouped(child, batch, groups)
	if err != nil {
		return nil, err
	}
	out, err := fn(inner.Values)
	if err != nil {
		return nil, err
	}
	return inner.withValues(out), nil
}

type alignedStates struct {
	arrays   []arrow.Array
	template *AggState
}

// evalAligned evaluates exprs and brings their values into one layout so
// they can be combined element-wise.
func evalAligned(ngroups int, exprs []Expression, batch *operators.RecordBatch, groups *operators.GroupsProxy) (*alignedStates, error) {
	states := make([]*AggState, len(exprs))
	for i, e := range exprs {
		s, err := EvalGrouped(e, batch, groups)
		if err != nil {
			return nil, err
		}
		states[i] = s
	}

	var flats []*AggState
	anyAggregated := false
	for _, s := range states {
		switch s.kind {
		case stateFlat:
			flats = append(flats, s)
		case stateAggregated:
			anyAggregated = true
		}
	}

	arrays := make([]arrow.Array, len(states))
	switch {
	case len(flats) == 0 && !anyAggregated:
		for i, s := range states {
			arrays[i] = s.Values
		}
		return &alignedStates{arrays: arrays, template: states[0]}, nil
	case len(flats) == 0:
		for i, s := range states {
			arr, err := broadcast(s.Values, ngroups)
			if err != nil {
				return nil, err
			}
			arrays[i] = arr
		}
		return &alignedStates{arrays: arrays, template: aggregated(arrays[0])}, nil
	}

	template := flats[0]
	shared := true
	for _, f := range flats[1:] {
		if f.Groups != template.Groups || f.Values.Len() != template.Values.Len() {
			shared = false
		}
	}
	if !shared {
		var err error
		if template, err = compact(template); err != nil {
			return nil, err
		}
	}
	owner := positionOwner(template)
	for i, s := range states {
		var (
			arr arrow.Array
			err error
		)
		switch s.kind {
		case stateFlat:
			if shared {
				arr = s.Values
				break
			}
			c, cerr := compact(s)
			if cerr != nil {
				return nil, cerr
			}
			for g := range c.Groups.Groups {
				if len(c.Groups.Groups[g]) != len(template.Groups.Groups[g]) {
					return nil, operators.ErrShapef("expressions produce groups of different lengths (%d vs %d) in group %d",
						len(c.Groups.Groups[g]), len(template.Groups.Groups[g]), g)
				}
			}
			arr = c.Values
		case stateAggregated:
			arr, err = takeIndices(s.Values, owner)
		default:
			arr, err = broadcast(s.Values, template.Values.Len())
		}
		if err != nil {
			return nil, err
		}
		arrays[i] = arr
	}
	return &alignedStates{arrays: arrays, template: template}, nil
}

func combineStates(ngroups int, exprs []Expression, batch *operators.RecordBatch, groups *operators.GroupsProxy, fn func([]arrow.Array) (arrow.Array, error)) (*AggState, error) {
	aligned, err := evalAligned(ngroups, exprs, batch, groups)
	if err != nil {
		return nil, err
	}
	out, err := fn(aligned.arrays)
	if err != nil {
		return nil, err
	}
	return aligned.template.withValues(out), nil
}

// compact reorders a flat state so that every group occupies a contiguous
// range of values, in group order.
func compact(s *AggState) (*AggState, error) {
	return regroup(s, func(rows []int) []int { return rows })
}

// positionOwner maps every value position of a flat state to its group;
// positions outside any group map to -1.
func positionOwner(s *AggState) []int {
	owner := make([]int, s.Values.Len())
	for i := range owner {
		owner[i] = -1
	}
	for g, rows := range s.Groups.Groups {
		for _, r := range rows {
			owner[r] = g
		}
	}
	return owner
}

// evalUserMapGrouped calls the function once per group. Whether the result
// is one value per group is decided by the expression, never by the lengths
// the function happens to return: a reducing function or a mapping over an
// aggregated input yields an aggregated state, anything else a flat one.
func evalUserMapGrouped(u *UserMapExpr, batch *operators.RecordBatch, groups *operators.GroupsProxy) (*AggState, error) {
	inner, err := EvalGrouped(u.Expr, batch, groups)
	if err != nil {
		return nil, err
	}
	if inner.kind == stateLiteral && !u.Reduces {
		out, err := callUserFunc(u, inner.Values)
		if err != nil {
			return nil, err
		}
		return inner.withValues(out), nil
	}
	perGroup := u.Reduces || inner.IsAggregated()
	values, layout := inner.layout(groups.Len())
	parts := make([]arrow.Array, len(layout))
	newGroups := make([][]int, len(layout))
	offset := 0
	for g, rows := range layout {
		part, err := takeIndices(values, rows)
		if err != nil {
			return nil, err
		}
		out, err := callUserFunc(u, part)
		if err != nil {
			return nil, err
		}
		if err := checkUserLen(u, out.Len(), part.Len()); err != nil {
			return nil, err
		}
		parts[g] = out
		newGroups[g] = rangeOf(offset, offset+out.Len())
		offset += out.Len()
	}
	if len(parts) == 0 {
		dt := u.OutputType
		if dt == nil {
			dt = values.DataType()
		}
		empty := array.MakeArrayOfNull(memory.DefaultAllocator, dt, 0)
		if perGroup {
			return aggregated(empty), nil
		}
		return flat(empty, &operators.GroupsProxy{Groups: newGroups}), nil
	}
	joined, err := array.Concatenate(parts, memory.DefaultAllocator)
	if err != nil {
		return nil, operators.AsComputeError(err, "user function "+u.Name)
	}
	if perGroup {
		return aggregated(joined), nil
	}
	return flat(joined, &operators.GroupsProxy{Groups: newGroups}), nil
}
