package Expr

import (
	"fmt"
	"opti-frame-go/operators"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

// WindowExpr evaluates Expr per partition and maps the result back onto the
// original rows, keeping row count and order.
type WindowExpr struct {
	Expr        Expression
	PartitionBy []Expression
}

func NewWindowExpr(expr Expression, partitionBy ...Expression) *WindowExpr {
	return &WindowExpr{Expr: expr, PartitionBy: partitionBy}
}

func (w *WindowExpr) ExprNode() {}
func (w *WindowExpr) String() string {
	parts := make([]string, len(w.PartitionBy))
	for i, p := range w.PartitionBy {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s.over([%s])", w.Expr, strings.Join(parts, ", "))
}

func EvalWindow(w *WindowExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	n := int(batch.RowCount)
	keys := make([]arrow.Array, len(w.PartitionBy))
	names := make([]string, len(w.PartitionBy))
	for i, p := range w.PartitionBy {
		arr, err := EvalExpression(p, batch)
		if err != nil {
			return nil, err
		}
		if arr, err = broadcast(arr, n); err != nil {
			return nil, err
		}
		keys[i] = arr
		names[i] = OutputName(p)
	}
	groups, err := operators.BuildGroups(names, keys, n)
	if err != nil {
		return nil, err
	}
	state, err := EvalGrouped(w.Expr, batch, groups)
	if err != nil {
		return nil, err
	}

	switch state.kind {
	case stateAggregated:
		// every row gets its group's value
		return takeIndices(state.Values, groups.RowToGroup(n))
	case stateLiteral:
		return broadcast(state.Values, n)
	}

	// per-row results are scattered back to the rows of their group
	compacted, err := compact(state)
	if err != nil {
		return nil, err
	}
	idx := make([]int, n)
	for g, rows := range groups.Groups {
		positions := compacted.Groups.Groups[g]
		if len(positions) != len(rows) {
			return nil, operators.ErrShapef("window expression %s produced %d values for a group of %d rows",
				w.Expr, len(positions), len(rows))
		}
		for j, r := range rows {
			idx[r] = positions[j]
		}
	}
	return takeIndices(compacted.Values, idx)
}
