package optimizer

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/plan"

	"github.com/apache/arrow/go/v17/arrow"
)

// TypeCoercion casts the operands of every binary operator, ternary and join
// key pair to their common type.
type TypeCoercion struct{}

func (TypeCoercion) Name() string { return "type_coercion" }

func (TypeCoercion) Optimize(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	return plan.TransformUp(p, coerceNode)
}

func coerceAll(exprs []Expr.Expression, schema *arrow.Schema) ([]Expr.Expression, error) {
	out := make([]Expr.Expression, len(exprs))
	for i, e := range exprs {
		c, err := Expr.CoerceExpr(e, schema)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func coerceNode(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	switch n := p.(type) {
	case *plan.Scan:
		if n.Predicate == nil {
			return n, nil
		}
		schema, err := plan.SchemaOf(n)
		if err != nil {
			return nil, err
		}
		pred, err := Expr.CoerceExpr(n.Predicate, schema)
		if err != nil {
			return nil, err
		}
		c := n.Copy()
		c.Predicate = pred
		return c, nil
	case *plan.Filter:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		pred, err := Expr.CoerceExpr(n.Predicate, schema)
		if err != nil {
			return nil, err
		}
		return &plan.Filter{Input: n.Input, Predicate: pred}, nil
	case *plan.Project:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		exprs, err := coerceAll(n.Exprs, schema)
		if err != nil {
			return nil, err
		}
		return &plan.Project{Input: n.Input, Exprs: exprs}, nil
	case *plan.GroupAgg:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		keys, err := coerceAll(n.Keys, schema)
		if err != nil {
			return nil, err
		}
		aggs, err := coerceAll(n.Aggs, schema)
		if err != nil {
			return nil, err
		}
		return &plan.GroupAgg{Input: n.Input, Keys: keys, Aggs: aggs}, nil
	case *plan.Sort:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		keys := make([]aggr.SortKey, len(n.Keys))
		for i, k := range n.Keys {
			e, err := Expr.CoerceExpr(k.Expr, schema)
			if err != nil {
				return nil, err
			}
			keys[i] = aggr.SortKey{Expr: e, Descending: k.Descending}
		}
		return &plan.Sort{Input: n.Input, Keys: keys}, nil
	case *plan.Join:
		return coerceJoin(n)
	}
	return p, nil
}

func coerceJoin(n *plan.Join) (plan.LogicalPlan, error) {
	if len(n.LeftOn) != len(n.RightOn) {
		// reported by the executor with the clause counts
		return n, nil
	}
	left, err := plan.SchemaOf(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := plan.SchemaOf(n.Right)
	if err != nil {
		return nil, err
	}
	leftOn, err := coerceAll(n.LeftOn, left)
	if err != nil {
		return nil, err
	}
	rightOn, err := coerceAll(n.RightOn, right)
	if err != nil {
		return nil, err
	}
	for i := range leftOn {
		lt, err := Expr.ExprDataType(leftOn[i], left)
		if err != nil {
			return nil, err
		}
		rt, err := Expr.ExprDataType(rightOn[i], right)
		if err != nil {
			return nil, err
		}
		if arrow.TypeEqual(lt, rt) {
			continue
		}
		if operators.IsListType(lt) || operators.IsListType(rt) {
			// left for the executor to reject as unsupported
			continue
		}
		st, err := Expr.Supertype(lt, rt)
		if err != nil {
			return nil, err
		}
		if !arrow.TypeEqual(lt, st) {
			leftOn[i] = Expr.Cast(leftOn[i], st)
		}
		if !arrow.TypeEqual(rt, st) {
			rightOn[i] = Expr.Cast(rightOn[i], st)
		}
	}
	c := *n
	c.LeftOn, c.RightOn = leftOn, rightOn
	return &c, nil
}
