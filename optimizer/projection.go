package optimizer

import (
	"opti-frame-go/Expr"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/plan"

	"github.com/apache/arrow/go/v17/arrow"
)

// ProjectionPushdown narrows every node to the columns something above it
// reads and hands the result to the scans as their projection.
//
// prune(p, req) returns a plan whose output holds at least the columns in
// req, in p's column order; a nil req means every column. Extra columns are
// harmless to the nodes above, which all address columns by name.
type ProjectionPushdown struct{}

func (ProjectionPushdown) Name() string { return "projection_pushdown" }

func (ProjectionPushdown) Optimize(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	return prune(p, nil)
}

type colSet map[string]struct{}

func newColSet(names ...string) colSet {
	s := make(colSet, len(names))
	s.add(names...)
	return s
}

func (s colSet) add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

func (s colSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

// union extends req with names; a nil req already holds everything.
func union(req colSet, names ...string) colSet {
	if req == nil {
		return nil
	}
	out := newColSet(names...)
	for n := range req {
		out.add(n)
	}
	return out
}

func exprColumns(exprs ...Expr.Expression) []string {
	var out []string
	for _, e := range exprs {
		out = append(out, Expr.Columns(e)...)
	}
	return out
}

// nonEmpty keeps at least one column of schema so row counts survive.
func nonEmpty(req colSet, schema *arrow.Schema) colSet {
	if req != nil && len(req) == 0 && schema.NumFields() > 0 {
		return newColSet(schema.Field(0).Name)
	}
	return req
}

func prune(p plan.LogicalPlan, req colSet) (plan.LogicalPlan, error) {
	switch n := p.(type) {
	case *plan.Scan:
		return pruneScan(n, req)

	case *plan.Filter:
		input, err := prune(n.Input, union(req, Expr.Columns(n.Predicate)...))
		if err != nil {
			return nil, err
		}
		out := plan.LogicalPlan(&plan.Filter{Input: input, Predicate: n.Predicate})
		return narrow(out, req)

	case *plan.Project:
		exprs := n.Exprs
		if req != nil && allRowWise(n.Exprs) {
			exprs = nil
			for _, e := range n.Exprs {
				if req.has(Expr.OutputName(e)) {
					exprs = append(exprs, e)
				}
			}
			if len(exprs) == 0 {
				exprs = n.Exprs[:1]
			}
		}
		inSchema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		input, err := prune(n.Input, nonEmpty(newColSet(exprColumns(exprs...)...), inSchema))
		if err != nil {
			return nil, err
		}
		return &plan.Project{Input: input, Exprs: exprs}, nil

	case *plan.GroupAgg:
		inSchema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		need := newColSet(exprColumns(append(append([]Expr.Expression{}, n.Keys...), n.Aggs...)...)...)
		input, err := prune(n.Input, nonEmpty(need, inSchema))
		if err != nil {
			return nil, err
		}
		return &plan.GroupAgg{Input: input, Keys: n.Keys, Aggs: n.Aggs}, nil

	case *plan.Sort:
		keys := make([]Expr.Expression, len(n.Keys))
		for i, k := range n.Keys {
			keys[i] = k.Expr
		}
		input, err := prune(n.Input, union(req, exprColumns(keys...)...))
		if err != nil {
			return nil, err
		}
		return &plan.Sort{Input: input, Keys: n.Keys}, nil

	case *plan.Slice:
		input, err := prune(n.Input, req)
		if err != nil {
			return nil, err
		}
		return &plan.Slice{Input: input, Offset: n.Offset, Length: n.Length}, nil

	case *plan.Explode:
		input, err := prune(n.Input, union(req, n.Columns...))
		if err != nil {
			return nil, err
		}
		return &plan.Explode{Input: input, Columns: n.Columns}, nil

	case *plan.Distinct:
		// whole-row distinct compares every column it receives
		var need colSet
		if len(n.Subset) > 0 {
			need = union(req, n.Subset...)
		}
		input, err := prune(n.Input, need)
		if err != nil {
			return nil, err
		}
		return &plan.Distinct{Input: input, Subset: n.Subset}, nil

	case *plan.Unpivot:
		var need colSet
		if len(n.Options.ValueVars) > 0 {
			need = newColSet(n.Options.IDVars...)
			need.add(n.Options.ValueVars...)
		}
		input, err := prune(n.Input, need)
		if err != nil {
			return nil, err
		}
		return &plan.Unpivot{Input: input, Options: n.Options}, nil

	case *plan.Join:
		return pruneJoin(n, req)
	}
	// cache and user maps see their whole input
	return stopPruning(p)
}

func stopPruning(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	inputs := plan.Inputs(p)
	if len(inputs) == 0 {
		return p, nil
	}
	next := make([]plan.LogicalPlan, len(inputs))
	for i, in := range inputs {
		np, err := prune(in, nil)
		if err != nil {
			return nil, err
		}
		next[i] = np
	}
	return plan.WithInputs(p, next), nil
}

func allRowWise(exprs []Expr.Expression) bool {
	for _, e := range exprs {
		if !Expr.IsRowWise(e) || Expr.HasAggregation(e) {
			return false
		}
	}
	return true
}

func pruneScan(s *plan.Scan, req colSet) (plan.LogicalPlan, error) {
	if req == nil {
		return s, nil
	}
	current, err := plan.SchemaOf(s)
	if err != nil {
		return nil, err
	}
	var keep []string
	for _, f := range current.Fields() {
		if req.has(f.Name) {
			keep = append(keep, f.Name)
		}
	}
	if len(keep) == 0 && current.NumFields() > 0 {
		keep = []string{current.Field(0).Name}
	}
	if len(keep) == current.NumFields() {
		return s, nil
	}
	c := s.Copy()
	c.Projection = keep
	return c, nil
}

// narrow adds a projection on top of p when p emits more columns than req.
func narrow(p plan.LogicalPlan, req colSet) (plan.LogicalPlan, error) {
	if req == nil || len(req) == 0 {
		return p, nil
	}
	schema, err := plan.SchemaOf(p)
	if err != nil {
		return nil, err
	}
	var exprs []Expr.Expression
	for _, f := range schema.Fields() {
		if req.has(f.Name) {
			exprs = append(exprs, Expr.Col(f.Name))
		}
	}
	if len(exprs) == 0 || len(exprs) == schema.NumFields() {
		return p, nil
	}
	return &plan.Project{Input: p, Exprs: exprs}, nil
}

// pruneJoin keeps the key columns of both sides and every left column whose
// name a kept right column clashes with, so output names do not change.
func pruneJoin(n *plan.Join, req colSet) (plan.LogicalPlan, error) {
	if req == nil {
		return stopPruning(n)
	}
	leftSchema, err := plan.SchemaOf(n.Left)
	if err != nil {
		return nil, err
	}
	rightSchema, err := plan.SchemaOf(n.Right)
	if err != nil {
		return nil, err
	}
	rightKeys := newColSet()
	for _, k := range n.RightOn {
		if name, ok := join.KeyColumn(k); ok {
			rightKeys.add(name)
		}
	}
	leftNames := newColSet()
	for _, f := range leftSchema.Fields() {
		leftNames.add(f.Name)
	}

	leftReq := newColSet(exprColumns(n.LeftOn...)...)
	rightReq := newColSet(exprColumns(n.RightOn...)...)
	for _, f := range leftSchema.Fields() {
		if req.has(f.Name) {
			leftReq.add(f.Name)
		}
	}
	for _, f := range rightSchema.Fields() {
		if rightKeys.has(f.Name) {
			continue
		}
		outName := f.Name
		clash := leftNames.has(f.Name)
		if clash {
			outName += join.RightSuffix
		}
		if req.has(outName) {
			rightReq.add(f.Name)
			if clash {
				leftReq.add(f.Name)
			}
		}
	}

	left, err := prune(n.Left, nonEmpty(leftReq, leftSchema))
	if err != nil {
		return nil, err
	}
	if left, err = narrow(left, leftReq); err != nil {
		return nil, err
	}
	right, err := prune(n.Right, nonEmpty(rightReq, rightSchema))
	if err != nil {
		return nil, err
	}
	if right, err = narrow(right, rightReq); err != nil {
		return nil, err
	}
	c := *n
	c.Left, c.Right = left, right
	return &c, nil
}
