package optimizer

import (
	"opti-frame-go/Expr"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/plan"

	"github.com/apache/arrow/go/v17/arrow"
)

// PredicatePushdown moves row-wise filter conjuncts towards the scans.
// Predicates never cross nodes that change which rows exist or how they line
// up (group-by, explode, slice, distinct, unpivot, cache, user maps), and
// conjuncts that look at more than their own row stay where they are.
type PredicatePushdown struct{}

func (PredicatePushdown) Name() string { return "predicate_pushdown" }

func (PredicatePushdown) Optimize(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	return pushPredicates(p, nil)
}

func pushable(e Expr.Expression) bool {
	return Expr.IsRowWise(e) && !Expr.HasAggregation(e)
}

// wrapFilter puts the conjuncts that could not go lower back on top of p.
func wrapFilter(p plan.LogicalPlan, preds []Expr.Expression) plan.LogicalPlan {
	if len(preds) == 0 {
		return p
	}
	return &plan.Filter{Input: p, Predicate: Expr.AllOf(preds...)}
}

func pushPredicates(p plan.LogicalPlan, preds []Expr.Expression) (plan.LogicalPlan, error) {
	switch n := p.(type) {
	case *plan.Filter:
		conjuncts := Expr.SplitConjunction(n.Predicate)
		for _, c := range conjuncts {
			if !pushable(c) {
				// this filter looks at all of its input rows, so nothing may
				// be filtered out below it
				input, err := pushPredicates(n.Input, nil)
				if err != nil {
					return nil, err
				}
				return wrapFilter(&plan.Filter{Input: input, Predicate: n.Predicate}, preds), nil
			}
		}
		return pushPredicates(n.Input, append(preds, conjuncts...))

	case *plan.Scan:
		if len(preds) == 0 {
			return n, nil
		}
		c := n.Copy()
		all := preds
		if c.Predicate != nil {
			all = append([]Expr.Expression{c.Predicate}, preds...)
		}
		c.Predicate = Expr.AllOf(all...)
		return c, nil

	case *plan.Project:
		passThrough := map[string]struct{}{}
		rowWise := true
		for _, e := range n.Exprs {
			if c, ok := e.(*Expr.ColumnResolve); ok {
				passThrough[c.Name] = struct{}{}
			}
			rowWise = rowWise && pushable(e)
		}
		var down, stay []Expr.Expression
		for _, pred := range preds {
			if rowWise && readsOnly(pred, passThrough) {
				down = append(down, pred)
			} else {
				stay = append(stay, pred)
			}
		}
		input, err := pushPredicates(n.Input, down)
		if err != nil {
			return nil, err
		}
		return wrapFilter(&plan.Project{Input: input, Exprs: n.Exprs}, stay), nil

	case *plan.Sort:
		for _, k := range n.Keys {
			if !pushable(k.Expr) {
				return stopHere(n, preds)
			}
		}
		input, err := pushPredicates(n.Input, preds)
		if err != nil {
			return nil, err
		}
		return &plan.Sort{Input: input, Keys: n.Keys}, nil

	case *plan.Join:
		return pushIntoJoin(n, preds)
	}
	return stopHere(p, preds)
}

// stopHere keeps preds above p and restarts pushdown in p's inputs.
func stopHere(p plan.LogicalPlan, preds []Expr.Expression) (plan.LogicalPlan, error) {
	inputs := plan.Inputs(p)
	if len(inputs) > 0 {
		next := make([]plan.LogicalPlan, len(inputs))
		for i, in := range inputs {
			np, err := pushPredicates(in, nil)
			if err != nil {
				return nil, err
			}
			next[i] = np
		}
		p = plan.WithInputs(p, next)
	}
	return wrapFilter(p, preds), nil
}

func readsOnly(e Expr.Expression, allowed map[string]struct{}) bool {
	for _, c := range Expr.Columns(e) {
		if _, ok := allowed[c]; !ok {
			return false
		}
	}
	return true
}

func fieldSet(s *arrow.Schema) map[string]struct{} {
	out := make(map[string]struct{}, s.NumFields())
	for _, f := range s.Fields() {
		out[f.Name] = struct{}{}
	}
	return out
}

// pushIntoJoin sends a conjunct to the side whose columns it reads. Inner
// joins accept both sides, left joins only the left one; outer joins keep
// every conjunct above.
func pushIntoJoin(n *plan.Join, preds []Expr.Expression) (plan.LogicalPlan, error) {
	if n.How == join.OuterJoin || len(preds) == 0 {
		return stopHere(n, preds)
	}
	for _, k := range append(append([]Expr.Expression{}, n.LeftOn...), n.RightOn...) {
		if !pushable(k) {
			return stopHere(n, preds)
		}
	}
	leftSchema, err := plan.SchemaOf(n.Left)
	if err != nil {
		return nil, err
	}
	rightSchema, err := plan.SchemaOf(n.Right)
	if err != nil {
		return nil, err
	}
	leftCols := fieldSet(leftSchema)
	// right columns that reach the output under their own name
	rightCols := map[string]struct{}{}
	rightKeys := map[string]struct{}{}
	for _, k := range n.RightOn {
		if name, ok := join.KeyColumn(k); ok {
			rightKeys[name] = struct{}{}
		}
	}
	for _, f := range rightSchema.Fields() {
		_, isKey := rightKeys[f.Name]
		_, clash := leftCols[f.Name]
		if !isKey && !clash {
			rightCols[f.Name] = struct{}{}
		}
	}

	var toLeft, toRight, stay []Expr.Expression
	for _, pred := range preds {
		switch {
		case readsOnly(pred, leftCols):
			toLeft = append(toLeft, pred)
		case n.How == join.InnerJoin && readsOnly(pred, rightCols):
			toRight = append(toRight, pred)
		default:
			stay = append(stay, pred)
		}
	}
	left, err := pushPredicates(n.Left, toLeft)
	if err != nil {
		return nil, err
	}
	right, err := pushPredicates(n.Right, toRight)
	if err != nil {
		return nil, err
	}
	c := *n
	c.Left, c.Right = left, right
	return wrapFilter(&c, stay), nil
}
