package optimizer

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/plan"

	"github.com/apache/arrow/go/v17/arrow"
)

// Simplify folds constant subtrees and removes redundant operators. Filters
// whose predicate folds to true disappear.
type Simplify struct{}

func (Simplify) Name() string { return "simplify" }

func (Simplify) Optimize(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	return plan.TransformUp(p, simplifyNode)
}

func simplifyNode(p plan.LogicalPlan) (plan.LogicalPlan, error) {
	switch n := p.(type) {
	case *plan.Filter:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		pred := simplifyExpr(n.Predicate, schema)
		if isBoolLiteral(pred, true) {
			return n.Input, nil
		}
		return &plan.Filter{Input: n.Input, Predicate: pred}, nil
	case *plan.Scan:
		if n.Predicate == nil {
			return n, nil
		}
		schema, err := plan.SchemaOf(n)
		if err != nil {
			return nil, err
		}
		c := n.Copy()
		c.Predicate = simplifyExpr(n.Predicate, schema)
		if isBoolLiteral(c.Predicate, true) {
			c.Predicate = nil
		}
		return c, nil
	case *plan.Project:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return &plan.Project{Input: n.Input, Exprs: simplifyNamed(n.Exprs, schema)}, nil
	case *plan.GroupAgg:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return &plan.GroupAgg{
			Input: n.Input,
			Keys:  simplifyNamed(n.Keys, schema),
			Aggs:  simplifyNamed(n.Aggs, schema),
		}, nil
	case *plan.Sort:
		schema, err := plan.SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		keys := make([]aggr.SortKey, len(n.Keys))
		for i, k := range n.Keys {
			keys[i] = aggr.SortKey{Expr: simplifyExpr(k.Expr, schema), Descending: k.Descending}
		}
		return &plan.Sort{Input: n.Input, Keys: keys}, nil
	}
	return p, nil
}

// simplifyNamed simplifies exprs whose output name is part of a schema, so
// a rewritten expression is aliased back to its old name.
func simplifyNamed(exprs []Expr.Expression, schema *arrow.Schema) []Expr.Expression {
	out := make([]Expr.Expression, len(exprs))
	for i, e := range exprs {
		s := simplifyExpr(e, schema)
		if name := Expr.OutputName(e); Expr.OutputName(s) != name {
			s = Expr.As(s, name)
		}
		out[i] = s
	}
	return out
}

// simplifyExpr never fails: a rewrite that cannot be typed or evaluated is
// skipped and the original subtree is kept, so errors surface at execution.
func simplifyExpr(e Expr.Expression, schema *arrow.Schema) Expr.Expression {
	out, err := Expr.Transform(e, func(x Expr.Expression) (Expr.Expression, error) {
		return simplifyOnce(x, schema), nil
	})
	if err != nil {
		return e
	}
	return out
}

func simplifyOnce(e Expr.Expression, schema *arrow.Schema) Expr.Expression {
	switch ex := e.(type) {
	case *Expr.CastExpr:
		if dt, err := Expr.ExprDataType(ex.Expr, schema); err == nil && arrow.TypeEqual(dt, ex.TargetType) {
			return ex.Expr
		}
	case *Expr.UnaryExpr:
		if ex.Op == Expr.Not {
			if inner, ok := ex.Expr.(*Expr.UnaryExpr); ok && inner.Op == Expr.Not {
				return inner.Expr
			}
		}
	case *Expr.BinaryExpr:
		if r := simplifyLogical(ex); r != nil {
			return r
		}
	}
	if folded, ok := foldConstant(e); ok {
		return folded
	}
	return e
}

// simplifyLogical applies the identity and annihilator rules of AND and OR.
// The dropped side must be row-wise so the row count does not change.
func simplifyLogical(b *Expr.BinaryExpr) Expr.Expression {
	if b.Op != Expr.And && b.Op != Expr.Or {
		return nil
	}
	// true is neutral for AND and absorbing for OR
	neutral := b.Op == Expr.And
	for _, side := range [][2]Expr.Expression{{b.Left, b.Right}, {b.Right, b.Left}} {
		lit, other := side[0], side[1]
		if isBoolLiteral(lit, neutral) {
			return other
		}
		if isBoolLiteral(lit, !neutral) && pushable(other) {
			return lit
		}
	}
	return nil
}

func isBoolLiteral(e Expr.Expression, v bool) bool {
	l, ok := e.(*Expr.LiteralResolve)
	if !ok || l.Value == nil {
		return false
	}
	b, ok := l.Value.(bool)
	return ok && b == v
}

// foldConstant evaluates e when it reads no columns. Aliases are kept so the
// name they carry survives.
func foldConstant(e Expr.Expression) (Expr.Expression, bool) {
	switch e.(type) {
	case *Expr.LiteralResolve, *Expr.Alias, *Expr.ColumnResolve:
		return nil, false
	}
	if len(Expr.Columns(e)) > 0 || !pushable(e) {
		return nil, false
	}
	one := &operators.RecordBatch{Schema: arrow.NewSchema(nil, nil), RowCount: 1}
	arr, err := Expr.EvalExpression(e, one)
	if err != nil || arr.Len() != 1 {
		return nil, false
	}
	lit, err := Expr.LiteralFromArray(arr, 0)
	if err != nil {
		return nil, false
	}
	return lit, true
}
