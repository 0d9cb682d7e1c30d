package plan

import (
	"fmt"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/operators/project"
	"opti-frame-go/operators/reshape"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	ErrDuplicateColumn = func(name string) error {
		return operators.ErrInvalidSchema("plan produces column " + name + " twice")
	}
)

// SchemaOf derives the output schema of p from its inputs without touching
// any data.
func SchemaOf(p LogicalPlan) (*arrow.Schema, error) {
	switch n := p.(type) {
	case *Scan:
		if len(n.Projection) == 0 {
			return n.SourceSchema, nil
		}
		out, _, err := project.ProjectSchemaFilterDown(n.SourceSchema, nil, n.Projection...)
		return out, err
	case *Filter:
		return SchemaOf(n.Input)
	case *Project:
		input, err := SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return projectSchema(input, n.Exprs)
	case *GroupAgg:
		input, err := SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return aggr.BuildGroupBySchema(input, n.Keys, n.Aggs)
	case *Join:
		left, err := SchemaOf(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := SchemaOf(n.Right)
		if err != nil {
			return nil, err
		}
		return join.JoinSchema(left, right, n.Clause(), n.How)
	case *Sort:
		return SchemaOf(n.Input)
	case *Slice:
		return SchemaOf(n.Input)
	case *Explode:
		input, err := SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return reshape.ExplodeSchema(input, n.Columns)
	case *Unpivot:
		input, err := SchemaOf(n.Input)
		if err != nil {
			return nil, err
		}
		return reshape.UnpivotSchema(input, n.Options)
	case *Distinct:
		return SchemaOf(n.Input)
	case *Cache:
		return SchemaOf(n.Input)
	case *UserMapNode:
		if n.Schema != nil {
			return n.Schema, nil
		}
		return SchemaOf(n.Input)
	default:
		panic(fmt.Sprintf("SchemaOf: unknown plan node %T", p))
	}
}

func projectSchema(input *arrow.Schema, exprs []Expr.Expression) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(exprs))
	seen := make(map[string]struct{}, len(exprs))
	for i, e := range exprs {
		f, err := Expr.ExprField(e, input)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[f.Name]; dup {
			return nil, ErrDuplicateColumn(f.Name)
		}
		seen[f.Name] = struct{}{}
		fields[i] = f
	}
	return arrow.NewSchema(fields, nil), nil
}

// SameShape reports whether a and b have the same column names and types in
// the same order. Nullability is not compared.
func SameShape(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := 0; i < a.NumFields(); i++ {
		fa, fb := a.Field(i), b.Field(i)
		if fa.Name != fb.Name || !arrow.TypeEqual(fa.Type, fb.Type) {
			return false
		}
	}
	return true
}
