package plan

import (
	"fmt"
	"opti-frame-go/Expr"
	"strings"
)

func exprList(exprs []Expr.Expression) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (s *Scan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SCAN %s", s.Source)
	if len(s.Projection) > 0 {
		fmt.Fprintf(&b, " PROJECT %d/%d COLUMNS %v", len(s.Projection), s.SourceSchema.NumFields(), s.Projection)
	}
	if s.Predicate != nil {
		fmt.Fprintf(&b, " SELECTION %s", s.Predicate)
	}
	if s.RowLimit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.RowLimit)
	}
	return b.String()
}

func (f *Filter) String() string   { return fmt.Sprintf("FILTER %s", f.Predicate) }
func (p *Project) String() string  { return fmt.Sprintf("SELECT %s", exprList(p.Exprs)) }
func (g *GroupAgg) String() string { return fmt.Sprintf("AGGREGATE %s BY %s", exprList(g.Aggs), exprList(g.Keys)) }
func (j *Join) String() string {
	c := j.Clause()
	return fmt.Sprintf("%s JOIN ON %s", strings.ToUpper(j.How.String()), c.String())
}

func (s *Sort) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		dir := "asc"
		if k.Descending {
			dir = "desc"
		}
		parts[i] = fmt.Sprintf("%s %s", k.Expr, dir)
	}
	return "SORT BY [" + strings.Join(parts, ", ") + "]"
}

func (s *Slice) String() string    { return fmt.Sprintf("SLICE offset=%d len=%d", s.Offset, s.Length) }
func (e *Explode) String() string  { return fmt.Sprintf("EXPLODE %v", e.Columns) }
func (u *Unpivot) String() string  { return fmt.Sprintf("UNPIVOT id=%v values=%v", u.Options.IDVars, u.Options.ValueVars) }
func (d *Distinct) String() string { return fmt.Sprintf("DISTINCT %v", d.Subset) }
func (c *Cache) String() string    { return fmt.Sprintf("CACHE %s", c.ID) }
func (m *UserMapNode) String() string {
	if m.Name == "" {
		return "MAP"
	}
	return "MAP " + m.Name
}

// Describe renders p as an indented tree, root first.
func Describe(p LogicalPlan) string {
	var b strings.Builder
	describe(&b, p, 0)
	return b.String()
}

func describe(b *strings.Builder, p LogicalPlan, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(p.String())
	b.WriteByte('\n')
	for _, in := range Inputs(p) {
		describe(b, in, depth+1)
	}
}
