package plan

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/operators/project"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peopleScan(t *testing.T) *Scan {
	t.Helper()
	rbb := operators.NewRecordBatchBuilder()
	table, err := operators.NewTable([]string{"id", "name", "dept", "salary"}, []arrow.Array{
		rbb.GenInt64Array(1, 2, 3),
		rbb.GenStringArray("a", "b", "c"),
		rbb.GenStringArray("x", "y", "x"),
		rbb.GenFloatArray(10, 20, 30),
	})
	require.NoError(t, err)
	s, err := NewScan(project.NewInMemorySource(table))
	require.NoError(t, err)
	return s
}

func names(s *arrow.Schema) []string {
	out := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		out[i] = f.Name
	}
	return out
}

func TestSchemaOf(t *testing.T) {
	scan := peopleScan(t)

	t.Run("scan projection", func(t *testing.T) {
		c := scan.Copy()
		c.Projection = []string{"salary", "id"}
		s, err := SchemaOf(c)
		require.NoError(t, err)
		assert.Equal(t, []string{"salary", "id"}, names(s))
		assert.Len(t, scan.Projection, 0, "copy must not alias the original")
	})

	t.Run("project", func(t *testing.T) {
		p := &Project{Input: scan, Exprs: []Expr.Expression{
			Expr.Col("name"),
			Expr.As(Expr.Mul(Expr.Col("salary"), Expr.Lit(2.0)), "double"),
		}}
		s, err := SchemaOf(p)
		require.NoError(t, err)
		assert.Equal(t, []string{"name", "double"}, names(s))
		assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Float64, s.Field(1).Type))

		dup := &Project{Input: scan, Exprs: []Expr.Expression{Expr.Col("id"), Expr.As(Expr.Col("name"), "id")}}
		_, err = SchemaOf(dup)
		assert.ErrorIs(t, err, operators.ErrShape)

		missing := &Project{Input: scan, Exprs: []Expr.Expression{Expr.Col("nope")}}
		_, err = SchemaOf(missing)
		assert.ErrorIs(t, err, operators.ErrColumnNotFound)
	})

	t.Run("group agg", func(t *testing.T) {
		g := &GroupAgg{Input: scan, Keys: []Expr.Expression{Expr.Col("dept")}, Aggs: []Expr.Expression{
			Expr.Sum(Expr.Col("salary")),
			Expr.Col("name"),
		}}
		s, err := SchemaOf(g)
		require.NoError(t, err)
		assert.Equal(t, []string{"dept", "salary_sum", "name"}, names(s))
		assert.Equal(t, arrow.LIST, s.Field(2).Type.ID())
	})

	t.Run("join", func(t *testing.T) {
		j := &Join{Left: scan, Right: peopleScan(t),
			LeftOn: []Expr.Expression{Expr.Col("id")}, RightOn: []Expr.Expression{Expr.Cast(Expr.Col("id"), arrow.PrimitiveTypes.Int64)},
			How: join.InnerJoin}
		s, err := SchemaOf(j)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name", "dept", "salary", "name_right", "dept_right", "salary_right"}, names(s))
	})

	t.Run("pass through", func(t *testing.T) {
		for _, p := range []LogicalPlan{
			&Filter{Input: scan, Predicate: Expr.Gt(Expr.Col("id"), Expr.Lit(int64(1)))},
			&Sort{Input: scan, Keys: []aggr.SortKey{{Expr: Expr.Col("id")}}},
			&Slice{Input: scan, Offset: -1, Length: 1},
			&Distinct{Input: scan},
			&Cache{Input: scan, ID: uuid.New()},
			&UserMapNode{Input: scan, Fn: func(rb *operators.RecordBatch) (*operators.RecordBatch, error) { return rb, nil }},
		} {
			s, err := SchemaOf(p)
			require.NoError(t, err)
			assert.True(t, SameShape(s, scan.SourceSchema), "%s changed the schema", p)
		}
	})
}

func TestDescribeAndRowLimit(t *testing.T) {
	scan := peopleScan(t)
	p := &Sort{
		Input: &Filter{Input: scan, Predicate: Expr.Gt(Expr.Col("salary"), Expr.Lit(15.0))},
		Keys:  []aggr.SortKey{{Expr: Expr.Col("id"), Descending: true}},
	}
	lines := strings.Split(strings.TrimSpace(Describe(p)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "SORT BY [col(id) desc]", lines[0])
	assert.Equal(t, "  FILTER (col(salary) > lit(15))", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "    SCAN "))

	limited := WithRowLimit(p, 2)
	assert.NotContains(t, Describe(p), "LIMIT")
	assert.Contains(t, Describe(limited), "LIMIT 2")
}
