package aggr

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

/*
rules for group by:
1. output has one row per distinct key tuple, in the order the tuples are first seen
2. key columns come first, then one column per aggregation
3. an aggregation that does not reduce its group (a bare column) becomes a list of the group's values
*/
var (
	_ = (operators.Operator)(&GroupByExec{})
)

var (
	ErrDuplicateGroupColumn = func(name string) error {
		return operators.ErrInvalidSchema("group by produces column " + name + " twice")
	}
)

type GroupByExec struct {
	child       operators.Operator
	schema      *arrow.Schema
	groupByExpr []Expr.Expression
	aggExprs    []Expr.Expression
	pool        *operators.Pool
	out         *operators.ResultBuffer
}

func NewGroupByExec(child operators.Operator, groupBy []Expr.Expression, aggs []Expr.Expression, pool *operators.Pool) (*GroupByExec, error) {
	s, err := BuildGroupBySchema(child.Schema(), groupBy, aggs)
	if err != nil {
		return nil, err
	}
	return &GroupByExec{
		child:       child,
		schema:      s,
		groupByExpr: groupBy,
		aggExprs:    aggs,
		pool:        pool,
	}, nil
}

func (g *GroupByExec) Next(batchSize uint16) (*operators.RecordBatch, error) {
	if g.out == nil {
		input, err := operators.ConsumeOperator(g.child)
		if err != nil {
			return nil, err
		}
		table, err := g.aggregate(input)
		if err != nil {
			return nil, err
		}
		g.out = operators.NewResultBuffer(table)
	}
	return g.out.Next(batchSize)
}

func (g *GroupByExec) aggregate(input *operators.RecordBatch) (*operators.RecordBatch, error) {
	rows := input.NumRows()
	keys := make([]arrow.Array, len(g.groupByExpr))
	names := make([]string, len(g.groupByExpr))
	for i, e := range g.groupByExpr {
		arr, err := Expr.EvalExpression(e, input)
		if err != nil {
			return nil, err
		}
		if keys[i], err = Expr.Broadcast(arr, rows); err != nil {
			return nil, err
		}
		names[i] = Expr.OutputName(e)
	}
	groups, err := operators.BuildGroups(names, keys, rows)
	if err != nil {
		return nil, err
	}
	// no keys over an empty input still yields the single empty group
	if len(keys) > 0 && rows == 0 {
		groups = &operators.GroupsProxy{}
	}

	cols := make([]arrow.Array, len(keys)+len(g.aggExprs))
	firsts := operators.IndexArray(groups.FirstIndices())
	keyTable, err := operators.NewRecordBatch(arrow.NewSchema(g.schema.Fields()[:len(keys)], nil), keys)
	if err != nil {
		return nil, err
	}
	keyRows, err := keyTable.Take(g.pool, firsts)
	if err != nil {
		return nil, operators.AsComputeError(err, "gathering group keys")
	}
	copy(cols, keyRows.Columns)

	err = g.pool.ParallelFor(len(g.aggExprs), func(i int) error {
		state, err := Expr.EvalGrouped(g.aggExprs[i], input, groups)
		if err != nil {
			return err
		}
		arr, err := state.Finalize(groups.Len())
		if err != nil {
			return err
		}
		want := g.schema.Field(len(keys) + i)
		if !arrow.TypeEqual(arr.DataType(), want.Type) {
			return operators.ErrShapef("aggregation %s produced %s, expected %s", g.aggExprs[i], arr.DataType(), want.Type)
		}
		cols[len(keys)+i] = arr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return operators.NewRecordBatch(g.schema, cols)
}

func (g *GroupByExec) Schema() *arrow.Schema {
	return g.schema
}

func (g *GroupByExec) Close() error {
	g.out = operators.NewResultBuffer(nil)
	return g.child.Close()
}

// BuildGroupBySchema validates the key and aggregation expressions against the
// child schema: keys keep their type, aggregations follow Expr.GroupedField.
func BuildGroupBySchema(childSchema *arrow.Schema, groupByExpr []Expr.Expression, aggExprs []Expr.Expression) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(groupByExpr)+len(aggExprs))
	seen := make(map[string]struct{}, cap(fields))
	add := func(f arrow.Field) error {
		if _, dup := seen[f.Name]; dup {
			return ErrDuplicateGroupColumn(f.Name)
		}
		seen[f.Name] = struct{}{}
		fields = append(fields, f)
		return nil
	}
	for _, e := range groupByExpr {
		f, err := Expr.ExprField(e, childSchema)
		if err != nil {
			return nil, err
		}
		if operators.IsListType(f.Type) {
			return nil, operators.ErrListNotComparable("group_by", f.Name, f.Type)
		}
		if err := add(f); err != nil {
			return nil, err
		}
	}
	for _, e := range aggExprs {
		f, err := Expr.GroupedField(e, childSchema)
		if err != nil {
			return nil, err
		}
		if err := add(f); err != nil {
			return nil, err
		}
	}
	return arrow.NewSchema(fields, nil), nil
}
