package executor

import (
	"fmt"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/operators/filter"
	"opti-frame-go/operators/project"
	"opti-frame-go/operators/reshape"
	"opti-frame-go/plan"
	"time"

	"github.com/cockroachdb/errors"
)

// Execute builds the operator tree of p, drains it into one table and closes
// it. The result is either complete or an error.
func Execute(ec *Context, p plan.LogicalPlan) (*operators.RecordBatch, error) {
	if err := ec.ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "query canceled before execution")
	}
	start := time.Now()
	ec.Logger.Info("executing plan", "root", nodeName(p))
	ec.Logger.Debug("physical input", "plan", plan.Describe(p))

	root, err := Build(ec, p)
	if err != nil {
		return nil, err
	}
	table, err := operators.ConsumeOperatorBatched(root, ec.BatchSize)
	if cerr := root.Close(); err == nil && cerr != nil {
		err = operators.AsComputeError(cerr, "closing operators")
	}
	if err != nil {
		ec.Logger.Info("plan failed", "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	if err := ec.ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "query canceled")
	}
	ec.Logger.Info("plan finished", "rows", table.RowCount, "elapsed", time.Since(start))
	return table, nil
}

// Build maps every plan node onto its physical operator. Every operator is
// wrapped so its time and output size are recorded.
func Build(ec *Context, p plan.LogicalPlan) (operators.Operator, error) {
	op, err := build(ec, p)
	if err != nil {
		return nil, err
	}
	return newTimedExec(nodeName(p), op, ec.Logger), nil
}

func build(ec *Context, p plan.LogicalPlan) (operators.Operator, error) {
	switch n := p.(type) {
	case *plan.Scan:
		return newScanExec(ec, n)
	case *plan.Cache:
		return newCacheExec(ec, n)
	}

	inputs := plan.Inputs(p)
	children := make([]operators.Operator, 0, len(inputs))
	for _, in := range inputs {
		child, err := Build(ec, in)
		if err != nil {
			closeAll(children)
			return nil, err
		}
		children = append(children, child)
	}
	op, err := buildNode(ec, p, children)
	if err != nil {
		closeAll(children)
		return nil, err
	}
	return op, nil
}

func buildNode(ec *Context, p plan.LogicalPlan, children []operators.Operator) (operators.Operator, error) {
	switch n := p.(type) {
	case *plan.Filter:
		return filter.NewFilterExec(children[0], n.Predicate, ec.Pool)
	case *plan.Project:
		return project.NewProjectExec(children[0], n.Exprs, ec.Pool)
	case *plan.GroupAgg:
		return aggr.NewGroupByExec(children[0], n.Keys, n.Aggs, ec.Pool)
	case *plan.Join:
		return join.NewHashJoinExec(children[0], children[1], n.Clause(), n.How, ec.Pool)
	case *plan.Sort:
		return aggr.NewSortExec(children[0], n.Keys, ec.Pool)
	case *plan.Slice:
		return filter.NewSliceExec(children[0], n.Offset, n.Length)
	case *plan.Explode:
		return reshape.NewExplodeExec(children[0], n.Columns, ec.Pool)
	case *plan.Unpivot:
		return reshape.NewUnpivotExec(children[0], n.Options)
	case *plan.Distinct:
		return aggr.NewDistinctExec(children[0], n.Subset, ec.Pool)
	case *plan.UserMapNode:
		return newMapExec(children[0], n)
	}
	panic(fmt.Sprintf("executor: unknown plan node %T", p))
}

func closeAll(ops []operators.Operator) {
	for _, op := range ops {
		_ = op.Close()
	}
}

// nodeName labels operator metrics and logs.
func nodeName(p plan.LogicalPlan) string {
	switch n := p.(type) {
	case *plan.Scan:
		return "scan"
	case *plan.Filter:
		return "filter"
	case *plan.Project:
		return "project"
	case *plan.GroupAgg:
		return "group_agg"
	case *plan.Join:
		return n.How.String() + "_join"
	case *plan.Sort:
		return "sort"
	case *plan.Slice:
		return "slice"
	case *plan.Explode:
		return "explode"
	case *plan.Unpivot:
		return "unpivot"
	case *plan.Distinct:
		return "distinct"
	case *plan.Cache:
		return "cache"
	case *plan.UserMapNode:
		return "map"
	}
	return fmt.Sprintf("%T", p)
}
