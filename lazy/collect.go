package lazy

import (
	"context"
	"opti-frame-go/config"
	"opti-frame-go/executor"
	"opti-frame-go/logging"
	"opti-frame-go/metrics"
	"opti-frame-go/operators"
	"opti-frame-go/optimizer"
	"opti-frame-go/plan"
	"time"
)

// CollectOptions overrides the optimizer settings of the config for one
// call. NoOptimization wins over Optimizer.
type CollectOptions struct {
	NoOptimization bool
	Optimizer      *optimizer.Options
}

func (o CollectOptions) passes(cfg config.Config) optimizer.Options {
	switch {
	case o.NoOptimization:
		return optimizer.NoOptimization()
	case o.Optimizer != nil:
		return *o.Optimizer
	}
	return optimizer.FromConfig(cfg)
}

// Collect optimizes and runs the query with the configured passes.
func (lf *LazyFrame) Collect(ctx context.Context) (*operators.RecordBatch, error) {
	return lf.CollectWith(ctx, CollectOptions{})
}

func (lf *LazyFrame) CollectWith(ctx context.Context, opts CollectOptions) (*operators.RecordBatch, error) {
	return lf.run(ctx, "collect", lf.plan, opts)
}

// Fetch runs the query with every scan reading at most n rows. Filters,
// joins and aggregations above the scans still apply, so the result may hold
// fewer than n rows, or more after a join or explode.
func (lf *LazyFrame) Fetch(ctx context.Context, n int) (*operators.RecordBatch, error) {
	if lf.err != nil {
		return nil, lf.err
	}
	return lf.run(ctx, "fetch", plan.WithRowLimit(lf.plan, n), CollectOptions{})
}

func (lf *LazyFrame) run(ctx context.Context, kind string, p plan.LogicalPlan, opts CollectOptions) (table *operators.RecordBatch, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery(kind, start, err) }()
	if lf.err != nil {
		return nil, lf.err
	}
	cfg := config.Snapshot()
	ec, err := executor.NewContext(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer ec.Release()

	optimized, err := optimizer.Optimize(p, opts.passes(cfg), ec.Logger)
	if err != nil {
		return nil, err
	}
	table, err = executor.Execute(ec, optimized)
	if err != nil {
		ec.Logger.Warn("query failed", "kind", kind, "error", err)
		return nil, err
	}
	return table, nil
}

// DescribePlan renders the plan as built, one node per line.
func (lf *LazyFrame) DescribePlan() (string, error) {
	if lf.err != nil {
		return "", lf.err
	}
	return plan.Describe(lf.plan), nil
}

// DescribeOptimizedPlan renders the plan Collect would execute.
func (lf *LazyFrame) DescribeOptimizedPlan() (string, error) {
	if lf.err != nil {
		return "", lf.err
	}
	cfg := config.Snapshot()
	optimized, err := optimizer.Optimize(lf.plan, optimizer.FromConfig(cfg), logging.Get())
	if err != nil {
		return "", err
	}
	return plan.Describe(optimized), nil
}
