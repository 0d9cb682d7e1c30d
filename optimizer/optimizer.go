package optimizer

import (
	"log/slog"
	"opti-frame-go/config"
	"opti-frame-go/logging"
	"opti-frame-go/metrics"
	"opti-frame-go/operators"
	"opti-frame-go/plan"
	"time"

	"github.com/cockroachdb/errors"
)

// Options toggles the optional passes. Type coercion always runs.
type Options struct {
	PredicatePushdown  bool
	ProjectionPushdown bool
	Simplify           bool
}

// AllPasses enables every pass.
func AllPasses() Options {
	return Options{PredicatePushdown: true, ProjectionPushdown: true, Simplify: true}
}

// NoOptimization keeps only type coercion, which execution needs.
func NoOptimization() Options { return Options{} }

func FromConfig(cfg config.Config) Options {
	return Options{
		PredicatePushdown:  cfg.Optimizer.PredicatePushdown,
		ProjectionPushdown: cfg.Optimizer.ProjectionPushdown,
		Simplify:           cfg.Optimizer.Simplify,
	}
}

// Pass rewrites a plan without changing its output schema.
type Pass interface {
	Name() string
	Optimize(p plan.LogicalPlan) (plan.LogicalPlan, error)
}

// Passes lists the passes opts enables, in execution order.
func Passes(opts Options) []Pass {
	passes := []Pass{TypeCoercion{}}
	if opts.PredicatePushdown {
		passes = append(passes, PredicatePushdown{})
	}
	if opts.ProjectionPushdown {
		passes = append(passes, ProjectionPushdown{})
	}
	if opts.Simplify {
		passes = append(passes, Simplify{})
	}
	return passes
}

// Optimize runs the passes opts enables over p.
func Optimize(p plan.LogicalPlan, opts Options, logger *slog.Logger) (plan.LogicalPlan, error) {
	return Run(p, Passes(opts), logger)
}

// Run applies passes in order. A pass that changes the output schema is a
// defect and panics with an error marked ErrOptimizerInvariant.
func Run(p plan.LogicalPlan, passes []Pass, logger *slog.Logger) (plan.LogicalPlan, error) {
	if logger == nil {
		logger = logging.Get()
	}
	want, err := plan.SchemaOf(p)
	if err != nil {
		return nil, err
	}
	for _, pass := range passes {
		start := time.Now()
		next, err := pass.Optimize(p)
		if err != nil {
			return nil, errors.Wrapf(err, "optimizer pass %s", pass.Name())
		}
		got, err := plan.SchemaOf(next)
		if err != nil {
			panic(invariantViolation(pass.Name(), "%v", err))
		}
		if !plan.SameShape(want, got) {
			panic(invariantViolation(pass.Name(), "schema changed from %s to %s", want, got))
		}
		metrics.ObservePass(pass.Name(), start)
		logger.Debug("optimizer pass", "pass", pass.Name(), "elapsed", time.Since(start))
		p = next
	}
	return p, nil
}

func invariantViolation(pass, format string, args ...any) error {
	err := errors.AssertionFailedf("pass %s: "+format, append([]any{pass}, args...)...)
	return errors.Mark(err, operators.ErrOptimizerInvariant)
}
