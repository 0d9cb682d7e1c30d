package lazy

import (
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/operators/project"
	"opti-frame-go/operators/reshape"
	"opti-frame-go/plan"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrInvalidJoinOptions = errors.New("join needs either On or both LeftOn and RightOn")
	ErrSortReverse        = func(keys, reverse int) error {
		return errors.Newf("sort got %d reverse flags for %d keys", reverse, keys)
	}
)

// LazyFrame is a query that has not run yet. Every builder method returns a
// new frame over a new plan node; the receiver is never changed, so one frame
// can be collected, described and extended any number of times. A builder
// error is kept and reported by Collect.
type LazyFrame struct {
	plan plan.LogicalPlan
	err  error
}

// Scan starts a query over src.
func Scan(src project.ScanSource) *LazyFrame {
	s, err := plan.NewScan(src)
	if err != nil {
		return &LazyFrame{err: err}
	}
	return &LazyFrame{plan: s}
}

// FromTable starts a query over an already materialized table.
func FromTable(table *operators.RecordBatch) *LazyFrame {
	return Scan(project.NewInMemorySource(table))
}

// Plan is the unoptimized logical plan, nil when the frame holds an error.
func (lf *LazyFrame) Plan() plan.LogicalPlan { return lf.plan }

func (lf *LazyFrame) Err() error { return lf.err }

func (lf *LazyFrame) Schema() (*arrow.Schema, error) {
	if lf.err != nil {
		return nil, lf.err
	}
	return plan.SchemaOf(lf.plan)
}

func (lf *LazyFrame) then(build func(input plan.LogicalPlan) (plan.LogicalPlan, error)) *LazyFrame {
	if lf.err != nil {
		return lf
	}
	next, err := build(lf.plan)
	if err != nil {
		return &LazyFrame{err: err}
	}
	return &LazyFrame{plan: next}
}

func (lf *LazyFrame) Filter(predicate Expr.Expression) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Filter{Input: in, Predicate: predicate}, nil
	})
}

func (lf *LazyFrame) Select(exprs ...Expr.Expression) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Project{Input: in, Exprs: exprs}, nil
	})
}

// WithColumns keeps every column and adds exprs; an expr named like an
// existing column replaces it in place.
func (lf *LazyFrame) WithColumns(exprs ...Expr.Expression) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]Expr.Expression, len(exprs))
		var added []Expr.Expression
		for _, e := range exprs {
			name := Expr.OutputName(e)
			if schema.HasField(name) {
				byName[name] = e
			} else {
				added = append(added, e)
			}
		}
		out := make([]Expr.Expression, 0, schema.NumFields()+len(added))
		for _, f := range schema.Fields() {
			if e, ok := byName[f.Name]; ok {
				out = append(out, e)
			} else {
				out = append(out, Expr.Col(f.Name))
			}
		}
		return &plan.Project{Input: in, Exprs: append(out, added...)}, nil
	})
}

func (lf *LazyFrame) WithColumn(e Expr.Expression) *LazyFrame { return lf.WithColumns(e) }

func (lf *LazyFrame) DropColumns(names ...string) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		drop := make(map[string]struct{}, len(names))
		for _, n := range names {
			if !schema.HasField(n) {
				return nil, operators.ErrMissingColumn(n)
			}
			drop[n] = struct{}{}
		}
		var keep []Expr.Expression
		for _, f := range schema.Fields() {
			if _, ok := drop[f.Name]; !ok {
				keep = append(keep, Expr.Col(f.Name))
			}
		}
		return &plan.Project{Input: in, Exprs: keep}, nil
	})
}

func (lf *LazyFrame) RenameColumn(from, to string) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		if !schema.HasField(from) {
			return nil, operators.ErrMissingColumn(from)
		}
		exprs := make([]Expr.Expression, schema.NumFields())
		for i, f := range schema.Fields() {
			if f.Name == from {
				exprs[i] = Expr.As(Expr.Col(from), to)
			} else {
				exprs[i] = Expr.Col(f.Name)
			}
		}
		return &plan.Project{Input: in, Exprs: exprs}, nil
	})
}

// Sort orders by one column.
func (lf *LazyFrame) Sort(by string, reverse ...bool) *LazyFrame {
	return lf.SortBy([]Expr.Expression{Expr.Col(by)}, reverse...)
}

// SortBy is a stable sort on keys. reverse is either empty, one flag for
// every key, or one flag per key.
func (lf *LazyFrame) SortBy(keys []Expr.Expression, reverse ...bool) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		if len(reverse) > 1 && len(reverse) != len(keys) {
			return nil, ErrSortReverse(len(keys), len(reverse))
		}
		sk := make([]aggr.SortKey, len(keys))
		for i, k := range keys {
			sk[i] = aggr.SortKey{Expr: k}
			switch len(reverse) {
			case 0:
			case 1:
				sk[i].Descending = reverse[0]
			default:
				sk[i].Descending = reverse[i]
			}
		}
		return &plan.Sort{Input: in, Keys: sk}, nil
	})
}

// LazyGroupBy is the pending half of GroupBy(...).Agg(...).
type LazyGroupBy struct {
	frame *LazyFrame
	keys  []Expr.Expression
}

func (lf *LazyFrame) GroupBy(keys ...Expr.Expression) *LazyGroupBy {
	return &LazyGroupBy{frame: lf, keys: keys}
}

// Agg yields one row per distinct key tuple: the keys, then one column per
// aggregation.
func (g *LazyGroupBy) Agg(aggs ...Expr.Expression) *LazyFrame {
	return g.frame.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.GroupAgg{Input: in, Keys: g.keys, Aggs: aggs}, nil
	})
}

// JoinOptions names the keys either once with On, for keys shared by both
// sides, or per side with LeftOn and RightOn.
type JoinOptions struct {
	On      []Expr.Expression
	LeftOn  []Expr.Expression
	RightOn []Expr.Expression
	How     join.JoinType
}

func (o JoinOptions) keys() ([]Expr.Expression, []Expr.Expression, error) {
	perSide := len(o.LeftOn) > 0 || len(o.RightOn) > 0
	switch {
	case len(o.On) > 0 && perSide, len(o.On) == 0 && !perSide:
		return nil, nil, ErrInvalidJoinOptions
	case len(o.On) > 0:
		return o.On, o.On, nil
	case len(o.LeftOn) != len(o.RightOn):
		return nil, nil, join.ErrInvalidJoinClauseCount(len(o.LeftOn), len(o.RightOn))
	}
	return o.LeftOn, o.RightOn, nil
}

func (lf *LazyFrame) Join(other *LazyFrame, opts JoinOptions) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		if other.err != nil {
			return nil, other.err
		}
		left, right, err := opts.keys()
		if err != nil {
			return nil, err
		}
		return &plan.Join{Left: in, Right: other.plan, LeftOn: left, RightOn: right, How: opts.How}, nil
	})
}

// Slice keeps length rows from offset; a negative offset counts from the end.
func (lf *LazyFrame) Slice(offset, length int64) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Slice{Input: in, Offset: offset, Length: length}, nil
	})
}

func (lf *LazyFrame) Limit(n int64) *LazyFrame { return lf.Slice(0, n) }
func (lf *LazyFrame) Head(n int64) *LazyFrame  { return lf.Slice(0, n) }
func (lf *LazyFrame) Tail(n int64) *LazyFrame  { return lf.Slice(-n, n) }
func (lf *LazyFrame) First() *LazyFrame        { return lf.Slice(0, 1) }
func (lf *LazyFrame) Last() *LazyFrame         { return lf.Slice(-1, 1) }

// Explode turns every element of the list columns into its own row. An empty
// or null list gives one row holding null.
func (lf *LazyFrame) Explode(columns ...string) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Explode{Input: in, Columns: columns}, nil
	})
}

func (lf *LazyFrame) Unpivot(opts reshape.UnpivotOptions) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Unpivot{Input: in, Options: opts}, nil
	})
}

func (lf *LazyFrame) Melt(opts reshape.UnpivotOptions) *LazyFrame { return lf.Unpivot(opts) }

func (lf *LazyFrame) Distinct() *LazyFrame { return lf.DropDuplicates() }

// DropDuplicates keeps the first row of every distinct subset tuple, or of
// every distinct row when subset is empty.
func (lf *LazyFrame) DropDuplicates(subset ...string) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Distinct{Input: in, Subset: subset}, nil
	})
}

// DropNulls removes rows with a null in any of subset, or in any column.
func (lf *LazyFrame) DropNulls(subset ...string) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		names := subset
		if len(names) == 0 {
			schema, err := plan.SchemaOf(in)
			if err != nil {
				return nil, err
			}
			for _, f := range schema.Fields() {
				names = append(names, f.Name)
			}
		}
		if len(names) == 0 {
			return in, nil
		}
		preds := make([]Expr.Expression, len(names))
		for i, n := range names {
			preds[i] = Expr.IsNotNullExpr(Expr.Col(n))
		}
		return &plan.Filter{Input: in, Predicate: Expr.AllOf(preds...)}, nil
	})
}

// FillNull replaces nulls with value in every column whose type can hold it
// without widening; other columns are left alone.
func (lf *LazyFrame) FillNull(value any) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		lit := Expr.Lit(value)
		exprs := make([]Expr.Expression, schema.NumFields())
		for i, f := range schema.Fields() {
			col := Expr.Col(f.Name)
			if !canHold(f.Type, lit.Type) {
				exprs[i] = col
				continue
			}
			filled := Expr.When(Expr.IsNullExpr(col)).Then(Expr.Cast(lit, f.Type)).Otherwise(col)
			exprs[i] = Expr.As(filled, f.Name)
		}
		return &plan.Project{Input: in, Exprs: exprs}, nil
	})
}

func canHold(column, value arrow.DataType) bool {
	st, err := Expr.Supertype(column, value)
	if err != nil || !arrow.TypeEqual(st, column) {
		return false
	}
	// numbers are not filled into text columns
	return column.ID() != arrow.STRING || value.ID() == arrow.STRING
}

// Shift moves every column down by periods rows, up when negative; the
// vacated rows are null.
func (lf *LazyFrame) Shift(periods int64) *LazyFrame {
	return lf.shift(periods, nil)
}

// ShiftAndFill is Shift with the vacated rows set to fill in every column
// that can hold it, as for FillNull; other columns get nulls.
func (lf *LazyFrame) ShiftAndFill(periods int64, fill any) *LazyFrame {
	return lf.shift(periods, Expr.Lit(fill))
}

func (lf *LazyFrame) shift(periods int64, fill *Expr.LiteralResolve) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		exprs := make([]Expr.Expression, schema.NumFields())
		for i, f := range schema.Fields() {
			shifted := Expr.Shift(Expr.Col(f.Name), periods)
			if fill != nil && !fill.IsNull() && canHold(f.Type, fill.Type) {
				shifted.Fill = fill
			}
			exprs[i] = Expr.As(shifted, f.Name)
		}
		return &plan.Project{Input: in, Exprs: exprs}, nil
	})
}

func (lf *LazyFrame) Reverse() *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.UserMapNode{Input: in, Fn: reverseRows, Name: "reverse"}, nil
	})
}

func reverseRows(t *operators.RecordBatch) (*operators.RecordBatch, error) {
	n := t.NumRows()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = n - 1 - i
	}
	return t.Take(nil, operators.IndexArray(idx))
}

// Cache computes the frame once per query, however many times the query
// reaches it, for example when it is joined with itself.
func (lf *LazyFrame) Cache() *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.Cache{Input: in, ID: uuid.New()}, nil
	})
}

// Map runs fn over the whole materialized frame. schema declares what fn
// returns; nil means fn keeps the input schema.
func (lf *LazyFrame) Map(fn plan.TableFunc, schema *arrow.Schema) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		return &plan.UserMapNode{Input: in, Fn: fn, Schema: schema, Name: "map"}, nil
	})
}

func (lf *LazyFrame) Sum() *LazyFrame    { return lf.reduce(Expr.AggSum) }
func (lf *LazyFrame) Min() *LazyFrame    { return lf.reduce(Expr.AggMin) }
func (lf *LazyFrame) Max() *LazyFrame    { return lf.reduce(Expr.AggMax) }
func (lf *LazyFrame) Mean() *LazyFrame   { return lf.reduce(Expr.AggMean) }
func (lf *LazyFrame) Median() *LazyFrame { return lf.reduce(Expr.AggMedian) }
func (lf *LazyFrame) Std() *LazyFrame    { return lf.reduce(Expr.AggStd) }
func (lf *LazyFrame) Var() *LazyFrame    { return lf.reduce(Expr.AggVar) }

// Quantile is the q-th quantile of every column, interpolated linearly. q
// outside [0, 1] fails the query with a compute error.
func (lf *LazyFrame) Quantile(q float64) *LazyFrame {
	return lf.reduceWith(Expr.AggQuantile, func(e Expr.Expression) Expr.Expression {
		return Expr.Quantile(e, q)
	})
}

// reduce collapses the frame to one row. Columns the aggregation does not
// apply to keep their name and type and hold null.
func (lf *LazyFrame) reduce(kind Expr.AggKind) *LazyFrame {
	return lf.reduceWith(kind, func(e Expr.Expression) Expr.Expression {
		return Expr.NewAggExpr(kind, e)
	})
}

func (lf *LazyFrame) reduceWith(kind Expr.AggKind, agg func(Expr.Expression) Expr.Expression) *LazyFrame {
	return lf.then(func(in plan.LogicalPlan) (plan.LogicalPlan, error) {
		schema, err := plan.SchemaOf(in)
		if err != nil {
			return nil, err
		}
		exprs := make([]Expr.Expression, schema.NumFields())
		for i, f := range schema.Fields() {
			e := agg(Expr.Col(f.Name))
			if _, err := Expr.AggOutputType(kind, f.Type); err != nil {
				e = Expr.First(Expr.Cast(Expr.Lit(nil), f.Type))
			}
			exprs[i] = Expr.As(e, f.Name)
		}
		return &plan.Project{Input: in, Exprs: exprs}, nil
	})
}
