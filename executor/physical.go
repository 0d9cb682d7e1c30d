package executor

import (
	"io"
	"log/slog"
	"opti-frame-go/Expr"
	"opti-frame-go/metrics"
	"opti-frame-go/operators"
	"opti-frame-go/operators/filter"
	"opti-frame-go/operators/project"
	"opti-frame-go/plan"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/cockroachdb/errors"
)

var (
	_ = (operators.Operator)(&scanExec{})
	_ = (operators.Operator)(&cacheExec{})
	_ = (operators.Operator)(&mapExec{})
	_ = (operators.Operator)(&timedExec{})
)

// scanExec opens a source with the optimizer's hints and then applies them
// again itself, since a source may ignore any of them: row limit first, then
// the predicate, then the projection.
type scanExec struct {
	ec     *Context
	scan   *plan.Scan
	schema *arrow.Schema
	out    *operators.ResultBuffer
}

func newScanExec(ec *Context, s *plan.Scan) (*scanExec, error) {
	schema, err := plan.SchemaOf(s)
	if err != nil {
		return nil, err
	}
	return &scanExec{ec: ec, scan: s, schema: schema}, nil
}

// readColumns is the projection handed to the source: the projected columns
// plus whatever the pushed predicate reads, in source order.
func (s *scanExec) readColumns() []string {
	if len(s.scan.Projection) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(s.scan.Projection))
	for _, c := range s.scan.Projection {
		want[c] = struct{}{}
	}
	if s.scan.Predicate != nil {
		for _, c := range Expr.Columns(s.scan.Predicate) {
			want[c] = struct{}{}
		}
	}
	var out []string
	for _, f := range s.scan.SourceSchema.Fields() {
		if _, ok := want[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

func (s *scanExec) Next(n uint16) (*operators.RecordBatch, error) {
	if s.out == nil {
		table, err := s.materialize()
		if err != nil {
			return nil, operators.AsComputeError(err, "scan "+s.scan.Source.String())
		}
		s.out = operators.NewResultBuffer(table)
	}
	return s.out.Next(n)
}

func (s *scanExec) materialize() (*operators.RecordBatch, error) {
	src, err := s.scan.Source.Open(s.ec.ctx, project.ScanOptions{
		Projection: s.readColumns(),
		Predicate:  s.scan.Predicate,
		RowLimit:   s.scan.RowLimit,
	})
	if err != nil {
		return nil, err
	}
	table, err := operators.ConsumeOperatorBatched(src, s.ec.BatchSize)
	if cerr := src.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if s.scan.RowLimit > 0 && table.NumRows() > s.scan.RowLimit {
		table = table.Slice(0, int64(s.scan.RowLimit))
	}
	if s.scan.Predicate != nil {
		if table, err = filter.FilterTable(s.ec.Pool, table, s.scan.Predicate); err != nil {
			return nil, err
		}
	}
	names := make([]string, s.schema.NumFields())
	for i, f := range s.schema.Fields() {
		names[i] = f.Name
	}
	table, err = table.Select(names...)
	if err != nil {
		return nil, err
	}
	return operators.NewRecordBatch(s.schema, table.Columns)
}

func (s *scanExec) Schema() *arrow.Schema { return s.schema }

func (s *scanExec) Close() error {
	s.out = operators.NewResultBuffer(nil)
	return nil
}

// cacheExec replays the memoized output of a Cache node. Only the first
// cacheExec of an id builds and runs the sub-plan.
type cacheExec struct {
	ec     *Context
	node   *plan.Cache
	schema *arrow.Schema
	out    *operators.ResultBuffer
}

func newCacheExec(ec *Context, c *plan.Cache) (*cacheExec, error) {
	schema, err := plan.SchemaOf(c)
	if err != nil {
		return nil, err
	}
	return &cacheExec{ec: ec, node: c, schema: schema}, nil
}

func (c *cacheExec) Next(n uint16) (*operators.RecordBatch, error) {
	if c.out == nil {
		table, err := c.ec.cache.get(c.node.ID, c.compute)
		if err != nil {
			return nil, err
		}
		c.out = operators.NewResultBuffer(table)
	}
	return c.out.Next(n)
}

func (c *cacheExec) compute() (*operators.RecordBatch, error) {
	c.ec.Logger.Debug("materializing cached plan", "cache_id", c.node.ID.String())
	op, err := Build(c.ec, c.node.Input)
	if err != nil {
		return nil, err
	}
	defer op.Close()
	return operators.ConsumeOperatorBatched(op, c.ec.BatchSize)
}

func (c *cacheExec) Schema() *arrow.Schema { return c.schema }

func (c *cacheExec) Close() error {
	c.out = operators.NewResultBuffer(nil)
	return nil
}

// mapExec calls a user function over its whole input. Whatever goes wrong
// inside the function, a returned error or a panic, surfaces as a compute
// error.
type mapExec struct {
	child  operators.Operator
	node   *plan.UserMapNode
	schema *arrow.Schema
	out    *operators.ResultBuffer
}

func newMapExec(child operators.Operator, n *plan.UserMapNode) (*mapExec, error) {
	if n.Fn == nil {
		return nil, operators.ErrComputef("map %q has no function", n.Name)
	}
	schema := n.Schema
	if schema == nil {
		schema = child.Schema()
	}
	return &mapExec{child: child, node: n, schema: schema}, nil
}

func (m *mapExec) Next(n uint16) (*operators.RecordBatch, error) {
	if m.out == nil {
		input, err := operators.ConsumeOperator(m.child)
		if err != nil {
			return nil, err
		}
		table, err := m.call(input)
		if err != nil {
			return nil, err
		}
		m.out = operators.NewResultBuffer(table)
	}
	return m.out.Next(n)
}

func (m *mapExec) call(input *operators.RecordBatch) (out *operators.RecordBatch, err error) {
	where := "map " + m.node.Name
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, operators.RecoverComputeError(r, where)
		}
	}()
	out, err = m.node.Fn(input)
	if err != nil {
		return nil, operators.AsComputeError(err, where)
	}
	if out == nil {
		return nil, operators.ErrComputef("%s returned no table", where)
	}
	if !plan.SameShape(out.Schema, m.schema) {
		return nil, operators.ErrComputef("%s returned schema %s, declared %s", where, out.Schema, m.schema)
	}
	out, err = operators.NewRecordBatch(m.schema, out.Columns)
	if err != nil {
		return nil, operators.AsComputeError(err, where)
	}
	return out, nil
}

func (m *mapExec) Schema() *arrow.Schema { return m.schema }

func (m *mapExec) Close() error {
	m.out = operators.NewResultBuffer(nil)
	return m.child.Close()
}

// timedExec records how long its operator took from the first Next call to
// the end of its output, and how many rows it emitted.
type timedExec struct {
	name     string
	inner    operators.Operator
	logger   *slog.Logger
	start    time.Time
	rows     uint64
	reported bool
}

func newTimedExec(name string, inner operators.Operator, logger *slog.Logger) *timedExec {
	return &timedExec{name: name, inner: inner, logger: logger}
}

func (t *timedExec) Next(n uint16) (*operators.RecordBatch, error) {
	if t.start.IsZero() {
		t.start = time.Now()
	}
	batch, err := t.inner.Next(n)
	if batch != nil {
		t.rows += batch.RowCount
	}
	if errors.Is(err, io.EOF) {
		t.report()
	}
	return batch, err
}

func (t *timedExec) report() {
	if t.reported || t.start.IsZero() {
		return
	}
	t.reported = true
	metrics.ObserveOperator(t.name, t.start, t.rows)
	t.logger.Debug("operator finished", "operator", t.name, "rows", t.rows, "elapsed", time.Since(t.start))
}

func (t *timedExec) Schema() *arrow.Schema { return t.inner.Schema() }

func (t *timedExec) Close() error {
	t.report()
	return t.inner.Close()
}
