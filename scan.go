package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"opti-frame-go/Expr"
	"opti-frame-go/config"
	"opti-frame-go/lazy"
	"opti-frame-go/logging"
	"opti-frame-go/metrics"
	"opti-frame-go/operators"
	"opti-frame-go/operators/project"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	ErrBadWhere = func(clause string) error {
		return errors.Newf("where clause %q must look like <column> <op> <value>, op one of == != > >= < <=", clause)
	}
	ErrSumWithoutColumns = errors.New("--group-by needs at least one --sum column")
)

type scanFlags struct {
	file    string
	sel     []string
	where   []string
	groupBy []string
	sum     []string
	sort    string
	desc    bool
	limit   int64
	explain bool
	serve   bool
}

func newScanCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a query over one file and print the result",
		Example: `  optiframe scan --file iris.csv --where "sepal_length > 5" --group-by species --sum sepal_length
  optiframe scan --file s3://trips.parquet --select city,fare --sort fare --desc --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.file, "file", "", "csv or parquet file; s3://key reads from the configured bucket")
	fl.StringSliceVar(&f.sel, "select", nil, "columns to keep")
	fl.StringArrayVar(&f.where, "where", nil, "filter such as \"age >= 30\"; repeated clauses are and-ed")
	fl.StringSliceVar(&f.groupBy, "group-by", nil, "grouping columns")
	fl.StringSliceVar(&f.sum, "sum", nil, "columns to sum, per group when --group-by is set")
	fl.StringVar(&f.sort, "sort", "", "column to sort by")
	fl.BoolVar(&f.desc, "desc", false, "sort descending")
	fl.Int64Var(&f.limit, "limit", 0, "maximum rows to print")
	fl.BoolVar(&f.explain, "explain", false, "print the optimized plan instead of running it")
	fl.BoolVar(&f.serve, "serve-metrics", false, "keep serving metrics after the query until interrupted")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func openSource(file string) (project.ScanSource, error) {
	if key, ok := strings.CutPrefix(file, "s3://"); ok {
		src, err := project.NewObjectSource(key)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		return project.NewCSVSource(file), nil
	case ".parquet", ".pq":
		return project.NewParquetSource(file), nil
	}
	return nil, operators.ErrUnsupportedf("cannot tell the format of %q, expected .csv or .parquet", file)
}

// buildQuery turns the flags into a lazy query over src. Filters run before
// grouping, sorting and the limit run after it.
func buildQuery(src project.ScanSource, f scanFlags) (*lazy.LazyFrame, error) {
	lf := lazy.Scan(src)
	if len(f.where) > 0 {
		preds := make([]Expr.Expression, 0, len(f.where))
		for _, clause := range f.where {
			p, err := parseWhere(clause)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		lf = lf.Filter(Expr.AllOf(preds...))
	}
	if len(f.sel) > 0 {
		lf = lf.Select(columns(f.sel)...)
	}
	switch {
	case len(f.groupBy) > 0:
		if len(f.sum) == 0 {
			return nil, ErrSumWithoutColumns
		}
		lf = lf.GroupBy(columns(f.groupBy)...).Agg(sums(f.sum)...)
	case len(f.sum) > 0:
		lf = lf.Select(sums(f.sum)...)
	}
	if f.sort != "" {
		lf = lf.Sort(f.sort, f.desc)
	}
	if f.limit > 0 {
		lf = lf.Limit(f.limit)
	}
	return lf, lf.Err()
}

func columns(names []string) []Expr.Expression {
	out := make([]Expr.Expression, len(names))
	for i, n := range names {
		out[i] = Expr.Col(strings.TrimSpace(n))
	}
	return out
}

func sums(names []string) []Expr.Expression {
	out := make([]Expr.Expression, len(names))
	for i, n := range names {
		out[i] = Expr.Sum(Expr.Col(strings.TrimSpace(n)))
	}
	return out
}

var comparisons = []struct {
	op    string
	build func(l, r Expr.Expression) *Expr.BinaryExpr
}{
	// two character operators first so ">=" is not read as ">"
	{"==", Expr.Eq},
	{"!=", Expr.NotEq},
	{">=", Expr.GtEq},
	{"<=", Expr.LtEq},
	{">", Expr.Gt},
	{"<", Expr.Lt},
}

func parseWhere(clause string) (Expr.Expression, error) {
	for _, c := range comparisons {
		col, val, ok := strings.Cut(clause, c.op)
		if !ok {
			continue
		}
		col, val = strings.TrimSpace(col), strings.TrimSpace(val)
		if col == "" || val == "" {
			return nil, ErrBadWhere(clause)
		}
		return c.build(Expr.Col(col), parseValue(val)), nil
	}
	return nil, ErrBadWhere(clause)
}

// parseValue reads integers, floats, booleans and null as such; anything else,
// quoted or not, is a string.
func parseValue(v string) *Expr.LiteralResolve {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return Expr.Lit(v[1 : len(v)-1])
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return Expr.Lit(i)
	}
	if fl, err := strconv.ParseFloat(v, 64); err == nil {
		return Expr.Lit(fl)
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return Expr.Lit(b)
	}
	if strings.EqualFold(v, "null") {
		return Expr.Lit(nil)
	}
	return Expr.Lit(v)
}

func runScan(ctx context.Context, w io.Writer, f scanFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := openSource(f.file)
	if err != nil {
		return err
	}
	lf, err := buildQuery(src, f)
	if err != nil {
		return err
	}
	if f.explain {
		desc, err := lf.DescribeOptimizedPlan()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, desc)
		return err
	}

	var stopMetrics func()
	if f.serve {
		if stopMetrics, err = serveMetrics(); err != nil {
			return err
		}
		defer stopMetrics()
	}
	table, err := lf.Collect(ctx)
	if err != nil {
		return err
	}
	if err := printTable(w, table); err != nil {
		return err
	}
	if f.serve {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		<-ctx.Done()
	}
	return nil
}

func serveMetrics() (func(), error) {
	cfg := config.GetConfig().Metrics
	if !cfg.EnableMetrics {
		return nil, errors.New("metrics are disabled in the config")
	}
	addr := net.JoinHostPort(cfg.MetricsHost, strconv.Itoa(cfg.MetricsPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get().Error("metrics server stopped", "error", err)
		}
	}()
	logging.Get().Info("serving metrics", "addr", "http://"+addr+"/metrics")
	return func() { _ = srv.Close() }, nil
}

func printTable(w io.Writer, table *operators.RecordBatch) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(table.ColumnNames(), "\t"))
	row := make([]string, table.NumCols())
	for i := 0; i < table.NumRows(); i++ {
		for j, col := range table.Columns {
			if col.IsNull(i) {
				row[j] = "null"
			} else {
				row[j] = col.ValueStr(i)
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", table.NumRows())
	return err
}
