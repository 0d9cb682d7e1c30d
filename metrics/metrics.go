package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the engine, separate from the default
// registry so embedding programs are not polluted.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// QueriesTotal counts Collect/Fetch calls by kind and outcome.
	QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optiframe_queries_total",
			Help: "Total number of executed queries",
		},
		[]string{"kind", "status"},
	)
	QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optiframe_query_duration_seconds",
			Help:    "End to end latency of a query, optimization included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	OperatorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optiframe_operator_duration_seconds",
			Help:    "Time spent materializing the output of one physical operator",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"operator"},
	)
	RowsProduced = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optiframe_operator_rows_total",
			Help: "Rows emitted by physical operators",
		},
		[]string{"operator"},
	)
	OptimizerPassDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optiframe_optimizer_pass_duration_seconds",
			Help:    "Time spent in one optimizer pass",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"pass"},
	)
)

// ObserveQuery records the outcome of one query started at start.
func ObserveQuery(kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	QueriesTotal.WithLabelValues(kind, status).Inc()
	QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ObserveOperator records the time and output size of one operator.
func ObserveOperator(operator string, start time.Time, rows uint64) {
	OperatorDuration.WithLabelValues(operator).Observe(time.Since(start).Seconds())
	RowsProduced.WithLabelValues(operator).Add(float64(rows))
}

func ObservePass(pass string, start time.Time) {
	OptimizerPassDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())
}

// Handler exposes Registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
