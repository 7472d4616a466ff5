package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	compileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_compile_total",
			Help: "Total number of natural-language compilations by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)
	tableMatchFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_table_match_fallback_total",
			Help: "Total number of table matches that fell back to the full schema.",
		},
		[]string{"reason"},
	)
	executeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_execute_total",
			Help: "Total number of directive executions by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)
	executeDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querymesh_execute_duration_ms",
			Help:    "Directive execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"engine"},
	)
	executeRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_execute_rows_total",
			Help: "Total number of rows returned by executions.",
		},
		[]string{"engine"},
	)
	inferenceDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_inference_degraded_total",
			Help: "Total number of schema inspections that degraded to an empty schema.",
		},
		[]string{"engine"},
	)
	inspectedTables = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querymesh_inspected_tables",
			Help:    "Number of tables or collections discovered per inspection.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
)

func init() {
	prometheus.MustRegister(
		compileTotal,
		tableMatchFallbackTotal,
		executeTotal,
		executeDurationMs,
		executeRowsTotal,
		inferenceDegradedTotal,
		inspectedTables,
	)
}

func ObserveCompile(backend, outcome string) {
	if backend == "" {
		backend = "unknown"
	}
	compileTotal.WithLabelValues(backend, outcome).Inc()
}

func IncTableMatchFallback(reason string) {
	tableMatchFallbackTotal.WithLabelValues(reason).Inc()
}

func ObserveExecute(engine string, rows int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	executeTotal.WithLabelValues(engine, outcome).Inc()
	executeDurationMs.WithLabelValues(engine).Observe(float64(elapsed.Milliseconds()))
	if rows > 0 {
		executeRowsTotal.WithLabelValues(engine).Add(float64(rows))
	}
}

func ObserveInspection(engine string, tables int, degraded bool) {
	if degraded {
		inferenceDegradedTotal.WithLabelValues(engine).Inc()
	}
	inspectedTables.Observe(float64(tables))
}
