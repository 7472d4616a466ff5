package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_schema_refresh_runs_total",
			Help: "Total number of schema refresh runs by status.",
		},
		[]string{"status"},
	)
	sourcesRefreshedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querymesh_schema_refresh_sources_total",
			Help: "Total number of data sources whose schema was refreshed.",
		},
	)
	refreshFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querymesh_schema_refresh_failures_total",
			Help: "Total number of data sources that failed to refresh.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		refreshRunsTotal,
		sourcesRefreshedTotal,
		refreshFailuresTotal,
	)
}
