package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_uploads_total",
			Help: "Uploads by format, size tier, load strategy and outcome.",
		},
		[]string{"format", "tier", "strategy", "outcome"},
	)
	profileLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_profile_latency_ms",
			Help:    "Dataset profiling latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)
	loadLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletalk_load_latency_ms",
			Help:    "Table load latency in milliseconds by strategy.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000},
		},
		[]string{"strategy"},
	)
	loadedRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_loaded_rows_total",
			Help: "Total rows loaded into session tables.",
		},
	)
	guardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_guard_decisions_total",
			Help: "Query guard decisions by tier, outcome and violation reason.",
		},
		[]string{"tier", "outcome", "reason"},
	)
	queryLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletalk_query_latency_ms",
			Help:    "Query execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"source"},
	)
	queryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_query_errors_total",
			Help: "Failed query executions by kind.",
		},
		[]string{"kind"},
	)
	translationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_translations_total",
			Help: "Natural language translations by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletalk_active_sessions",
			Help: "Sessions currently held in memory.",
		},
	)
	expiredSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_expired_sessions_total",
			Help: "Sessions destroyed by the idle sweeper.",
		},
	)
	restoredSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_restored_sessions_total",
			Help: "Session restores from durable state by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		uploadsTotal,
		profileLatencyMs,
		loadLatencyMs,
		loadedRowsTotal,
		guardDecisionsTotal,
		queryLatencyMs,
		queryErrorsTotal,
		translationsTotal,
		activeSessions,
		expiredSessionsTotal,
		restoredSessionsTotal,
	)
}

func ObserveUpload(format, tier, strategy, outcome string) {
	uploadsTotal.WithLabelValues(format, tier, strategy, outcome).Inc()
}

func ObserveProfile(elapsed time.Duration) {
	profileLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveLoad(strategy string, rows int64, elapsed time.Duration) {
	loadLatencyMs.WithLabelValues(strategy).Observe(float64(elapsed.Milliseconds()))
	if rows > 0 {
		loadedRowsTotal.Add(float64(rows))
	}
}

func ObserveGuardDecision(tier, outcome, reason string) {
	guardDecisionsTotal.WithLabelValues(tier, outcome, reason).Inc()
}

// ObserveQuery records one execution; source is "sql" or "ask".
func ObserveQuery(source string, elapsed time.Duration) {
	queryLatencyMs.WithLabelValues(source).Observe(float64(elapsed.Milliseconds()))
}

func IncrementQueryError(kind string) {
	queryErrorsTotal.WithLabelValues(kind).Inc()
}

func ObserveTranslation(provider, outcome string) {
	translationsTotal.WithLabelValues(provider, outcome).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func AddExpiredSessions(count int) {
	if count > 0 {
		expiredSessionsTotal.Add(float64(count))
	}
}

func ObserveRestore(outcome string) {
	restoredSessionsTotal.WithLabelValues(outcome).Inc()
}
