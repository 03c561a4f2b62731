package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "askace",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "runs_total",
		Help:      "Completed pipeline runs by outcome reason.",
	}, []string{"outcome"})

	RankingDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "ranking_degraded_total",
		Help:      "Rankings where a scoring stage failed and a fallback was used.",
	}, []string{"stage"})

	GenerationCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "generation_calls_total",
		Help:      "Generator calls by role, provider and outcome.",
	}, []string{"role", "provider", "outcome"})

	ValidationCoverage = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "askace",
		Name:      "validation_coverage_ratio",
		Help:      "Citation coverage ratio reported by the validator.",
		Buckets:   []float64{0.25, 0.5, 0.75, 0.9, 0.95, 1},
	})

	PlaybookDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "playbook_deltas_total",
		Help:      "Deltas proposed by the reflector by action.",
	}, []string{"action"})

	PlaybookMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "playbook_merges_total",
		Help:      "Curator merges by outcome.",
	}, []string{"outcome"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askace",
		Name:      "cache_requests_total",
		Help:      "Cache lookups by cache and result.",
	}, []string{"cache", "result"})
)

// ObserveStage records the elapsed time since start for stage.
func ObserveStage(stage string, start time.Time) time.Duration {
	d := time.Since(start)
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	return d
}
