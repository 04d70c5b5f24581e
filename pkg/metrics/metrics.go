package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RecordsLoaded counts records materialized from wide input, by outcome (kept/dropped)
var RecordsLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "theftdetect_records_loaded_total",
		Help: "Total number of consumption records produced by the dataset loader",
	},
	[]string{"outcome"},
)

// DateHeadersRepaired counts wide-matrix date headers recovered with synthetic dates
var DateHeadersRepaired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "theftdetect_date_headers_repaired_total",
		Help: "Total number of unparseable date headers assigned synthetic dates",
	},
)

// ValuesImputed counts missing consumption values filled, by strategy
var ValuesImputed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "theftdetect_values_imputed_total",
		Help: "Total number of missing consumption values filled by the preprocessor",
	},
	[]string{"strategy"},
)

// OutliersCapped counts consumption values clipped or replaced, by method
var OutliersCapped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "theftdetect_outliers_capped_total",
		Help: "Total number of outlier consumption values capped by the preprocessor",
	},
	[]string{"method"},
)

// SyntheticSamples counts minority samples generated by the class balancer, by method
var SyntheticSamples = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "theftdetect_synthetic_samples_total",
		Help: "Total number of synthetic minority samples generated during balancing",
	},
	[]string{"method"},
)

// BalancingFallbacks counts balancing calls that degraded to random oversampling
var BalancingFallbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "theftdetect_balancing_fallbacks_total",
		Help: "Total number of balancing calls that fell back to random oversampling",
	},
)

// StageDuration records latency distribution per pipeline stage
var StageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "theftdetect_stage_duration_seconds",
		Help:    "Duration in seconds of each pipeline stage",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"},
)

// EntityFailures counts entities isolated out of a batch, by stage
var EntityFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "theftdetect_entity_failures_total",
		Help: "Total number of per-entity failures isolated during batch processing",
	},
	[]string{"stage"},
)

// ValidationScore exposes the most recent comprehensive validation score
var ValidationScore = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "theftdetect_validation_score",
		Help: "Most recent comprehensive validation score (0-100)",
	},
)

// Register registers all pipeline collectors with the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		RecordsLoaded,
		DateHeadersRepaired,
		ValuesImputed,
		OutliersCapped,
		SyntheticSamples,
		BalancingFallbacks,
		StageDuration,
		EntityFailures,
		ValidationScore,
	)
}
