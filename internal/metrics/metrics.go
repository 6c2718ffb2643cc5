package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the system
type Metrics struct {
	Registry *prometheus.Registry

	// Training
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration *prometheus.HistogramVec
	TrainingSkipped  prometheus.Counter
	TrainingSamples  prometheus.Gauge
	ModelMAE         prometheus.Gauge
	ModelR2          prometheus.Gauge
	SyntheticRuns    prometheus.Counter

	// Features
	SanitizedValues *prometheus.CounterVec

	// Forecasting
	Forecasts       *prometheus.CounterVec
	ForecastHorizon prometheus.Histogram

	// Artifact cache
	ArtifactCacheHits   prometheus.CounterFunc
	ArtifactCacheMisses prometheus.CounterFunc

	// Events
	EventPublishErrors prometheus.Counter
}

// CacheStats reports artifact cache counters.
type CacheStats func() (hits, misses uint64)

// New creates all metrics on a dedicated registry, together with the Go
// runtime and process collectors. cache may be nil.
func New(cache CacheStats) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	if cache == nil {
		cache = func() (uint64, uint64) { return 0, 0 }
	}

	return &Metrics{
		Registry: reg,

		TrainingRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profitcast_training_runs_total",
				Help: "Training runs by algorithm and outcome",
			},
			[]string{"algorithm", "outcome"},
		),
		TrainingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "profitcast_training_duration_seconds",
				Help:    "Wall time of successful training runs",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"algorithm"},
		),
		TrainingSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "profitcast_training_skipped_total",
			Help: "Scheduled training runs skipped because another run held the slot",
		}),
		TrainingSamples: f.NewGauge(prometheus.GaugeOpts{
			Name: "profitcast_model_train_samples",
			Help: "Training samples used by the current model",
		}),
		ModelMAE: f.NewGauge(prometheus.GaugeOpts{
			Name: "profitcast_model_mae",
			Help: "Held-out mean absolute error of the current model",
		}),
		ModelR2: f.NewGauge(prometheus.GaugeOpts{
			Name: "profitcast_model_r2",
			Help: "Held-out R2 of the current model (NaN when undefined)",
		}),
		SyntheticRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "profitcast_synthetic_fallback_total",
			Help: "Collections that fell back to synthetic history",
		}),

		SanitizedValues: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profitcast_sanitized_values_total",
				Help: "Non-finite feature values replaced with zero",
			},
			[]string{"stage"},
		),

		Forecasts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profitcast_forecasts_total",
				Help: "Forecast requests by outcome",
			},
			[]string{"outcome"},
		),
		ForecastHorizon: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "profitcast_forecast_horizon_days",
			Help:    "Requested forecast horizon",
			Buckets: []float64{1, 7, 14, 30, 60, 90, 180, 365},
		}),

		ArtifactCacheHits: f.NewCounterFunc(prometheus.CounterOpts{
			Name: "profitcast_artifact_cache_hits_total",
			Help: "Decoded artifact cache hits",
		}, func() float64 {
			hits, _ := cache()
			return float64(hits)
		}),
		ArtifactCacheMisses: f.NewCounterFunc(prometheus.CounterOpts{
			Name: "profitcast_artifact_cache_misses_total",
			Help: "Decoded artifact cache misses",
		}, func() float64 {
			_, misses := cache()
			return float64(misses)
		}),

		EventPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "profitcast_event_publish_errors_total",
			Help: "model.trained events that failed to publish",
		}),
	}
}
