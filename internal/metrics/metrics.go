// Package metrics provides Prometheus metrics for ensemble runs.
// It covers raster acquisition, trial staging and execution, model-fit
// latency and the state machine of the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	// Raster acquisition
	RastersFetched prometheus.Counter // Rasters downloaded from the climate service
	RastersCached  prometheus.Counter // Rasters served from the local cache

	// Trials
	TrialsStaged    prometheus.Counter // Trial workspaces staged
	TrialsCompleted prometheus.Counter // Trials whose fit produced a result table
	TrialsFailed    prometheus.Counter // Trials whose fit failed
	ActiveFits      prometheus.Gauge   // Fits currently running
	PoolWidth       prometheus.Gauge   // Configured worker pool width

	// Model fitting
	FitDuration prometheus.Histogram // Wall time of a single model fit
	FitFailures prometheus.Counter   // Fits that exited abnormally or left no results

	// Controller
	StateTransitions *prometheus.CounterVec // Transitions into each controller state
	RankedPredictors prometheus.Gauge       // Size of the last ranking
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RastersFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_rasters_fetched_total",
			Help: "Total number of climate rasters downloaded",
		}),
		RastersCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_rasters_cached_total",
			Help: "Total number of climate rasters served from cache",
		}),
		TrialsStaged: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_trials_staged_total",
			Help: "Total number of trial workspaces staged",
		}),
		TrialsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_trials_completed_total",
			Help: "Total number of trials that completed",
		}),
		TrialsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_trials_failed_total",
			Help: "Total number of trials that failed",
		}),
		ActiveFits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmx_active_fits",
			Help: "Number of model fits currently running",
		}),
		PoolWidth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmx_pool_width",
			Help: "Configured number of concurrent workers",
		}),
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmx_fit_duration_seconds",
			Help:    "Duration of a single model fit in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mmx_fit_failures_total",
			Help: "Total number of failed model fits",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmx_state_transitions_total",
			Help: "Transitions into each controller state",
		}, []string{"state"}),
		RankedPredictors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mmx_ranked_predictors",
			Help: "Number of predictors in the last ranking",
		}),
	}
}

// The methods below satisfy the narrow metrics interfaces declared by the
// climate, maxent, executor and ensemble packages.

func (m *Metrics) RasterFetchedInc()             { m.RastersFetched.Inc() }
func (m *Metrics) RasterCachedInc()              { m.RastersCached.Inc() }
func (m *Metrics) FitDurationObserve(v float64)  { m.FitDuration.Observe(v) }
func (m *Metrics) FitFailuresInc()               { m.FitFailures.Inc() }
func (m *Metrics) TrialStagedInc()               { m.TrialsStaged.Inc() }
func (m *Metrics) TrialCompletedInc()            { m.TrialsCompleted.Inc() }
func (m *Metrics) TrialFailedInc()               { m.TrialsFailed.Inc() }
func (m *Metrics) ActiveFitsAdd(delta float64)   { m.ActiveFits.Add(delta) }
func (m *Metrics) PoolWidthSet(width float64)    { m.PoolWidth.Set(width) }
func (m *Metrics) StateEntered(state string)     { m.StateTransitions.WithLabelValues(state).Inc() }
func (m *Metrics) RankedPredictorsSet(n float64) { m.RankedPredictors.Set(n) }
