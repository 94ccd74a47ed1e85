// Package executor stages and runs trials. Two strategies share one
// interface: Sequential fits one trial at a time in-process, Distributed
// fans trials out to a Redis-fed worker pool and joins on their outcomes.
package executor

import (
	"context"
	"errors"

	"merramax/internal/dispatch"
	"merramax/internal/maxent"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/trial"
)

// Strategy is the staging and execution capability the controller drives.
type Strategy interface {
	// Stage creates or reuses the workspace of one trial.
	Stage(id string, obs observation.Observation, predictors []raster.Image) (trial.Trial, error)
	// PrepareImages turns the raw rasters into the master predictor pool.
	PrepareImages(ctx context.Context, obs observation.Observation, rasters []raster.Image, outDir string) ([]raster.Image, error)
	// RunTrials blocks until every trial produced a result table or one failed.
	RunTrials(ctx context.Context, trials []trial.Trial) error
	// Close releases execution resources.
	Close() error
}

// MetricsInterface receives trial counters.
type MetricsInterface interface {
	TrialStagedInc()
	TrialCompletedInc()
	TrialFailedInc()
	ActiveFitsAdd(delta float64)
	PoolWidthSet(width float64)
}

type config struct {
	metrics MetricsInterface
	width   int
	queue   string
}

// Option configures a strategy.
type Option func(*config)

// WithMetrics attaches trial metrics.
func WithMetrics(m MetricsInterface) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithWidth sets the number of concurrent workers of the distributed strategy.
func WithWidth(n int) Option {
	return func(c *config) {
		c.width = n
	}
}

// WithQueue sets the Redis list the distributed strategy uses.
func WithQueue(name string) Option {
	return func(c *config) {
		c.queue = name
	}
}

func newConfig(opts []Option) config {
	c := config{
		metrics: nopMetrics{},
		width:   dispatch.DefaultWidth,
		queue:   dispatch.DefaultQueue,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type nopMetrics struct{}

func (nopMetrics) TrialStagedInc()       {}
func (nopMetrics) TrialCompletedInc()    {}
func (nopMetrics) TrialFailedInc()       {}
func (nopMetrics) ActiveFitsAdd(float64) {}
func (nopMetrics) PoolWidthSet(float64)  {}

// asFitError makes sure a fit failure surfaces as a ModelFitError.
func asFitError(workDir string, err error) error {
	var fitErr *maxent.ModelFitError
	if errors.As(err, &fitErr) {
		return err
	}
	return &maxent.ModelFitError{WorkDir: workDir, Err: err}
}
