package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"merramax/internal/maxent"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/trial"
)

// Sequential runs trials one after another in the calling goroutine.
type Sequential struct {
	workspace *trial.Workspace
	preparer  raster.Preparer
	fitter    maxent.Fitter
	cfg       config
}

// NewSequential creates the in-process strategy.
func NewSequential(ws *trial.Workspace, preparer raster.Preparer, fitter maxent.Fitter, opts ...Option) *Sequential {
	return &Sequential{
		workspace: ws,
		preparer:  preparer,
		fitter:    fitter,
		cfg:       newConfig(opts),
	}
}

// Stage stages the trial workspace.
func (s *Sequential) Stage(id string, obs observation.Observation, predictors []raster.Image) (trial.Trial, error) {
	t, err := s.workspace.Stage(id, obs, predictors)
	if err != nil {
		return trial.Trial{}, err
	}
	s.cfg.metrics.TrialStagedInc()
	return t, nil
}

// PrepareImages prepares all rasters in one preparer call.
func (s *Sequential) PrepareImages(ctx context.Context, obs observation.Observation, rasters []raster.Image, outDir string) ([]raster.Image, error) {
	return s.preparer.Prepare(ctx, obs, rasters, outDir)
}

// RunTrials fits each trial in order and stops at the first failure.
func (s *Sequential) RunTrials(ctx context.Context, trials []trial.Trial) error {
	for i, t := range trials {
		log.Info().
			Int("trial", i+1).
			Int("of", len(trials)).
			Str("dir", t.Directory).
			Msg("Running trial")

		s.cfg.metrics.ActiveFitsAdd(1)
		err := s.fitter.Run(ctx, t.Observation, t.Predictors, t.Directory)
		s.cfg.metrics.ActiveFitsAdd(-1)

		if err != nil {
			s.cfg.metrics.TrialFailedInc()
			return asFitError(t.Directory, err)
		}
		s.cfg.metrics.TrialCompletedInc()
	}
	return nil
}

// Close is a no-op; the sequential strategy holds no resources.
func (s *Sequential) Close() error {
	return nil
}
