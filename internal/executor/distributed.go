package executor

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"merramax/internal/dispatch"
	"merramax/internal/maxent"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/trial"
)

// Distributed runs trials on a bounded worker pool. Every trial gets its own
// copy of the model jar, which writes preference files next to itself and
// would otherwise be shared between concurrent fits.
type Distributed struct {
	workspace *trial.Workspace
	preparer  raster.Preparer
	artifact  string
	pool      *dispatch.Pool
	cfg       config
}

// NewDistributed creates the strategy and starts its worker pool. The pool
// lives until Close.
func NewDistributed(ctx context.Context, ws *trial.Workspace, preparer raster.Preparer, fitter maxent.Fitter,
	client *backend.Client, artifact string, opts ...Option) (*Distributed, error) {
	if artifact == "" {
		return nil, errors.New("distributed execution requires a model artifact to stage")
	}

	d := &Distributed{
		workspace: ws,
		preparer:  preparer,
		artifact:  artifact,
		cfg:       newConfig(opts),
	}
	if d.cfg.width < 0 {
		return nil, fmt.Errorf("worker pool width must not be negative, got %d", d.cfg.width)
	}

	d.pool = dispatch.NewPool(client, newHandler(fitter, d.cfg.metrics),
		dispatch.WithWidth(d.cfg.width),
		dispatch.WithQueue(d.cfg.queue),
	)
	if err := d.pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	d.cfg.metrics.PoolWidthSet(float64(d.cfg.width))

	return d, nil
}

// Stage stages the trial workspace and the trial's private model jar.
func (d *Distributed) Stage(id string, obs observation.Observation, predictors []raster.Image) (trial.Trial, error) {
	t, err := d.workspace.Stage(id, obs, predictors)
	if err != nil {
		return trial.Trial{}, err
	}
	if _, err := trial.StageArtifact(t, d.artifact); err != nil {
		return trial.Trial{}, err
	}
	d.cfg.metrics.TrialStagedInc()
	return t, nil
}

// PrepareImages prepares each raster as its own unit of work, at most pool
// width at a time. Output order follows input order.
func (d *Distributed) PrepareImages(ctx context.Context, obs observation.Observation, rasters []raster.Image, outDir string) ([]raster.Image, error) {
	prepared := make([]raster.Image, len(rasters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.cfg.width, 1))
	for i, r := range rasters {
		g.Go(func() error {
			out, err := d.preparer.Prepare(gctx, obs, []raster.Image{r}, outDir)
			if err != nil {
				return err
			}
			if len(out) != 1 {
				return fmt.Errorf("prepare %s: expected 1 image, got %d", r.BaseName(), len(out))
			}
			prepared[i] = out[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prepared, nil
}

// RunTrials submits every trial to the pool and waits for all outcomes.
// The first failure aborts the join.
func (d *Distributed) RunTrials(ctx context.Context, trials []trial.Trial) error {
	err := d.pool.Run(ctx, trials)
	if err == nil {
		return nil
	}

	var trialErr *dispatch.TrialError
	if errors.As(err, &trialErr) {
		for _, t := range trials {
			if t.ID == trialErr.TrialID {
				return &maxent.ModelFitError{WorkDir: t.Directory, Err: trialErr}
			}
		}
	}
	return err
}

// Handler returns the worker-side handler for processes that only consume
// the queue. It fits one decoded trial with the jar staged in its directory.
func Handler(fitter maxent.Fitter, opts ...Option) dispatch.Handler {
	return newHandler(fitter, newConfig(opts).metrics)
}

func newHandler(fitter maxent.Fitter, metrics MetricsInterface) dispatch.Handler {
	return func(ctx context.Context, t trial.Trial) error {
		metrics.ActiveFitsAdd(1)
		defer metrics.ActiveFitsAdd(-1)

		err := fitter.RunWithArtifact(ctx, t.Observation, t.Predictors, t.Directory, t.ArtifactPath())
		if err != nil {
			metrics.TrialFailedInc()
			log.Error().Err(err).Str("trial", t.ID).Msg("Trial fit failed")
			return err
		}
		metrics.TrialCompletedInc()
		return nil
	}
}

// Close drains and stops the worker pool.
func (d *Distributed) Close() error {
	return d.pool.Close()
}
