// Package ensemble drives one bootstrap-ensemble run: fetch climate rasters,
// prepare the predictor pool, fit many models on random predictor subsets,
// rank predictors by their mean contribution and retrain on the best ones.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"merramax/internal/climate"
	"merramax/internal/executor"
	"merramax/internal/maxent"
	"merramax/internal/ml"
	"merramax/internal/raster"
	"merramax/internal/storage"
	"merramax/internal/trial"
)

// ErrUnknownPredictor is returned when a ranked name matches no pool image.
var ErrUnknownPredictor = errors.New("ranked predictor not in pool")

// MetricsInterface receives run-level metrics.
type MetricsInterface interface {
	StateEntered(state string)
	RankedPredictorsSet(n float64)
}

// Result is what a finished run produced.
type Result struct {
	RunID    string
	FinalDir string
	Ranking  ml.Ranking
	Trials   []trial.Trial
}

// Controller runs the ensemble state machine once.
type Controller struct {
	cfg      Config
	layout   Layout
	climate  climate.Service
	strategy executor.Strategy
	fitter   maxent.Fitter

	aggregator *ml.Aggregator
	rng        *rand.Rand
	ledger     *storage.Store
	metrics    MetricsInterface

	state State
	run   storage.RunRecord
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand sets the randomness source of the trial planner.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) {
		c.rng = rng
	}
}

// WithLedger records the run and its trials in store.
func WithLedger(store *storage.Store) Option {
	return func(c *Controller) {
		c.ledger = store
	}
}

// WithMetrics attaches run metrics.
func WithMetrics(m MetricsInterface) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a controller over a bootstrapped layout.
func New(c Config, layout Layout, svc climate.Service, strategy executor.Strategy, fitter maxent.Fitter, opts ...Option) *Controller {
	ctl := &Controller{
		cfg:        c,
		layout:     layout,
		climate:    svc,
		strategy:   strategy,
		fitter:     fitter,
		aggregator: ml.NewAggregator(c.TopK),
		state:      Idle,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Run executes the whole pipeline. A controller runs at most once.
func (c *Controller) Run(ctx context.Context) (res Result, err error) {
	if c.state != Idle {
		return Result{}, fmt.Errorf("controller already ran, state %s", c.state)
	}

	now := time.Now().UTC()
	c.run = storage.RunRecord{
		ID:        uuid.NewString(),
		Species:   c.cfg.Observation.Species,
		OutputDir: c.layout.OutputDir,
		StartedAt: now,
	}
	res.RunID = c.run.ID

	defer func() {
		if err != nil {
			c.run.Error = err.Error()
			c.enter(Failed)
			log.Error().Err(err).Str("run", c.run.ID).Msg("Ensemble run failed")
		}
	}()

	c.enter(Fetching)
	rasters, err := c.fetch(ctx)
	if err != nil {
		return res, err
	}

	c.enter(Preparing)
	pool, err := c.strategy.PrepareImages(ctx, c.cfg.Observation, rasters, c.layout.AscDir)
	if err != nil {
		return res, fmt.Errorf("failed to prepare predictor images: %w", err)
	}
	log.Info().Int("pool", len(pool)).Msg("Predictor pool prepared")

	c.enter(Planning)
	plan, err := trial.NewPlan(c.rng, len(pool), c.cfg.Trials, c.cfg.PredictorsPerTrial)
	if err != nil {
		return res, err
	}

	c.enter(Staging)
	trials := make([]trial.Trial, 0, len(plan))
	for i, indices := range plan {
		predictors := make([]raster.Image, len(indices))
		for j, idx := range indices {
			predictors[j] = pool[idx]
		}

		t, err := c.strategy.Stage(trial.IDFor(i+1), c.cfg.Observation, predictors)
		if err != nil {
			return res, err
		}
		log.Debug().Str("trial", t.ID).Strs("predictors", t.PredictorNames()).Msg("Trial staged")
		c.record(t, "staged")
		trials = append(trials, t)
	}
	res.Trials = trials

	c.enter(Executing)
	if err := c.strategy.RunTrials(ctx, trials); err != nil {
		return res, err
	}
	for _, t := range trials {
		c.record(t, "completed")
	}

	c.enter(Aggregating)
	ranking, err := c.aggregator.Aggregate(trials)
	if err != nil {
		return res, err
	}
	res.Ranking = ranking
	c.run.Ranking = rankEntries(ranking)
	if c.metrics != nil {
		c.metrics.RankedPredictorsSet(float64(len(ranking)))
	}
	log.Info().Strs("ranking", ranking.Names()).Msg("Predictors ranked")

	c.enter(SelectingTop)
	selected, err := selectTop(ranking, pool)
	if err != nil {
		return res, err
	}

	c.enter(RetrainingFinal)
	final, err := c.strategy.Stage(trial.FinalID, c.cfg.Observation, selected)
	if err != nil {
		return res, err
	}
	c.record(final, "staged")
	if err := c.fitter.Run(ctx, final.Observation, final.Predictors, final.Directory); err != nil {
		c.record(final, "failed")
		var fitErr *maxent.ModelFitError
		if errors.As(err, &fitErr) {
			return res, err
		}
		return res, &maxent.ModelFitError{WorkDir: final.Directory, Err: err}
	}
	c.record(final, "completed")

	res.FinalDir = final.Directory
	c.run.FinalDir = final.Directory
	c.enter(Done)
	log.Info().Str("run", c.run.ID).Str("final", final.Directory).Msg("Ensemble run finished")

	return res, nil
}

func (c *Controller) fetch(ctx context.Context) ([]raster.Image, error) {
	req := climate.Request{
		Envelope:    c.cfg.Observation.Envelope,
		Start:       c.cfg.Start,
		End:         c.cfg.End,
		Resolution:  climate.Monthly,
		Collections: []string{c.cfg.Collection},
		Variables:   c.cfg.Variables,
		Operations:  []string{c.cfg.Operation},
	}
	paths, err := c.climate.Fetch(ctx, req, c.layout.MerraDir)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch climate rasters: %w", err)
	}
	log.Info().Int("rasters", len(paths)).Str("envelope", req.Envelope.String()).Msg("Climate rasters fetched")
	return raster.FromPaths(paths), nil
}

// selectTop resolves every ranked name to its pool image, in ranking order.
func selectTop(ranking ml.Ranking, pool []raster.Image) ([]raster.Image, error) {
	byName := make(map[string]raster.Image, len(pool))
	for _, img := range pool {
		byName[img.Name()] = img
	}

	selected := make([]raster.Image, 0, len(ranking))
	for _, r := range ranking {
		img, ok := byName[r.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPredictor, r.Name)
		}
		selected = append(selected, img)
	}
	return selected, nil
}

func (c *Controller) enter(s State) {
	log.Info().Str("run", c.run.ID).Str("from", c.state.String()).Str("to", s.String()).Msg("State transition")
	c.state = s
	if c.metrics != nil {
		c.metrics.StateEntered(s.String())
	}

	c.run.State = s.String()
	c.run.UpdatedAt = time.Now().UTC()
	if c.ledger != nil {
		if err := c.ledger.SaveRun(c.run); err != nil {
			log.Warn().Err(err).Str("run", c.run.ID).Msg("Failed to record run state")
		}
	}
}

func (c *Controller) record(t trial.Trial, status string) {
	if c.ledger == nil {
		return
	}
	rec := storage.TrialRecord{
		RunID:      c.run.ID,
		TrialID:    t.ID,
		Directory:  t.Directory,
		Predictors: t.PredictorNames(),
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := c.ledger.SaveTrial(rec); err != nil {
		log.Warn().Err(err).Str("trial", t.ID).Msg("Failed to record trial")
	}
}

func rankEntries(r ml.Ranking) []storage.RankEntry {
	entries := make([]storage.RankEntry, len(r))
	for i, c := range r {
		entries[i] = storage.RankEntry{Name: c.Name, Mean: c.Mean}
	}
	return entries
}
