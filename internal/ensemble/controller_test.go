package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merramax/internal/cfg"
	"merramax/internal/climate"
	"merramax/internal/executor"
	"merramax/internal/maxent"
	"merramax/internal/ml"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/storage"
	"merramax/internal/trial"
)

// fakeClimate writes n empty rasters named P00..P<n-1> into the cache dir.
type fakeClimate struct {
	n     int
	calls int
}

func (f *fakeClimate) Fetch(ctx context.Context, req climate.Request, cacheDir string) ([]string, error) {
	f.calls++
	paths := make([]string, f.n)
	for i := range paths {
		paths[i] = filepath.Join(cacheDir, fmt.Sprintf("P%02d.nc", i))
		if err := os.WriteFile(paths[i], nil, 0o644); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

type touchPreparer struct{}

func (touchPreparer) Prepare(ctx context.Context, obs observation.Observation, rasters []raster.Image, outDir string) ([]raster.Image, error) {
	out := make([]raster.Image, len(rasters))
	for i, r := range rasters {
		dst := raster.OutputPath(r, outDir)
		if err := os.WriteFile(dst, []byte(r.Name()), 0o644); err != nil {
			return nil, err
		}
		out[i] = raster.NewImage(dst)
	}
	return out, nil
}

// scoreFitter scores each predictor by the number in its name, so a
// higher-numbered predictor always ranks first.
type scoreFitter struct {
	mu        sync.Mutex
	fail      string
	runs      []string
	artifacts []string
}

func (f *scoreFitter) Run(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir string) error {
	f.mu.Lock()
	f.runs = append(f.runs, filepath.Base(workDir))
	f.mu.Unlock()
	if filepath.Base(workDir) == f.fail {
		return errors.New("java exited 1")
	}

	header := []string{"Species"}
	row := []string{obs.Species}
	for _, p := range predictors {
		n, err := strconv.Atoi(strings.TrimPrefix(p.Name(), "P"))
		if err != nil {
			return err
		}
		header = append(header, p.Name()+" permutation importance")
		row = append(row, strconv.Itoa(n))
	}
	table := strings.Join(header, ",") + "\n" + strings.Join(row, ",") + "\n"
	return os.WriteFile(filepath.Join(workDir, maxent.ResultsFile), []byte(table), 0o644)
}

func (f *scoreFitter) RunWithArtifact(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir, artifactPath string) error {
	if _, err := os.Stat(artifactPath); err != nil {
		return err
	}
	f.mu.Lock()
	f.artifacts = append(f.artifacts, artifactPath)
	f.mu.Unlock()
	return f.Run(ctx, obs, predictors, workDir)
}

type stateMetrics struct {
	states []string
	ranked float64
}

func (m *stateMetrics) StateEntered(state string)     { m.states = append(m.states, state) }
func (m *stateMetrics) RankedPredictorsSet(n float64) { m.ranked = n }

func runConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	obsPath := filepath.Join(dir, "fox.csv")
	require.NoError(t, os.WriteFile(obsPath, []byte("species,lon,lat\nfox,10,50\nfox,11,51\n"), 0o644))

	return Config{
		Observation:        observation.Observation{Path: obsPath, Species: "fox", Envelope: observation.Envelope{MinX: 10, MinY: 50, MaxX: 11, MaxY: 51}},
		Start:              time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:                time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
		Collection:         "M2TMNXSLV",
		Variables:          []string{"T2M"},
		Operation:          "avg",
		Trials:             3,
		PredictorsPerTrial: 10,
		TopK:               10,
		OutputDir:          t.TempDir(),
	}
}

func newController(t *testing.T, c Config, svc climate.Service, fitter maxent.Fitter, opts ...Option) *Controller {
	t.Helper()
	layout, err := Bootstrap(c)
	require.NoError(t, err)

	strategy := executor.NewSequential(trial.NewWorkspace(layout.TrialsDir), touchPreparer{}, fitter)
	t.Cleanup(func() { strategy.Close() })

	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(c, layout, svc, strategy, fitter, opts...)
}

func TestController_EndToEnd(t *testing.T) {
	c := runConfig(t)
	fitter := &scoreFitter{}
	m := &stateMetrics{}

	store, err := storage.New(c.OutputDir)
	require.NoError(t, err)
	defer store.Close()

	ctl := newController(t, c, &fakeClimate{n: 20}, fitter, WithMetrics(m), WithLedger(store))
	res, err := ctl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Done, ctl.State())
	assert.Equal(t, []string{
		"fetching", "preparing", "planning", "staging", "executing",
		"aggregating", "selecting_top", "retraining_final", "done",
	}, m.states)

	for _, id := range []string{"1", "2", "3", trial.FinalID} {
		assert.DirExists(t, filepath.Join(c.OutputDir, TrialsDir, trial.DirName(id)))
	}
	assert.Equal(t, filepath.Join(c.OutputDir, TrialsDir, "trial-final"), res.FinalDir)
	assert.Len(t, res.Trials, 3)
	assert.Equal(t, []string{"trial-1", "trial-2", "trial-3", "trial-final"}, fitter.runs)

	distinct := map[string]bool{}
	for _, tr := range res.Trials {
		for _, name := range tr.PredictorNames() {
			distinct[name] = true
		}
	}
	want := min(10, len(distinct))
	require.Len(t, res.Ranking, want)
	assert.EqualValues(t, want, m.ranked)

	staged, err := os.ReadDir(filepath.Join(res.FinalDir, trial.AscDir))
	require.NoError(t, err)
	assert.Len(t, staged, want)
	assert.FileExists(t, filepath.Join(res.FinalDir, "fox.csv"))
	assert.FileExists(t, filepath.Join(res.FinalDir, maxent.ResultsFile))

	for i := 1; i < len(res.Ranking); i++ {
		assert.GreaterOrEqual(t, res.Ranking[i-1].Mean, res.Ranking[i].Mean)
	}

	run, err := store.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.State)
	assert.Equal(t, res.FinalDir, run.FinalDir)
	assert.Len(t, run.Ranking, want)

	trials, err := store.GetTrials(res.RunID)
	require.NoError(t, err)
	assert.Len(t, trials, 4)
	for _, rec := range trials {
		assert.Equal(t, "completed", rec.Status)
	}
}

func newRedis(t *testing.T) *backend.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestController_EndToEndDistributed(t *testing.T) {
	c := runConfig(t)
	fitter := &scoreFitter{}
	m := &stateMetrics{}

	jar := filepath.Join(t.TempDir(), "maxent-3.4.4.jar")
	require.NoError(t, os.WriteFile(jar, []byte("jar"), 0o644))

	layout, err := Bootstrap(c)
	require.NoError(t, err)
	strategy, err := executor.NewDistributed(context.Background(), trial.NewWorkspace(layout.TrialsDir), touchPreparer{}, fitter,
		newRedis(t), jar, executor.WithWidth(2), executor.WithQueue("mmx:ensemble-test"))
	require.NoError(t, err)
	defer strategy.Close()

	ctl := New(c, layout, &fakeClimate{n: 20}, strategy, fitter,
		WithRand(rand.New(rand.NewPCG(3, 4))), WithMetrics(m))
	res, err := ctl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, ctl.State())

	fitter.mu.Lock()
	defer fitter.mu.Unlock()
	assert.ElementsMatch(t, []string{"trial-1", "trial-2", "trial-3", "trial-final"}, fitter.runs)
	assert.Equal(t, "trial-final", fitter.runs[len(fitter.runs)-1])
	assert.ElementsMatch(t, []string{
		res.Trials[0].ArtifactPath(), res.Trials[1].ArtifactPath(), res.Trials[2].ArtifactPath(),
	}, fitter.artifacts)

	for _, id := range []string{"1", "2", "3", trial.FinalID} {
		dir := filepath.Join(layout.TrialsDir, trial.DirName(id))
		assert.FileExists(t, filepath.Join(dir, maxent.JarName))
		assert.FileExists(t, filepath.Join(dir, maxent.ResultsFile))
	}

	distinct := map[string]bool{}
	for _, tr := range res.Trials {
		for _, name := range tr.PredictorNames() {
			distinct[name] = true
		}
	}
	want := min(10, len(distinct))
	require.Len(t, res.Ranking, want)
	staged, err := os.ReadDir(filepath.Join(res.FinalDir, trial.AscDir))
	require.NoError(t, err)
	assert.Len(t, staged, want)
}

func TestController_InsufficientPool(t *testing.T) {
	c := runConfig(t)
	fitter := &scoreFitter{}
	ctl := newController(t, c, &fakeClimate{n: 10}, fitter)

	_, err := ctl.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, trial.ErrInsufficientPool)
	assert.Equal(t, Failed, ctl.State())
	assert.Empty(t, fitter.runs)

	entries, err := os.ReadDir(filepath.Join(c.OutputDir, TrialsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestController_TrialFailureIsFatal(t *testing.T) {
	c := runConfig(t)
	fitter := &scoreFitter{fail: "trial-2"}
	ctl := newController(t, c, &fakeClimate{n: 20}, fitter)

	_, err := ctl.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, maxent.ErrModelFit)
	assert.Equal(t, Failed, ctl.State())
	assert.Equal(t, []string{"trial-1", "trial-2"}, fitter.runs)
	assert.NoDirExists(t, filepath.Join(c.OutputDir, TrialsDir, "trial-final"))
}

func TestController_FinalFitFailure(t *testing.T) {
	c := runConfig(t)
	fitter := &scoreFitter{fail: "trial-final"}
	ctl := newController(t, c, &fakeClimate{n: 20}, fitter)

	_, err := ctl.Run(context.Background())
	var fitErr *maxent.ModelFitError
	require.ErrorAs(t, err, &fitErr)
	assert.Equal(t, filepath.Join(c.OutputDir, TrialsDir, "trial-final"), fitErr.WorkDir)
}

func TestController_RunsOnce(t *testing.T) {
	c := runConfig(t)
	svc := &fakeClimate{n: 20}
	ctl := newController(t, c, svc, &scoreFitter{})

	_, err := ctl.Run(context.Background())
	require.NoError(t, err)
	_, err = ctl.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, svc.calls)
}

func TestBootstrap_ConfigurationError(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"missing output dir", func(c *Config) { c.OutputDir = filepath.Join(base, "missing") }},
		{"output dir is a file", func(c *Config) { c.OutputDir = file }},
		{"zero trials", func(c *Config) { c.Trials = 0; c.OutputDir = base }},
		{"no observation", func(c *Config) { c.Observation = observation.Observation{}; c.OutputDir = base }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := runConfig(t)
			tt.modify(&c)

			_, err := Bootstrap(c)
			require.Error(t, err)
			assert.ErrorIs(t, err, cfg.ErrConfiguration)
			assert.NoDirExists(t, filepath.Join(base, MerraDir))
			assert.NoDirExists(t, filepath.Join(base, TrialsDir))
		})
	}
}

func TestBootstrap_CreatesTree(t *testing.T) {
	c := runConfig(t)

	layout, err := Bootstrap(c)
	require.NoError(t, err)
	assert.DirExists(t, layout.MerraDir)
	assert.DirExists(t, layout.AscDir)
	assert.DirExists(t, layout.TrialsDir)

	_, err = Bootstrap(c)
	assert.NoError(t, err)
}

func TestSelectTop(t *testing.T) {
	pool := raster.FromPaths([]string{"/asc/A.asc", "/asc/B.asc", "/asc/C.asc"})

	selected, err := selectTop(ml.Ranking{{Name: "C"}, {Name: "A"}}, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, raster.Names(selected))

	_, err = selectTop(ml.Ranking{{Name: "Z"}}, pool)
	assert.ErrorIs(t, err, ErrUnknownPredictor)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "selecting_top", SelectingTop.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Done.Terminal())
	assert.False(t, Executing.Terminal())
}
