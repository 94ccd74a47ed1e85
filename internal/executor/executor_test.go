package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merramax/internal/maxent"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/trial"
)

// stubFitter writes a result table naming every predictor it was given.
type stubFitter struct {
	mu        sync.Mutex
	calls     []string
	artifacts []string
	failOn    string
	delay     time.Duration
}

func (f *stubFitter) Run(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir string) error {
	return f.fit(workDir, predictors, "")
}

func (f *stubFitter) RunWithArtifact(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir, artifactPath string) error {
	return f.fit(workDir, predictors, artifactPath)
}

func (f *stubFitter) fit(workDir string, predictors []raster.Image, artifact string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.calls = append(f.calls, workDir)
	if artifact != "" {
		f.artifacts = append(f.artifacts, artifact)
	}
	f.mu.Unlock()

	if f.failOn != "" && filepath.Base(workDir) == f.failOn {
		return errors.New("model crashed")
	}
	if artifact != "" {
		if _, err := os.Stat(artifact); err != nil {
			return err
		}
	}
	header := "Species"
	row := "fox"
	for _, p := range predictors {
		header += "," + p.Name() + " permutation importance"
		row += ",1"
	}
	return os.WriteFile(filepath.Join(workDir, maxent.ResultsFile), []byte(header+"\n"+row+"\n"), 0o644)
}

// copyPreparer copies each raster into outDir, recording peak concurrency.
type copyPreparer struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (p *copyPreparer) Prepare(ctx context.Context, obs observation.Observation, rasters []raster.Image, outDir string) ([]raster.Image, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	out := make([]raster.Image, 0, len(rasters))
	for _, r := range rasters {
		dst := raster.OutputPath(r, outDir)
		if err := os.WriteFile(dst, []byte(r.Name()), 0o644); err != nil {
			return nil, err
		}
		out = append(out, raster.NewImage(dst))
	}
	return out, nil
}

type countingMetrics struct {
	staged, completed, failed atomic.Int32
	width                     atomic.Int32
}

func (m *countingMetrics) TrialStagedInc()        { m.staged.Add(1) }
func (m *countingMetrics) TrialCompletedInc()     { m.completed.Add(1) }
func (m *countingMetrics) TrialFailedInc()        { m.failed.Add(1) }
func (m *countingMetrics) ActiveFitsAdd(float64)  {}
func (m *countingMetrics) PoolWidthSet(w float64) { m.width.Store(int32(w)) }

type fixture struct {
	obs    observation.Observation
	pool   []raster.Image
	trials string
	jar    string
	outDir string
}

func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	root := t.TempDir()
	asc := filepath.Join(root, "asc")
	trials := filepath.Join(root, "trials")
	require.NoError(t, os.Mkdir(asc, 0o755))
	require.NoError(t, os.Mkdir(trials, 0o755))

	obsPath := filepath.Join(root, "fox.csv")
	require.NoError(t, os.WriteFile(obsPath, []byte("species,lon,lat\nfox,1,2\n"), 0o644))

	jar := filepath.Join(root, maxent.JarName)
	require.NoError(t, os.WriteFile(jar, []byte("jar"), 0o644))

	pool := make([]raster.Image, n)
	for i := range pool {
		p := filepath.Join(asc, fmt.Sprintf("V%d.asc", i))
		require.NoError(t, os.WriteFile(p, []byte("grid"), 0o644))
		pool[i] = raster.NewImage(p)
	}
	return fixture{
		obs:    observation.Observation{Path: obsPath, Species: "fox"},
		pool:   pool,
		trials: trials,
		jar:    jar,
		outDir: root,
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

func TestSequential_RunsTrialsInOrder(t *testing.T) {
	fx := newFixture(t, 4)
	fitter := &stubFitter{}
	m := &countingMetrics{}
	s := NewSequential(trial.NewWorkspace(fx.trials), &copyPreparer{}, fitter, WithMetrics(m))
	defer s.Close()

	var trials []trial.Trial
	for i := 1; i <= 3; i++ {
		tr, err := s.Stage(trial.IDFor(i), fx.obs, fx.pool[:2])
		require.NoError(t, err)
		trials = append(trials, tr)
	}
	require.NoError(t, s.RunTrials(context.Background(), trials))

	require.Len(t, fitter.calls, 3)
	for i, tr := range trials {
		assert.Equal(t, tr.Directory, fitter.calls[i])
		assert.FileExists(t, tr.ResultsPath())
	}
	assert.Empty(t, fitter.artifacts)
	assert.EqualValues(t, 3, m.staged.Load())
	assert.EqualValues(t, 3, m.completed.Load())
}

func TestSequential_StopsAtFirstFailure(t *testing.T) {
	fx := newFixture(t, 2)
	fitter := &stubFitter{failOn: trial.DirName("2")}
	m := &countingMetrics{}
	s := NewSequential(trial.NewWorkspace(fx.trials), &copyPreparer{}, fitter, WithMetrics(m))

	var trials []trial.Trial
	for i := 1; i <= 3; i++ {
		tr, err := s.Stage(trial.IDFor(i), fx.obs, fx.pool)
		require.NoError(t, err)
		trials = append(trials, tr)
	}

	err := s.RunTrials(context.Background(), trials)
	require.Error(t, err)
	assert.ErrorIs(t, err, maxent.ErrModelFit)

	var fitErr *maxent.ModelFitError
	require.ErrorAs(t, err, &fitErr)
	assert.Equal(t, trials[1].Directory, fitErr.WorkDir)
	assert.Len(t, fitter.calls, 2)
	assert.EqualValues(t, 1, m.failed.Load())
}

func TestSequential_PrepareImages(t *testing.T) {
	fx := newFixture(t, 0)
	out := t.TempDir()
	s := NewSequential(trial.NewWorkspace(fx.trials), &copyPreparer{}, &stubFitter{})

	raw := []raster.Image{raster.NewImage("/raw/A.nc"), raster.NewImage("/raw/B.nc")}
	prepared, err := s.PrepareImages(context.Background(), fx.obs, raw, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, raster.Names(prepared))
}

func TestDistributed_StagesArtifactAndRuns(t *testing.T) {
	fx := newFixture(t, 3)
	fitter := &stubFitter{}
	m := &countingMetrics{}
	d, err := NewDistributed(context.Background(), trial.NewWorkspace(fx.trials), &copyPreparer{}, fitter,
		newRedis(t), fx.jar, WithWidth(2), WithQueue("mmx:exec-test"), WithMetrics(m))
	require.NoError(t, err)
	defer d.Close()

	var trials []trial.Trial
	for i := 1; i <= 4; i++ {
		tr, err := d.Stage(trial.IDFor(i), fx.obs, fx.pool[:2])
		require.NoError(t, err)
		assert.FileExists(t, tr.ArtifactPath())
		trials = append(trials, tr)
	}

	require.NoError(t, d.RunTrials(context.Background(), trials))

	fitter.mu.Lock()
	defer fitter.mu.Unlock()
	assert.Len(t, fitter.calls, 4)
	assert.ElementsMatch(t, []string{
		trials[0].ArtifactPath(), trials[1].ArtifactPath(),
		trials[2].ArtifactPath(), trials[3].ArtifactPath(),
	}, fitter.artifacts)
	for _, tr := range trials {
		assert.FileExists(t, tr.ResultsPath())
	}
	assert.EqualValues(t, 2, m.width.Load())
	assert.EqualValues(t, 4, m.completed.Load())
}

func TestDistributed_FailureNamesTrialDirectory(t *testing.T) {
	fx := newFixture(t, 2)
	fitter := &stubFitter{failOn: trial.DirName("3")}
	d, err := NewDistributed(context.Background(), trial.NewWorkspace(fx.trials), &copyPreparer{}, fitter,
		newRedis(t), fx.jar, WithWidth(2))
	require.NoError(t, err)
	defer d.Close()

	var trials []trial.Trial
	for i := 1; i <= 3; i++ {
		tr, err := d.Stage(trial.IDFor(i), fx.obs, fx.pool)
		require.NoError(t, err)
		trials = append(trials, tr)
	}

	err = d.RunTrials(context.Background(), trials)
	require.Error(t, err)

	var fitErr *maxent.ModelFitError
	require.ErrorAs(t, err, &fitErr)
	assert.Equal(t, trials[2].Directory, fitErr.WorkDir)
	assert.Contains(t, err.Error(), "model crashed")
}

func TestDistributed_PrepareImagesKeepsOrder(t *testing.T) {
	fx := newFixture(t, 0)
	prep := &copyPreparer{}
	d, err := NewDistributed(context.Background(), trial.NewWorkspace(fx.trials), prep, &stubFitter{},
		newRedis(t), fx.jar, WithWidth(2))
	require.NoError(t, err)
	defer d.Close()

	var raw []raster.Image
	var want []string
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("R%d", i)
		raw = append(raw, raster.NewImage("/raw/"+name+".nc"))
		want = append(want, name)
	}

	out := t.TempDir()
	prepared, err := d.PrepareImages(context.Background(), fx.obs, raw, out)
	require.NoError(t, err)
	assert.Equal(t, want, raster.Names(prepared))
	assert.LessOrEqual(t, prep.peak.Load(), int32(2))
}

func TestNewDistributed_RequiresArtifact(t *testing.T) {
	fx := newFixture(t, 0)
	_, err := NewDistributed(context.Background(), trial.NewWorkspace(fx.trials), &copyPreparer{}, &stubFitter{},
		newRedis(t), "")
	require.Error(t, err)
}

func TestHandler_FitsWithStagedArtifact(t *testing.T) {
	fitter := &stubFitter{}
	m := &countingMetrics{}
	dir := t.TempDir()
	tr := trial.Trial{ID: "9", Directory: dir}
	require.NoError(t, os.WriteFile(tr.ArtifactPath(), []byte("jar"), 0o644))

	require.NoError(t, Handler(fitter, WithMetrics(m))(context.Background(), tr))
	assert.Equal(t, []string{tr.ArtifactPath()}, fitter.artifacts)
	assert.EqualValues(t, 1, m.completed.Load())
}

func TestDistributed_VersionedJarReachesWorker(t *testing.T) {
	fx := newFixture(t, 2)
	versioned := filepath.Join(filepath.Dir(fx.jar), "maxent-3.4.4.jar")
	require.NoError(t, os.Rename(fx.jar, versioned))

	fitter := &stubFitter{}
	d, err := NewDistributed(context.Background(), trial.NewWorkspace(fx.trials), &copyPreparer{}, fitter,
		newRedis(t), versioned, WithWidth(1))
	require.NoError(t, err)
	defer d.Close()

	tr, err := d.Stage("1", fx.obs, fx.pool)
	require.NoError(t, err)
	require.NoError(t, d.RunTrials(context.Background(), []trial.Trial{tr}))

	fitter.mu.Lock()
	defer fitter.mu.Unlock()
	require.Equal(t, []string{tr.ArtifactPath()}, fitter.artifacts)
	assert.FileExists(t, fitter.artifacts[0])
}
