package maxent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"merramax/internal/observation"
	"merramax/internal/raster"
)

// MetricsInterface receives fit timings.
type MetricsInterface interface {
	FitDurationObserve(seconds float64)
	FitFailuresInc()
}

// JarFitter invokes maxent.jar through a Java runtime.
type JarFitter struct {
	javaPath string
	jarPath  string
	memory   string
	metrics  MetricsInterface
}

// JarOption configures a JarFitter.
type JarOption func(*JarFitter)

// WithJava sets the java executable.
func WithJava(path string) JarOption {
	return func(f *JarFitter) {
		f.javaPath = path
	}
}

// WithMemory sets the JVM heap limit, e.g. "2g".
func WithMemory(mem string) JarOption {
	return func(f *JarFitter) {
		f.memory = mem
	}
}

// WithFitMetrics attaches fit metrics.
func WithFitMetrics(m MetricsInterface) JarOption {
	return func(f *JarFitter) {
		f.metrics = m
	}
}

// NewJarFitter creates a fitter for the shared jar at jarPath.
func NewJarFitter(jarPath string, opts ...JarOption) *JarFitter {
	f := &JarFitter{
		javaPath: "java",
		jarPath:  jarPath,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// JarPath returns the shared jar location.
func (f *JarFitter) JarPath() string {
	return f.jarPath
}

// Run fits with the shared jar.
func (f *JarFitter) Run(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir string) error {
	return f.run(ctx, obs, predictors, workDir, f.jarPath)
}

// RunWithArtifact fits with a jar copy private to workDir. The jar writes
// preference files next to itself, so concurrent fits each need their own.
func (f *JarFitter) RunWithArtifact(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir, artifactPath string) error {
	return f.run(ctx, obs, predictors, workDir, artifactPath)
}

// Args builds the MaxEnt command line for one fit.
func (f *JarFitter) Args(obs observation.Observation, predictors []raster.Image, workDir, jar string) []string {
	var args []string
	if f.memory != "" {
		args = append(args, "-Xmx"+f.memory)
	}
	args = append(args,
		"-jar", jar,
		"samplesfile="+obs.Path,
		"environmentallayers="+layersDir(predictors, workDir),
		"outputdirectory="+workDir,
		"autorun",
		"visible=false",
		"warnings=false",
		"tooltips=false",
		"askoverwrite=false",
		"skipifexists=false",
	)
	return args
}

func layersDir(predictors []raster.Image, workDir string) string {
	if len(predictors) == 0 {
		return filepath.Join(workDir, "asc")
	}
	return filepath.Dir(predictors[0].Path)
}

func (f *JarFitter) run(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir, jar string) error {
	if len(predictors) == 0 {
		return &ModelFitError{WorkDir: workDir, Err: errors.New("no predictors staged")}
	}

	cmd := exec.CommandContext(ctx, f.javaPath, f.Args(obs, predictors, workDir, jar)...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("java_path", f.javaPath).
			Str("jar", jar).
			Str("work_dir", workDir).
			Str("stderr", stderr.String()).
			Dur("took", elapsed).
			Bool("context_cancelled", ctx.Err() != nil).
			Msg("MaxEnt execution failed")
		if f.metrics != nil {
			f.metrics.FitFailuresInc()
		}
		return &ModelFitError{WorkDir: workDir, Err: fmt.Errorf("%w, stderr: %s", err, stderr.String())}
	}

	if _, err := os.Stat(filepath.Join(workDir, ResultsFile)); err != nil {
		if f.metrics != nil {
			f.metrics.FitFailuresInc()
		}
		return &ModelFitError{WorkDir: workDir, Err: fmt.Errorf("no %s produced: %w", ResultsFile, err)}
	}

	if f.metrics != nil {
		f.metrics.FitDurationObserve(elapsed.Seconds())
	}

	log.Info().
		Str("work_dir", workDir).
		Int("predictors", len(predictors)).
		Dur("took", elapsed).
		Msg("MaxEnt fit complete")
	return nil
}
