package ensemble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"merramax/internal/cfg"
	"merramax/internal/observation"
	"merramax/internal/trial"
)

// Output tree below the run's output directory.
const (
	MerraDir  = "merra"
	AscDir    = "asc"
	TrialsDir = "trials"
)

// Config holds the inputs of one ensemble run.
type Config struct {
	Observation        observation.Observation
	Start              time.Time
	End                time.Time
	Collection         string
	Variables          []string
	Operation          string
	Trials             int
	PredictorsPerTrial int
	TopK               int
	OutputDir          string
}

// Validate checks the run inputs without touching the file system beyond
// inspecting the output directory.
func (c Config) Validate() error {
	if c.Trials < 1 {
		return &cfg.ConfigurationError{Field: "trials", Reason: fmt.Sprintf("must be at least 1, got %d", c.Trials)}
	}
	if c.PredictorsPerTrial < 1 {
		return &cfg.ConfigurationError{Field: "predictorsPerTrial", Reason: fmt.Sprintf("must be at least 1, got %d", c.PredictorsPerTrial)}
	}
	if c.TopK < 1 {
		return &cfg.ConfigurationError{Field: "topK", Reason: fmt.Sprintf("must be at least 1, got %d", c.TopK)}
	}
	if c.Observation.Path == "" {
		return &cfg.ConfigurationError{Field: "observation", Reason: "no observation file"}
	}
	if c.OutputDir == "" {
		return &cfg.ConfigurationError{Field: "outputDir", Reason: "must not be empty"}
	}

	info, err := os.Stat(c.OutputDir)
	if err != nil {
		return &cfg.ConfigurationError{Field: "outputDir", Reason: err.Error()}
	}
	if !info.IsDir() {
		return &cfg.ConfigurationError{Field: "outputDir", Reason: c.OutputDir + " is not a directory"}
	}
	return nil
}

// Layout is the bootstrapped output tree of a run.
type Layout struct {
	OutputDir string
	MerraDir  string
	AscDir    string
	TrialsDir string
}

// Bootstrap validates c and creates the output tree. Nothing is created when
// validation fails.
func Bootstrap(c Config) (Layout, error) {
	if err := c.Validate(); err != nil {
		return Layout{}, err
	}

	l := Layout{
		OutputDir: c.OutputDir,
		MerraDir:  filepath.Join(c.OutputDir, MerraDir),
		AscDir:    filepath.Join(c.OutputDir, AscDir),
		TrialsDir: filepath.Join(c.OutputDir, TrialsDir),
	}
	for _, dir := range []string{l.MerraDir, l.AscDir, l.TrialsDir} {
		if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return Layout{}, &trial.WorkspaceError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return l, nil
}
