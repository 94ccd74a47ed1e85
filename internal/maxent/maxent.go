// Package maxent runs the MaxEnt species-distribution model as an external
// Java process and checks that it produced its result table.
package maxent

import (
	"context"
	"errors"
	"fmt"

	"merramax/internal/observation"
	"merramax/internal/raster"
)

// ResultsFile is the name of the table MaxEnt writes into its output directory.
const ResultsFile = "maxentResults.csv"

// JarName is the base name used when the jar is staged into a workspace.
const JarName = "maxent.jar"

// ErrModelFit marks model-fitting failures.
var ErrModelFit = errors.New("model fit failed")

// ModelFitError reports a failed fit in one workspace.
type ModelFitError struct {
	WorkDir string
	Err     error
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("%s in %s: %v", ErrModelFit.Error(), e.WorkDir, e.Err)
}

func (e *ModelFitError) Unwrap() []error { return []error{ErrModelFit, e.Err} }

// Fitter fits a model on an observation table and a set of predictor layers
// and writes ResultsFile into workDir.
type Fitter interface {
	Run(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir string) error
	RunWithArtifact(ctx context.Context, obs observation.Observation, predictors []raster.Image, workDir, artifactPath string) error
}
