// Package trial plans random predictor subsets and stages each one into an
// isolated workspace directory.
//
// A Trial is a plain value: only paths and identifiers, so it can be encoded
// as JSON and handed to a worker in another process.
package trial

import (
	"path/filepath"
	"strconv"

	"merramax/internal/maxent"
	"merramax/internal/observation"
	"merramax/internal/raster"
)

// FinalID is the reserved identifier of the retraining trial.
const FinalID = "final"

// AscDir is the sub-directory holding a trial's staged predictors.
const AscDir = "asc"

// Trial is one staged model-fitting attempt.
type Trial struct {
	ID          string                  `json:"id"`
	Directory   string                  `json:"directory"`
	Observation observation.Observation `json:"observation"`
	Predictors  []raster.Image          `json:"predictors"`
}

// IDFor returns the identifier of the n-th planned trial (1-based).
func IDFor(n int) string {
	return strconv.Itoa(n)
}

// DirName returns the workspace directory name for a trial identifier.
func DirName(id string) string {
	return "trial-" + id
}

// IsFinal reports whether this is the retraining trial.
func (t Trial) IsFinal() bool {
	return t.ID == FinalID
}

// ResultsPath is where the model writes this trial's result table.
func (t Trial) ResultsPath() string {
	return filepath.Join(t.Directory, maxent.ResultsFile)
}

// ArtifactPath is where a private model jar is staged for this trial.
func (t Trial) ArtifactPath() string {
	return filepath.Join(t.Directory, maxent.JarName)
}

// PredictorNames returns the names of the staged predictors in order.
func (t Trial) PredictorNames() []string {
	return raster.Names(t.Predictors)
}
