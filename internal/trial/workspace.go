package trial

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"merramax/internal/observation"
	"merramax/internal/raster"
)

// Workspace stages trials under one parent directory.
type Workspace struct {
	parentDir string
}

// NewWorkspace creates a workspace manager rooted at parentDir.
func NewWorkspace(parentDir string) *Workspace {
	return &Workspace{parentDir: parentDir}
}

// ParentDir returns the directory holding the trial-* directories.
func (w *Workspace) ParentDir() string {
	return w.parentDir
}

// Stage creates the trial directory and copies the observation table and
// the predictors into it. Resources already present by name are left
// untouched, so staging the same trial twice is a no-op.
func (w *Workspace) Stage(id string, obs observation.Observation, predictors []raster.Image) (Trial, error) {
	return Stage(id, obs, predictors, w.parentDir)
}

// Stage is the directory-explicit form of Workspace.Stage.
func Stage(id string, obs observation.Observation, predictors []raster.Image, parentDir string) (Trial, error) {
	dir := filepath.Join(parentDir, DirName(id))
	if err := ensureDir(dir); err != nil {
		return Trial{}, err
	}

	stagedObs := obs.WithPath(filepath.Join(dir, obs.BaseName()))
	if err := copyIfAbsent(obs.Path, stagedObs.Path); err != nil {
		return Trial{}, err
	}

	ascDir := filepath.Join(dir, AscDir)
	if err := ensureDir(ascDir); err != nil {
		return Trial{}, err
	}

	staged := make([]raster.Image, len(predictors))
	for i, img := range predictors {
		dst := filepath.Join(ascDir, img.BaseName())
		if err := copyIfAbsent(img.Path, dst); err != nil {
			return Trial{}, err
		}
		staged[i] = raster.NewImage(dst)
	}

	log.Debug().
		Str("trial", id).
		Str("dir", dir).
		Int("predictors", len(staged)).
		Msg("Trial staged")

	return Trial{
		ID:          id,
		Directory:   dir,
		Observation: stagedObs,
		Predictors:  staged,
	}, nil
}

// StageArtifact copies the model jar into the trial directory as
// ArtifactPath, whatever the source file is called, unless it is already there.
func StageArtifact(t Trial, artifactPath string) (string, error) {
	dst := t.ArtifactPath()
	if err := copyIfAbsent(artifactPath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func ensureDir(dir string) error {
	err := os.Mkdir(dir, 0o755)
	if err == nil || errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(dir)
		if statErr != nil {
			return &WorkspaceError{Op: "stat", Path: dir, Err: statErr}
		}
		if !info.IsDir() {
			return &WorkspaceError{Op: "mkdir", Path: dir, Err: fmt.Errorf("not a directory")}
		}
		return nil
	}
	return &WorkspaceError{Op: "mkdir", Path: dir, Err: err}
}

// copyIfAbsent copies src to dst with O_EXCL, so an existing dst is never
// overwritten. A partially written dst is removed.
func copyIfAbsent(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return &WorkspaceError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return &WorkspaceError{Op: "create", Path: dst, Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return &WorkspaceError{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return &WorkspaceError{Op: "close", Path: dst, Err: err}
	}
	return nil
}
