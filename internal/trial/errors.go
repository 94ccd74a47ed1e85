package trial

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientPool = errors.New("insufficient predictor pool")
	ErrWorkspace        = errors.New("workspace error")
)

// InsufficientPoolError is returned when the pool cannot fill one trial
// with distinct predictors.
type InsufficientPoolError struct {
	PoolSize           int
	PredictorsPerTrial int
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("there are %d images and %d predictors required for each trial; "+
		"this is insufficient to generate random sets of predictors for the trials, "+
		"consider broadening the image request", e.PoolSize, e.PredictorsPerTrial)
}

func (e *InsufficientPoolError) Unwrap() error { return ErrInsufficientPool }

// WorkspaceError wraps a directory creation or copy failure.
type WorkspaceError struct {
	Op   string
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrWorkspace.Error(), e.Op, e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() []error { return []error{ErrWorkspace, e.Err} }
