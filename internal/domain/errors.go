package domain

import (
	"errors"
	"strings"
)

var (
	ErrCycleDetected           = errors.New("cycle detected")
	ErrCapabilityUnsatisfiable = errors.New("capability unsatisfiable")
	ErrStageExecutionFailed    = errors.New("stage execution failed")
	ErrPublishIncomplete       = errors.New("publish incomplete")
	ErrPipelineCancelled       = errors.New("pipeline cancelled")

	ErrDuplicateStage = errors.New("duplicate stage")
	ErrUnknownStage   = errors.New("unknown stage")
	ErrInvalidEdge    = errors.New("invalid edge")
)

// CycleError names the path an offending edge would close.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
