package agents

import (
	"context"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Agent executes stage workloads. Capabilities are the key/value facts
// stage requirements are evaluated against.
type Agent interface {
	ID() string
	Kind() string
	Capabilities() map[string]string
	Execute(ctx context.Context, w Workload) (Result, error)
}

// Workload is one stage attempt. Dir is the prepared workspace holding
// fetched inputs; outputs are collected from it afterwards.
type Workload struct {
	RunID     string                   `json:"runId"`
	StageID   string                   `json:"stageId"`
	Attempt   int                      `json:"attempt"`
	Revision  string                   `json:"revision,omitempty"`
	Steps     []domain.Step            `json:"steps"`
	Params    map[string]string        `json:"params,omitempty"`
	Env       map[string]string        `json:"env,omitempty"`
	Artifacts []domain.ArtifactPattern `json:"artifacts,omitempty"`
	Dir       string                   `json:"-"`
}

// Result reports how the steps ended. A non-zero ExitCode is a stage
// failure; an error from Execute is an agent or transport failure.
type Result struct {
	ExitCode int          `json:"exitCode"`
	Output   string       `json:"output,omitempty"`
	Steps    []StepResult `json:"steps,omitempty"`
}

type StepResult struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// Info is a point-in-time view of a registered agent.
type Info struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Capabilities map[string]string `json:"capabilities"`
	Busy         bool              `json:"busy"`
}
