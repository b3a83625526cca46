package domain

import (
	"strings"
	"time"
)

// StageState is the per-stage status within a run.
type StageState string

const (
	StageStatePending   StageState = "pending"
	StageStateBlocked   StageState = "blocked"
	StageStateReady     StageState = "ready"
	StageStateRunning   StageState = "running"
	StageStateSucceeded StageState = "succeeded"
	StageStateFailed    StageState = "failed"
	StageStateSkipped   StageState = "skipped"
)

func (s StageState) Terminal() bool {
	switch s {
	case StageStateSucceeded, StageStateFailed, StageStateSkipped:
		return true
	default:
		return false
	}
}

// NormalizeStageState maps free-form status values to canonical stage states.
func NormalizeStageState(value string) StageState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StageStatePending):
		return StageStatePending
	case string(StageStateBlocked):
		return StageStateBlocked
	case string(StageStateReady):
		return StageStateReady
	case string(StageStateRunning):
		return StageStateRunning
	case string(StageStateSucceeded), "success":
		return StageStateSucceeded
	case string(StageStateFailed), "failure":
		return StageStateFailed
	case string(StageStateSkipped):
		return StageStateSkipped
	default:
		return ""
	}
}

// RunState is the global status derived from stage states.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCancelled
}

// ExitCode maps terminal run states to process exit codes.
func (s RunState) ExitCode() (int, bool) {
	switch s {
	case RunStateSucceeded:
		return 0, true
	case RunStateFailed:
		return 1, true
	case RunStateCancelled:
		return 2, true
	default:
		return 0, false
	}
}

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	case string(RunStateCancelled), "canceled":
		return RunStateCancelled
	default:
		return ""
	}
}

// Stage status reasons.
const (
	ReasonConditionNotMet         = "condition_not_met"
	ReasonDependencyFailed        = "dependency_failed"
	ReasonCancelled               = "cancelled"
	ReasonConcurrencyDenied       = "concurrency_denied"
	ReasonAwaitingAgent           = "awaiting_agent"
	ReasonCapabilityUnsatisfiable = "capability_unsatisfiable"
	ReasonPublishIncomplete       = "publish_incomplete"
	ReasonExecutionFailed         = "execution_failed"
	ReasonFailureIgnored          = "failure_ignored"
	ReasonRetrying                = "retrying"
)

// IntentionalSkip reports whether a skipped stage counts toward success.
func IntentionalSkip(reason string) bool {
	return reason == ReasonConditionNotMet
}

type StageStatus struct {
	StageID    string       `json:"stageId"`
	State      StageState   `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	Message    string       `json:"message,omitempty"`
	Attempts   int          `json:"attempts"`
	AgentID    string       `json:"agentId,omitempty"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Manifest   *ManifestRef `json:"manifest,omitempty"`
}

type RunStatus struct {
	RunID      string            `json:"runId"`
	PipelineID string            `json:"pipelineId"`
	Revision   string            `json:"revision"`
	Trigger    string            `json:"trigger,omitempty"`
	State      RunState          `json:"state"`
	Roots      []string          `json:"roots"`
	Params     map[string]string `json:"params,omitempty"`
	Stages     []StageStatus     `json:"stages"`
	CreatedAt  time.Time         `json:"createdAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

// Stage returns the status of one stage.
func (r RunStatus) Stage(id string) (StageStatus, bool) {
	for _, stage := range r.Stages {
		if stage.StageID == id {
			return stage, true
		}
	}
	return StageStatus{}, false
}

// StageOutcome is what an agent reports when a stage attempt ends.
type StageOutcome struct {
	Succeeded bool
	Reason    string
	Message   string
	ExitCode  int
	Manifest  *ManifestRef
}
