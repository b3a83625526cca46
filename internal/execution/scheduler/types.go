package scheduler

import (
	"errors"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
)

var (
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished accompanies the archived status when cancelling a run
	// that already reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// StartRequest materializes a pipeline into a run.
type StartRequest struct {
	RunID    string
	Pipeline domain.Pipeline
	Roots    []string
	Revision string
	Params   map[string]string
	Trigger  string
}

// Assignment is everything a dispatcher needs to execute one attempt.
// Agent is nil for stages that run without one.
type Assignment struct {
	RunID    string
	StageID  string
	Attempt  int
	Revision string
	Stage    domain.Stage
	Steps    []domain.Step
	Params   map[string]string
	Agent    agents.Agent
	Inputs   []Input
}

// Input is one artifact edge whose producer published a manifest.
type Input struct {
	Edge     domain.Edge
	Manifest domain.ManifestRef
}

// Completion reports the outcome of a dispatched attempt.
type Completion func(handle string, outcome domain.StageOutcome)

// Dispatcher runs attempts asynchronously. Dispatch must eventually call
// done exactly once. Cancel is fire-and-forget.
type Dispatcher interface {
	Dispatch(handle string, a Assignment, done Completion)
	Cancel(handle string)
}

type EventKind string

const (
	EventRunStarted   EventKind = "run_started"
	EventStageChanged EventKind = "stage_changed"
	EventRunFinished  EventKind = "run_finished"
)

// Event carries a run snapshot taken under the scheduler lock. Version
// increases per run, so consumers can drop stale deliveries. Plan is set
// on EventRunStarted only.
type Event struct {
	Kind    EventKind
	Version int64
	Run     domain.RunStatus
	Stage   *domain.StageStatus
	Plan    *domain.ExecutionPlan
	At      time.Time
}

// Observer receives events after the scheduler lock is released.
type Observer func(Event)

type Config struct {
	CapabilityTimeout time.Duration
	ArchiveLimit      int
	Now               func() time.Time
	NewID             func() string
}
