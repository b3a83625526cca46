package plan

import (
	"encoding/json"

	"github.com/animus-labs/conveyor/internal/domain"
)

// MarshalExecutionPlan serializes an execution plan with stable field names.
func MarshalExecutionPlan(plan domain.ExecutionPlan) ([]byte, error) {
	payload := executionPlanPayload{
		RunID:      plan.RunID,
		PipelineID: plan.PipelineID,
		Roots:      plan.Roots,
		Layers:     plan.Layers,
		Stages:     make([]executionPlanStagePayload, 0, len(plan.Stages)),
		Edges:      make([]executionPlanEdgePayload, 0, len(plan.Edges)),
	}
	if payload.Roots == nil {
		payload.Roots = []string{}
	}
	if payload.Layers == nil {
		payload.Layers = [][]string{}
	}
	for _, stage := range plan.Stages {
		payload.Stages = append(payload.Stages, executionPlanStagePayload{
			ID:            stage.ID,
			Kind:          string(stage.Kind),
			Layer:         stage.Layer,
			MaxAttempts:   stage.MaxAttempts,
			IgnoreFailure: stage.IgnoreFailure,
		})
	}
	for _, edge := range plan.Edges {
		payload.Edges = append(payload.Edges, executionPlanEdgePayload{
			From: edge.From,
			To:   edge.To,
			Kind: string(edge.Kind),
		})
	}
	return json.Marshal(payload)
}

// UnmarshalExecutionPlan parses a persisted plan JSON into a domain ExecutionPlan.
func UnmarshalExecutionPlan(raw []byte) (domain.ExecutionPlan, error) {
	var payload executionPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ExecutionPlan{}, err
	}
	stages := make([]domain.ExecutionPlanStage, 0, len(payload.Stages))
	for _, stage := range payload.Stages {
		stages = append(stages, domain.ExecutionPlanStage{
			ID:            stage.ID,
			Kind:          domain.NormalizeStageKind(stage.Kind),
			Layer:         stage.Layer,
			MaxAttempts:   stage.MaxAttempts,
			IgnoreFailure: stage.IgnoreFailure,
		})
	}
	edges := make([]domain.ExecutionPlanEdge, 0, len(payload.Edges))
	for _, edge := range payload.Edges {
		edges = append(edges, domain.ExecutionPlanEdge{
			From: edge.From,
			To:   edge.To,
			Kind: domain.NormalizeEdgeKind(edge.Kind),
		})
	}
	return domain.ExecutionPlan{
		RunID:      payload.RunID,
		PipelineID: payload.PipelineID,
		Roots:      payload.Roots,
		Layers:     payload.Layers,
		Stages:     stages,
		Edges:      edges,
	}, nil
}

type executionPlanPayload struct {
	RunID      string                      `json:"runId"`
	PipelineID string                      `json:"pipelineId"`
	Roots      []string                    `json:"roots"`
	Layers     [][]string                  `json:"layers"`
	Stages     []executionPlanStagePayload `json:"stages"`
	Edges      []executionPlanEdgePayload  `json:"edges"`
}

type executionPlanStagePayload struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Layer         int    `json:"layer"`
	MaxAttempts   int    `json:"maxAttempts"`
	IgnoreFailure bool   `json:"ignoreFailure,omitempty"`
}

type executionPlanEdgePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}
