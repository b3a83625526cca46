package plan

import (
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/graph"
	"github.com/animus-labs/conveyor/internal/execution/specvalidator"
)

// BuildPlan generates a deterministic execution plan for the closure of roots.
func BuildPlan(p domain.Pipeline, runID string, roots []string) (domain.ExecutionPlan, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ExecutionPlan{}, fmt.Errorf("run id is required")
	}
	if err := specvalidator.ValidatePipeline(p); err != nil {
		return domain.ExecutionPlan{}, err
	}
	g, err := graph.FromPipeline(p)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return FromGraph(g, p.ID, runID, roots)
}

// FromGraph plans an already constructed graph.
func FromGraph(g *graph.Graph, pipelineID, runID string, roots []string) (domain.ExecutionPlan, error) {
	layers, err := g.TopologicalPlan(roots)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	stages := make([]domain.ExecutionPlanStage, 0)
	planned := make(map[string]struct{})
	for idx, layer := range layers {
		for _, id := range layer {
			stage, _ := g.Stage(id)
			stages = append(stages, domain.ExecutionPlanStage{
				ID:            id,
				Kind:          stage.Kind,
				Layer:         idx,
				MaxAttempts:   stage.MaxAttempts(),
				IgnoreFailure: stage.IgnoreFailure,
			})
			planned[id] = struct{}{}
		}
	}

	edges := make([]domain.ExecutionPlanEdge, 0)
	for _, edge := range g.Edges() {
		if !edge.Kind.Ordering() {
			continue
		}
		if _, ok := planned[edge.To]; !ok {
			continue
		}
		edges = append(edges, domain.ExecutionPlanEdge{
			From: edge.From,
			To:   edge.To,
			Kind: edge.Kind,
		})
	}

	return domain.ExecutionPlan{
		RunID:      runID,
		PipelineID: pipelineID,
		Roots:      append([]string(nil), roots...),
		Layers:     layers,
		Stages:     stages,
		Edges:      edges,
	}, nil
}
