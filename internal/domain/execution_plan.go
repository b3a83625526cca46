package domain

// ExecutionPlan is the deterministic layering of a run's reachable stages.
type ExecutionPlan struct {
	RunID      string
	PipelineID string
	Roots      []string
	Layers     [][]string
	Stages     []ExecutionPlanStage
	Edges      []ExecutionPlanEdge
}

type ExecutionPlanStage struct {
	ID            string
	Kind          StageKind
	Layer         int
	MaxAttempts   int
	IgnoreFailure bool
}

type ExecutionPlanEdge struct {
	From string
	To   string
	Kind EdgeKind
}

// Stage returns the planned stage by id.
func (p ExecutionPlan) Stage(id string) (ExecutionPlanStage, bool) {
	for _, stage := range p.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return ExecutionPlanStage{}, false
}

// StageIDs returns stage ids in plan order.
func (p ExecutionPlan) StageIDs() []string {
	out := make([]string, 0, len(p.Stages))
	for _, layer := range p.Layers {
		out = append(out, layer...)
	}
	return out
}
