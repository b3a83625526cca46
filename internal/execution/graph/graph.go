package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Graph is a DAG of stages joined by tagged edges. Snapshot and
// snapshot_always edges order execution; artifact edges ride on top of an
// existing ordering edge between the same pair.
type Graph struct {
	stages map[string]domain.Stage
	order  []string
	edges  []domain.Edge
	succ   map[string][]string
	pred   map[string][]string
}

func New() *Graph {
	return &Graph{
		stages: make(map[string]domain.Stage),
		succ:   make(map[string][]string),
		pred:   make(map[string][]string),
	}
}

// FromPipeline builds a graph from a pipeline definition. Ordering edges are
// added before artifact edges so declaration order does not matter.
func FromPipeline(p domain.Pipeline) (*Graph, error) {
	g := New()
	for _, stage := range p.Stages {
		if err := g.AddStage(stage); err != nil {
			return nil, err
		}
	}
	for _, edge := range p.Edges {
		if !domain.NormalizeEdgeKind(string(edge.Kind)).Ordering() {
			continue
		}
		if err := g.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	for _, edge := range p.Edges {
		if domain.NormalizeEdgeKind(string(edge.Kind)) != domain.EdgeArtifact {
			continue
		}
		if err := g.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) AddStage(stage domain.Stage) error {
	stage.ID = strings.TrimSpace(stage.ID)
	if err := stage.Validate(); err != nil {
		return err
	}
	if _, exists := g.stages[stage.ID]; exists {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateStage, stage.ID)
	}
	g.stages[stage.ID] = stage
	g.order = append(g.order, stage.ID)
	return nil
}

// AddEdge inserts an edge or fails without touching the graph.
func (g *Graph) AddEdge(edge domain.Edge) error {
	from := strings.TrimSpace(edge.From)
	to := strings.TrimSpace(edge.To)
	kind := domain.NormalizeEdgeKind(string(edge.Kind))
	if from == "" || to == "" {
		return fmt.Errorf("%w: from and to are required", domain.ErrInvalidEdge)
	}
	if kind == "" {
		return fmt.Errorf("%w: kind unsupported: %q", domain.ErrInvalidEdge, edge.Kind)
	}
	if _, ok := g.stages[from]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownStage, from)
	}
	if _, ok := g.stages[to]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownStage, to)
	}
	if from == to {
		return &domain.CycleError{Path: []string{from, to}}
	}
	for _, existing := range g.edges {
		if existing.From == from && existing.To == to && existing.Kind == kind {
			return fmt.Errorf("%w: duplicate %s edge %s -> %s", domain.ErrInvalidEdge, kind, from, to)
		}
	}

	edge.From = from
	edge.To = to
	edge.Kind = kind

	if kind == domain.EdgeArtifact {
		if _, ok := g.orderingKind(from, to); !ok {
			return fmt.Errorf("%w: artifact edge %s -> %s has no snapshot edge", domain.ErrInvalidEdge, from, to)
		}
		if len(edge.Artifacts) == 0 {
			return fmt.Errorf("%w: artifact edge %s -> %s has no rules", domain.ErrInvalidEdge, from, to)
		}
		edge.Artifacts = append([]domain.ArtifactMapping(nil), edge.Artifacts...)
		g.edges = append(g.edges, edge)
		return nil
	}

	if existing, ok := g.orderingKind(from, to); ok {
		return fmt.Errorf("%w: %s -> %s already ordered by a %s edge", domain.ErrInvalidEdge, from, to, existing)
	}
	if path := g.path(to, from); path != nil {
		return &domain.CycleError{Path: append([]string{from}, path...)}
	}
	edge.Artifacts = nil
	g.edges = append(g.edges, edge)
	g.succ[from] = insertSorted(g.succ[from], to)
	g.pred[to] = insertSorted(g.pred[to], from)
	return nil
}

func (g *Graph) orderingKind(from, to string) (domain.EdgeKind, bool) {
	for _, edge := range g.edges {
		if edge.From == from && edge.To == to && edge.Kind.Ordering() {
			return edge.Kind, true
		}
	}
	return "", false
}

// path returns the lexically first shortest ordering path src -> ... -> dst.
func (g *Graph) path(src, dst string) []string {
	parent := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == dst {
			out := []string{dst}
			for cur := dst; cur != src; {
				cur = parent[cur]
				out = append(out, cur)
			}
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
			return out
		}
		for _, next := range g.succ[node] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = node
			queue = append(queue, next)
		}
	}
	return nil
}

func (g *Graph) Stage(id string) (domain.Stage, bool) {
	stage, ok := g.stages[id]
	return stage, ok
}

// Stages returns stages in insertion order.
func (g *Graph) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

func (g *Graph) Edges() []domain.Edge {
	return append([]domain.Edge(nil), g.edges...)
}

// Successors returns the ordering successors of id, sorted.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.succ[id]...)
}

// Predecessors returns the ordering predecessors of id, sorted.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.pred[id]...)
}

// RunsAlways reports whether to runs even when from fails or is skipped.
func (g *Graph) RunsAlways(from, to string) bool {
	kind, ok := g.orderingKind(from, to)
	return ok && kind == domain.EdgeSnapshotAlways
}

// InboundArtifacts returns the artifact edges consumed by id.
func (g *Graph) InboundArtifacts(id string) []domain.Edge {
	out := make([]domain.Edge, 0)
	for _, edge := range g.edges {
		if edge.To == id && edge.Kind == domain.EdgeArtifact {
			out = append(out, edge)
		}
	}
	return out
}

// Closure returns roots plus every transitive ordering predecessor. Empty
// roots select the whole graph.
func (g *Graph) Closure(roots []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(g.stages))
	if len(roots) == 0 {
		for id := range g.stages {
			out[id] = struct{}{}
		}
		return out, nil
	}
	stack := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if _, ok := g.stages[root]; !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStage, root)
		}
		stack = append(stack, root)
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[node]; seen {
			continue
		}
		out[node] = struct{}{}
		stack = append(stack, g.pred[node]...)
	}
	return out, nil
}

// TopologicalPlan groups the closure of roots into layers. Every ordering
// predecessor of a stage sits in a strictly earlier layer; stages within a
// layer are sorted by id.
func (g *Graph) TopologicalPlan(roots []string) ([][]string, error) {
	closure, err := g.Closure(roots)
	if err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(closure))
	for id := range closure {
		inDegree[id] = len(g.pred[id])
	}

	current := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	layers := make([][]string, 0)
	placed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		placed += len(current)
		next := make([]string, 0)
		for _, id := range current {
			for _, succ := range g.succ[id] {
				if _, ok := closure[succ]; !ok {
					continue
				}
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed != len(closure) {
		return nil, fmt.Errorf("%w: graph is not acyclic", domain.ErrCycleDetected)
	}
	return layers, nil
}

// Sinks returns stages without ordering successors, sorted.
func (g *Graph) Sinks() []string {
	out := make([]string, 0)
	for _, id := range g.order {
		if len(g.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func insertSorted(values []string, value string) []string {
	i := sort.SearchStrings(values, value)
	if i < len(values) && values[i] == value {
		return values
	}
	values = append(values, "")
	copy(values[i+1:], values[i:])
	values[i] = value
	return values
}
