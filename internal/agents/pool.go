package agents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
)

var ErrDuplicateAgent = errors.New("duplicate agent")

// Pool tracks registered agents and which of them are busy. Each agent runs
// one workload at a time. Selection is deterministic by agent id.
type Pool struct {
	mu     sync.Mutex
	agents map[string]Agent
	busy   map[string]bool
}

func NewPool() *Pool {
	return &Pool{agents: make(map[string]Agent), busy: make(map[string]bool)}
}

func (p *Pool) Register(a Agent) error {
	if a == nil {
		return errors.New("agent is required")
	}
	id := strings.TrimSpace(a.ID())
	if id == "" {
		return errors.New("agent id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	p.agents[id] = a
	return nil
}

// Unregister removes an agent. A busy agent finishes its workload first;
// its Release becomes a no-op.
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
	delete(p.busy, id)
}

// Acquire marks and returns the first idle agent whose capabilities satisfy
// every requirement.
func (p *Pool) Acquire(reqs []domain.Predicate) (Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.sortedIDs() {
		if p.busy[id] {
			continue
		}
		a := p.agents[id]
		if domain.EvaluateAll(reqs, a.Capabilities()) {
			p.busy[id] = true
			return a, true
		}
	}
	return nil, false
}

func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[id]; ok {
		p.busy[id] = false
	}
}

// Satisfiable reports whether any registered agent, busy or not, could
// ever run a stage with these requirements.
func (p *Pool) Satisfiable(reqs []domain.Predicate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if domain.EvaluateAll(reqs, a.Capabilities()) {
			return true
		}
	}
	return false
}

func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.agents))
	for _, id := range p.sortedIDs() {
		a := p.agents[id]
		caps := make(map[string]string, len(a.Capabilities()))
		for k, v := range a.Capabilities() {
			caps[k] = v
		}
		out = append(out, Info{ID: id, Kind: a.Kind(), Capabilities: caps, Busy: p.busy[id]})
	}
	return out
}

func (p *Pool) sortedIDs() []string {
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
