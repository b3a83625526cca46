package runtimeexec

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
)

// DryRunAgent executes nothing. It writes a placeholder file for each
// declared artifact pattern and fails a deterministic share of attempts,
// which makes whole-pipeline simulations reproducible.
type DryRunAgent struct {
	id          string
	caps        map[string]string
	failureRate float64
	delay       time.Duration
}

func NewDryRunAgent(spec AgentSpec, failureRate float64, delay time.Duration) (*DryRunAgent, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	if failureRate < 0 || failureRate > 1 {
		return nil, fmt.Errorf("failure rate must be within [0,1], got %v", failureRate)
	}
	caps := copyCaps(spec.Capabilities)
	caps["agent.kind"] = "dryrun"
	return &DryRunAgent{id: id, caps: caps, failureRate: failureRate, delay: delay}, nil
}

func (a *DryRunAgent) ID() string                      { return a.id }
func (a *DryRunAgent) Kind() string                    { return "dryrun" }
func (a *DryRunAgent) Capabilities() map[string]string { return a.caps }

func (a *DryRunAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	if err := validateWorkload(w); err != nil {
		return agents.Result{}, err
	}
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return agents.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	result := agents.Result{}
	for _, step := range w.Steps {
		result.Steps = append(result.Steps, agents.StepResult{Name: step.Name})
	}
	if score(w) < a.failureRate {
		result.ExitCode = 1
		result.Output = "dry run: simulated failure"
		return result, nil
	}
	for _, pattern := range w.Artifacts {
		if err := touchPlaceholder(w.Dir, pattern.Pattern); err != nil {
			return result, err
		}
	}
	result.Output = fmt.Sprintf("dry run: %d steps", len(w.Steps))
	return result, nil
}

// score maps (run, stage, attempt) to [0,1).
func score(w agents.Workload) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", w.RunID, w.StageID, w.Attempt)))
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / float64(1<<53)
}

// touchPlaceholder creates one file the pattern matches. Patterns with
// character classes or alternatives are left alone.
func touchPlaceholder(dir, pattern string) error {
	p := strings.TrimSpace(strings.ReplaceAll(pattern, "\\", "/"))
	if p == "" || strings.ContainsAny(p, "[{") {
		return nil
	}
	p = strings.ReplaceAll(p, "**", "dryrun")
	p = strings.ReplaceAll(p, "*", "dryrun")
	p = strings.ReplaceAll(p, "?", "x")
	p = path.Clean("/" + p)[1:]
	if p == "" {
		return nil
	}
	if !strings.Contains(path.Base(p), ".") {
		p = path.Join(p, "dryrun.txt")
	}
	target := filepath.Join(dir, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte("dry run placeholder\n"), 0o644)
}
