package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
)

// LocalAgent runs step commands through a shell on the orchestrator host.
type LocalAgent struct {
	id    string
	caps  map[string]string
	shell string
}

func NewLocalAgent(spec AgentSpec, shell string) (*LocalAgent, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	shell = strings.TrimSpace(shell)
	if shell == "" {
		shell = "sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}
	caps := copyCaps(spec.Capabilities)
	caps["agent.kind"] = "local"
	return &LocalAgent{id: id, caps: caps, shell: shell}, nil
}

func (a *LocalAgent) ID() string                      { return a.id }
func (a *LocalAgent) Kind() string                    { return "local" }
func (a *LocalAgent) Capabilities() map[string]string { return a.caps }

// Execute runs steps in order and stops at the first non-zero exit.
func (a *LocalAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	if err := validateWorkload(w); err != nil {
		return agents.Result{}, err
	}
	output := newTailBuffer(maxOutputBytes)
	result := agents.Result{}
	for _, step := range w.Steps {
		start := time.Now()
		cmd := exec.CommandContext(ctx, a.shell, "-c", step.Command)
		cmd.Dir = w.Dir
		cmd.Env = append(os.Environ(), stepEnv(w, step)...)
		cmd.Stdout = output
		cmd.Stderr = output

		err := cmd.Run()
		code, runErr := exitCode(err)
		result.Steps = append(result.Steps, agents.StepResult{
			Name:       step.Name,
			ExitCode:   code,
			DurationMs: time.Since(start).Milliseconds(),
		})
		if runErr != nil {
			result.Output = output.String()
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("step %s: %w", step.Name, runErr)
		}
		if code != 0 {
			result.ExitCode = code
			break
		}
	}
	result.Output = output.String()
	return result, nil
}

// exitCode separates a command's non-zero exit from a failure to run it.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code, nil
		}
	}
	return -1, err
}
