package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
)

// DockerAgent runs each step in a throwaway container with the workspace
// mounted at /workspace.
type DockerAgent struct {
	id           string
	caps         map[string]string
	dockerBin    string
	defaultImage string
}

func NewDockerAgent(spec AgentSpec, dockerBin, defaultImage string) (*DockerAgent, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	caps := copyCaps(spec.Capabilities)
	caps["agent.kind"] = "docker"
	if _, ok := caps["docker.server.osType"]; !ok {
		caps["docker.server.osType"] = "linux"
	}
	return &DockerAgent{id: id, caps: caps, dockerBin: dockerBin, defaultImage: strings.TrimSpace(defaultImage)}, nil
}

func (a *DockerAgent) ID() string                      { return a.id }
func (a *DockerAgent) Kind() string                    { return "docker" }
func (a *DockerAgent) Capabilities() map[string]string { return a.caps }

func (a *DockerAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	if err := validateWorkload(w); err != nil {
		return agents.Result{}, err
	}
	dir, err := filepath.Abs(w.Dir)
	if err != nil {
		return agents.Result{}, err
	}
	output := newTailBuffer(maxOutputBytes)
	result := agents.Result{}
	for i, step := range w.Steps {
		image := strings.TrimSpace(step.Image)
		if image == "" {
			image = a.defaultImage
		}
		if image == "" {
			return result, fmt.Errorf("step %s: image is required", step.Name)
		}
		name := containerName(w, i)
		args := dockerRunArgs(name, dir, image, stepEnv(w, step), step.Command)

		start := time.Now()
		cmd := exec.CommandContext(ctx, a.dockerBin, args...)
		cmd.Stdout = output
		cmd.Stderr = output
		runErr := cmd.Run()
		if ctx.Err() != nil {
			a.kill(name)
		}
		code, runErr := exitCode(runErr)
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
			return result, fmt.Errorf("docker run %s: %w", step.Name, runErr)
		}
		if code != 0 {
			result.ExitCode = code
			break
		}
	}
	result.Output = output.String()
	return result, nil
}

func (a *DockerAgent) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, a.dockerBin, "rm", "--force", name).Run()
}

func dockerRunArgs(name, dir, image string, env []string, command string) []string {
	args := []string{
		"run",
		"--rm",
		"--name", name,
		"--volume", dir + ":/workspace",
		"--workdir", "/workspace",
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	return append(args, image, "sh", "-c", command)
}

func containerName(w agents.Workload, step int) string {
	raw := fmt.Sprintf("conveyor-%s-%s-%d-%d", w.RunID, w.StageID, w.Attempt, step)
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}
