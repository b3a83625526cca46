package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/artifacts"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
)

// Blobs is the artifact storage a Runner publishes to and fetches from.
type Blobs interface {
	Store(ctx context.Context, manifest domain.Manifest, root string) (domain.ManifestRef, error)
	Retrieve(ctx context.Context, ref domain.ManifestRef, edge domain.Edge, dir string) (int, error)
}

type Config struct {
	WorkspaceRoot  string
	KeepWorkspaces bool
	StageTimeout   time.Duration
}

// Runner executes assignments in goroutines: fetch inputs, run steps on the
// assigned agent, publish outputs, report the outcome.
type Runner struct {
	blobs  Blobs
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	base    context.Context
}

func NewRunner(ctx context.Context, blobs Blobs, logger *slog.Logger, cfg Config) (*Runner, error) {
	if blobs == nil {
		return nil, errors.New("artifact store is required")
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return nil, errors.New("workspace root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Runner{
		blobs:   blobs,
		logger:  logger,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
		base:    ctx,
	}, nil
}

func (r *Runner) Dispatch(handle string, a scheduler.Assignment, done scheduler.Completion) {
	var ctx context.Context
	var cancel context.CancelFunc
	if r.cfg.StageTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.base, r.cfg.StageTimeout)
	} else {
		ctx, cancel = context.WithCancel(r.base)
	}
	r.mu.Lock()
	r.cancels[handle] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, handle)
			r.mu.Unlock()
			cancel()
		}()
		outcome := r.execute(ctx, a)
		done(handle, outcome)
	}()
}

func (r *Runner) Cancel(handle string) {
	r.mu.Lock()
	cancel, ok := r.cancels[handle]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every dispatched attempt has reported.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Workspace returns the directory an attempt runs in.
func (r *Runner) Workspace(a scheduler.Assignment) string {
	return filepath.Join(r.cfg.WorkspaceRoot, a.RunID, a.StageID, "attempt-"+strconv.Itoa(a.Attempt))
}

func (r *Runner) execute(ctx context.Context, a scheduler.Assignment) domain.StageOutcome {
	logger := r.logger.With("run_id", a.RunID, "stage_id", a.StageID, "attempt", a.Attempt)
	dir := r.Workspace(a)
	if err := os.RemoveAll(dir); err != nil {
		return failure(domain.ReasonExecutionFailed, fmt.Errorf("reset workspace: %w", err), -1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure(domain.ReasonExecutionFailed, fmt.Errorf("create workspace: %w", err), -1)
	}
	if !r.cfg.KeepWorkspaces {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("workspace cleanup failed", "error", err)
			}
		}()
	}

	for _, in := range a.Inputs {
		n, err := r.blobs.Retrieve(ctx, in.Manifest, in.Edge, dir)
		if err != nil {
			return failure(domain.ReasonExecutionFailed, fmt.Errorf("fetch artifacts from %s: %w", in.Edge.From, err), -1)
		}
		logger.Info("artifacts fetched", "from", in.Edge.From, "placed", n)
	}

	exitCode := 0
	output := ""
	if a.Agent != nil {
		result, err := a.Agent.Execute(ctx, agents.Workload{
			RunID:     a.RunID,
			StageID:   a.StageID,
			Attempt:   a.Attempt,
			Revision:  a.Revision,
			Steps:     a.Steps,
			Params:    a.Params,
			Artifacts: a.Stage.Artifacts,
			Dir:       dir,
		})
		if err != nil {
			return failure(domain.ReasonExecutionFailed, err, -1)
		}
		exitCode = result.ExitCode
		output = result.Output
		if result.ExitCode != 0 {
			logger.Warn("stage steps failed", "exit_code", result.ExitCode, "agent_id", a.Agent.ID())
			return domain.StageOutcome{
				Reason:   domain.ReasonExecutionFailed,
				Message:  fmt.Sprintf("%v: exit code %d%s", domain.ErrStageExecutionFailed, result.ExitCode, lastLine(output)),
				ExitCode: result.ExitCode,
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return failure(domain.ReasonExecutionFailed, err, -1)
	}

	files, err := artifacts.ListFiles(dir)
	if err != nil {
		return failure(domain.ReasonExecutionFailed, fmt.Errorf("list outputs: %w", err), exitCode)
	}
	manifest, pubErr := artifacts.Publish(a.RunID, a.StageID, a.Stage.Artifacts, files)
	if pubErr != nil && !errors.Is(pubErr, domain.ErrPublishIncomplete) {
		return failure(domain.ReasonExecutionFailed, pubErr, exitCode)
	}
	ref, err := r.blobs.Store(ctx, manifest, dir)
	if err != nil {
		return failure(domain.ReasonExecutionFailed, fmt.Errorf("store artifacts: %w", err), exitCode)
	}
	if pubErr != nil {
		logger.Warn("publish incomplete", "missing", manifest.Missing)
		return domain.StageOutcome{
			Reason:   domain.ReasonPublishIncomplete,
			Message:  pubErr.Error(),
			ExitCode: exitCode,
			Manifest: &ref,
		}
	}
	logger.Info("stage attempt succeeded", "published", len(manifest.Paths()))
	return domain.StageOutcome{Succeeded: true, ExitCode: exitCode, Manifest: &ref}
}

func failure(reason string, err error, exitCode int) domain.StageOutcome {
	return domain.StageOutcome{Reason: reason, Message: err.Error(), ExitCode: exitCode}
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if idx := strings.LastIndexByte(output, '\n'); idx >= 0 {
		output = output[idx+1:]
	}
	return ": " + output
}
