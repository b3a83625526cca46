package runtimeexec

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
)

const maxOutputBytes = 64 << 10

// AgentSpec is one statically configured agent: an id plus capabilities.
type AgentSpec struct {
	ID           string
	Capabilities map[string]string
}

// ParseAgentSpecs parses "id:key=value,key=value;id2:key=value". Every
// agent also gets the host defaults unless it overrides them.
func ParseAgentSpecs(raw string) ([]AgentSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[string]struct{})
	out := make([]AgentSpec, 0)
	for _, chunk := range strings.Split(raw, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		id, rest, _ := strings.Cut(chunk, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("agent spec %q: id is required", chunk)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("agent spec: duplicate id %q", id)
		}
		seen[id] = struct{}{}
		caps := DefaultCapabilities()
		caps["agent.name"] = id
		for _, pair := range strings.Split(rest, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, value, ok := strings.Cut(pair, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return nil, fmt.Errorf("agent spec %q: capability %q must be key=value", id, pair)
			}
			caps[key] = strings.TrimSpace(value)
		}
		out = append(out, AgentSpec{ID: id, Capabilities: caps})
	}
	return out, nil
}

// DefaultCapabilities describes the host process.
func DefaultCapabilities() map[string]string {
	family := runtime.GOOS
	switch runtime.GOOS {
	case "linux":
		family = "Linux"
	case "windows":
		family = "Windows"
	case "darwin":
		family = "Mac OS"
	}
	return map[string]string{
		"os.family": family,
		"os.arch":   runtime.GOARCH,
		"cpu.count": strconv.Itoa(runtime.NumCPU()),
	}
}

func copyCaps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// stepEnv returns the sorted environment of one step. Run params become
// CONVEYOR_PARAM_<NAME> with non-alphanumerics mapped to '_'.
func stepEnv(w agents.Workload, step domain.Step) []string {
	env := map[string]string{
		"CONVEYOR_RUN_ID":   w.RunID,
		"CONVEYOR_STAGE_ID": w.StageID,
		"CONVEYOR_ATTEMPT":  strconv.Itoa(w.Attempt),
		"CONVEYOR_REVISION": w.Revision,
		"CONVEYOR_STEP":     step.Name,
	}
	for name, value := range w.Params {
		env["CONVEYOR_PARAM_"+envName(name)] = value
	}
	for _, extra := range []map[string]string{w.Env, step.Env} {
		for k, v := range extra {
			key := strings.TrimSpace(k)
			if key == "" || isReservedEnvKey(key) {
				continue
			}
			env[key] = v
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "CONVEYOR_RUN_ID", "CONVEYOR_STAGE_ID", "CONVEYOR_ATTEMPT", "CONVEYOR_REVISION", "CONVEYOR_STEP":
		return true
	default:
		return false
	}
}

func validateWorkload(w agents.Workload) error {
	if strings.TrimSpace(w.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(w.StageID) == "" {
		return errors.New("stage id is required")
	}
	if strings.TrimSpace(w.Dir) == "" {
		return errors.New("workspace dir is required")
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
