package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/artifacts"
)

// Remote agent wire protocol.
//
//	GET  /v1/info     -> AgentInfo
//	POST /v1/execute  ExecuteRequest -> ExecuteResponse
type AgentInfo struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Capabilities map[string]string `json:"capabilities"`
}

type WireFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type ExecuteRequest struct {
	Workload agents.Workload `json:"workload"`
	Inputs   []WireFile      `json:"inputs,omitempty"`
}

type ExecuteResponse struct {
	Result  agents.Result `json:"result"`
	Outputs []WireFile    `json:"outputs,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// RemoteAgent forwards workloads to an agent server over HTTP. The
// workspace travels with the request and the results come back with the
// response.
type RemoteAgent struct {
	id      string
	kind    string
	caps    map[string]string
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client that authenticates with OAuth2 client
// credentials when creds is set.
func NewHTTPClient(ctx context.Context, creds *clientcredentials.Config, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if creds == nil {
		return &http.Client{Timeout: timeout}
	}
	client := creds.Client(ctx)
	client.Timeout = timeout
	return client
}

// DialRemoteAgent fetches the agent's identity and capabilities.
func DialRemoteAgent(ctx context.Context, baseURL string, client *http.Client) (*RemoteAgent, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent info: status %d", resp.StatusCode)
	}
	var info AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode agent info: %w", err)
	}
	if strings.TrimSpace(info.ID) == "" {
		return nil, errors.New("agent info: id is required")
	}
	caps := copyCaps(info.Capabilities)
	caps["agent.remote"] = "true"
	return &RemoteAgent{id: info.ID, kind: info.Kind, caps: caps, baseURL: baseURL, client: client}, nil
}

func (a *RemoteAgent) ID() string                      { return a.id }
func (a *RemoteAgent) Kind() string                    { return "remote/" + a.kind }
func (a *RemoteAgent) Capabilities() map[string]string { return a.caps }

func (a *RemoteAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	if err := validateWorkload(w); err != nil {
		return agents.Result{}, err
	}
	inputs, err := ReadWorkspace(w.Dir)
	if err != nil {
		return agents.Result{}, fmt.Errorf("read workspace: %w", err)
	}
	body, err := json.Marshal(ExecuteRequest{Workload: w, Inputs: inputs})
	if err != nil {
		return agents.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return agents.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return agents.Result{}, fmt.Errorf("agent %s execute: %w", a.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return agents.Result{}, fmt.Errorf("agent %s execute: status %d: %s", a.id, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return agents.Result{}, fmt.Errorf("decode execute response: %w", err)
	}
	if out.Error != "" {
		return out.Result, fmt.Errorf("agent %s: %s", a.id, out.Error)
	}
	if err := WriteWorkspace(w.Dir, out.Outputs); err != nil {
		return out.Result, fmt.Errorf("write outputs: %w", err)
	}
	return out.Result, nil
}

// ServeExecute runs a request on agent inside a fresh directory under
// root and returns the resulting workspace.
func ServeExecute(ctx context.Context, agent agents.Agent, root string, req ExecuteRequest) ExecuteResponse {
	dir, err := os.MkdirTemp(root, "ws-*")
	if err != nil {
		return ExecuteResponse{Error: err.Error()}
	}
	defer os.RemoveAll(dir)

	if err := WriteWorkspace(dir, req.Inputs); err != nil {
		return ExecuteResponse{Error: err.Error()}
	}
	w := req.Workload
	w.Dir = dir
	result, err := agent.Execute(ctx, w)
	if err != nil {
		return ExecuteResponse{Result: result, Error: err.Error()}
	}
	outputs, err := ReadWorkspace(dir)
	if err != nil {
		return ExecuteResponse{Result: result, Error: err.Error()}
	}
	return ExecuteResponse{Result: result, Outputs: outputs}
}

func ReadWorkspace(dir string) ([]WireFile, error) {
	paths, err := artifacts.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]WireFile, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return nil, err
		}
		out = append(out, WireFile{Path: p, Content: content})
	}
	return out, nil
}

func WriteWorkspace(dir string, files []WireFile) error {
	for _, f := range files {
		clean := path.Clean("/" + strings.ReplaceAll(f.Path, "\\", "/"))[1:]
		if clean == "" {
			return fmt.Errorf("invalid workspace path %q", f.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
