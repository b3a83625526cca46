package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
)

// apiError is a non-2xx orchestrator response.
type apiError struct {
	Status    int               `json:"-"`
	Code      string            `json:"error"`
	Message   string            `json:"message,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Decision  *trigger.Decision `json:"decision,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("orchestrator returned %d %s", e.Status, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Decision != nil && e.Decision.RuleID != "" {
		msg += fmt.Sprintf(" (rule %s", e.Decision.RuleID)
		if e.Decision.Description != "" {
			msg += ": " + e.Decision.Description
		}
		msg += ")"
	}
	return msg
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

type runView struct {
	domain.RunStatus
	ExitCode *int `json:"exitCode,omitempty"`
}

type startRunRequest struct {
	PipelineID string            `json:"pipelineId"`
	Revision   string            `json:"revision,omitempty"`
	Targets    []string          `json:"targets,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Confirm    bool              `json:"confirm,omitempty"`
}

type startRunResponse struct {
	RunID    string           `json:"runId"`
	Decision trigger.Decision `json:"decision"`
	Run      runView          `json:"run"`
}

func (c *client) startRun(ctx context.Context, req startRunRequest) (startRunResponse, error) {
	var out startRunResponse
	err := c.do(ctx, http.MethodPost, "/v1/runs", req, &out)
	return out, err
}

func (c *client) getRun(ctx context.Context, runID string) (runView, error) {
	var out runView
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID, nil, &out)
	return out, err
}

func (c *client) cancelRun(ctx context.Context, runID string) (runView, error) {
	var out runView
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil, &out)
	return out, err
}

func (c *client) listPipelines(ctx context.Context) ([]json.RawMessage, error) {
	var out struct {
		Pipelines []json.RawMessage `json:"pipelines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/pipelines", nil, &out)
	return out.Pipelines, err
}

// waitRun polls until the run reaches a terminal state.
func (c *client) waitRun(ctx context.Context, runID string, interval time.Duration, onChange func(runView)) (runView, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last domain.RunState
	for {
		status, err := c.getRun(ctx, runID)
		if err != nil {
			return runView{}, err
		}
		if status.State != last && onChange != nil {
			onChange(status)
		}
		last = status.State
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
