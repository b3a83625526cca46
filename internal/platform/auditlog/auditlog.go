package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Actions recorded against runs.
const (
	ActionRunStart       = "run.start"
	ActionRunStartDenied = "run.start_denied"
	ActionRunCancel      = "run.cancel"
)

// Resource types of the audit_events table.
const (
	ResourceRun      = "run"
	ResourcePipeline = "pipeline"
	ResourceHTTP     = "http"
)

// Event is one audit_events row before it is written.
type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

// RunEvent is one operator-visible change to a run. A start that was
// refused before a run existed carries only the pipeline.
type RunEvent struct {
	Time       time.Time
	Actor      string
	Action     string
	RunID      string
	PipelineID string
	Revision   string
	Trigger    string
	Targets    []string
	Params     map[string]string
	Decision   string
	Reason     string
	RequestID  string
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Recorder persists one event.
type Recorder func(ctx context.Context, event Event) error

// SQL records events into audit_events through q.
func SQL(q QueryRower) Recorder {
	return func(ctx context.Context, event Event) error {
		_, err := Insert(ctx, q, event)
		return err
	}
}

// RunEventRecord maps a run event onto the audit_events row shape. Runs are
// keyed by run id; refused starts fall back to the pipeline.
func RunEventRecord(service string, event RunEvent) Event {
	actor := strings.TrimSpace(event.Actor)
	if actor == "" {
		actor = "system"
	}
	resourceType, resourceID := ResourceRun, strings.TrimSpace(event.RunID)
	if resourceID == "" {
		resourceType, resourceID = ResourcePipeline, strings.TrimSpace(event.PipelineID)
	}
	payload := map[string]any{
		"service":     service,
		"pipeline_id": event.PipelineID,
		"revision":    event.Revision,
		"trigger":     event.Trigger,
		"targets":     append([]string{}, event.Targets...),
	}
	if len(event.Params) > 0 {
		payload["params"] = event.Params
	}
	if event.Decision != "" {
		payload["decision"] = event.Decision
	}
	if event.Reason != "" {
		payload["reason"] = event.Reason
	}
	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       event.Action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    event.RequestID,
		Payload:      payload,
	}
}

func (e Event) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"Actor", e.Actor},
		{"Action", e.Action},
		{"ResourceType", e.ResourceType},
		{"ResourceID", e.ResourceID},
	}
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	return nil
}

const insertEventQuery = `INSERT INTO audit_events (
	occurred_at, actor, action, resource_type, resource_id,
	request_id, ip, user_agent, payload, integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING event_id`

// Insert writes event and returns its event_id. The row carries a digest
// over its own columns so later edits are detectable.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx, insertEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		nullString(event.RequestID),
		nullString(ipString(event.IP)),
		nullString(event.UserAgent),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event %s %s/%s: %w", event.Action, event.ResourceType, event.ResourceID, err)
	}
	return id, nil
}

// ComputeIntegritySHA256 hashes the normalized row. Insert and any later
// verification must agree on this encoding.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	blob, err := json.Marshal(integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ipString(event.IP),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return strings.TrimSpace(ip.String())
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}
