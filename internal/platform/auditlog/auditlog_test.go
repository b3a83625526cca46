package auditlog

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/auth"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       ActionRunStart,
		ResourceType: ResourceRun,
		ResourceID:   "run-1",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "test-agent",
	}
	payloadJSON := []byte(`{"a":1,"b":"x"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
	c, err := ComputeIntegritySHA256(event, []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == c {
		t.Fatalf("expected integrity to differ on payload change")
	}

	event.IP = nil
	d, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil || d == a {
		t.Fatalf("integrity without ip=%q err=%v, want a different digest", d, err)
	}
}

func TestRunEventRecord(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name         string
		event        RunEvent
		actor        string
		resourceType string
		resourceID   string
	}{
		{
			name:         "cancel by system",
			event:        RunEvent{Time: at, Action: ActionRunCancel, RunID: "run-1", PipelineID: "clock", Revision: "abc123", Targets: []string{"deploy-all"}},
			actor:        "system",
			resourceType: ResourceRun,
			resourceID:   "run-1",
		},
		{
			name:         "refused start keyed by pipeline",
			event:        RunEvent{Time: at, Actor: "ops", Action: ActionRunStartDenied, PipelineID: "clock", Decision: "require_confirmation"},
			actor:        "ops",
			resourceType: ResourcePipeline,
			resourceID:   "clock",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := RunEventRecord("orchestrator", tt.event)
			if err := record.Validate(); err != nil {
				t.Fatalf("Validate err=%v", err)
			}
			if record.Actor != tt.actor || record.ResourceType != tt.resourceType || record.ResourceID != tt.resourceID {
				t.Fatalf("record=%+v, want %s %s/%s", record, tt.actor, tt.resourceType, tt.resourceID)
			}
			payload, ok := record.Payload.(map[string]any)
			if !ok || payload["pipeline_id"] != "clock" {
				t.Fatalf("payload=%v", record.Payload)
			}
			if _, ok := payload["decision"]; ok != (tt.event.Decision != "") {
				t.Fatalf("decision present=%v, want only when set", ok)
			}
		})
	}
}

func TestValidateNamesMissingField(t *testing.T) {
	err := Event{OccurredAt: time.Now(), Actor: "ops", Action: ActionRunStart, ResourceType: ResourceRun}.Validate()
	if err == nil || !strings.Contains(err.Error(), "ResourceID") {
		t.Fatalf("err=%v, want ResourceID is required", err)
	}
}

func TestAuthDenyRecord(t *testing.T) {
	record := AuthDenyRecord("orchestrator", auth.DenyEvent{
		Time:       time.Unix(1700000000, 0).UTC(),
		Status:     403,
		Reason:     "forbidden",
		Method:     "POST",
		Path:       "/v1/runs/r-1/cancel",
		RemoteAddr: "192.0.2.7:51234",
	})
	if record.Actor != "anonymous" || record.Action != "auth.forbidden" || record.ResourceType != ResourceHTTP {
		t.Fatalf("record=%+v", record)
	}
	if record.ResourceID != "POST /v1/runs/r-1/cancel" || !record.IP.Equal(net.ParseIP("192.0.2.7")) {
		t.Fatalf("record=%+v", record)
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, RunEventRecord("orchestrator", RunEvent{Action: ActionRunStart, RunID: "r"})); err == nil {
		t.Fatalf("expected error")
	}
}
