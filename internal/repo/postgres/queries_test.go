package postgres

import (
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

func TestInsertQueriesAreIdempotent(t *testing.T) {
	if !strings.Contains(insertPlanQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected run_id conflict clause in plan insert")
	}
	if !strings.Contains(insertManifestQuery, "ON CONFLICT (run_id, stage_id) DO NOTHING") {
		t.Fatalf("expected (run_id, stage_id) conflict clause in manifest insert")
	}
	if !strings.Contains(selectManifestQuery, "run_id = $1 AND stage_id = $2") {
		t.Fatalf("expected run/stage predicate in manifest lookup")
	}
}

func TestSchemaDeclaresTables(t *testing.T) {
	stmts := Schema()
	joined := strings.Join(stmts, "\n")
	for _, table := range []string{"runs", "execution_plans", "stage_manifests", "audit_events"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
	for _, stmt := range stmts {
		if strings.HasSuffix(stmt, ";") || stmt == "" {
			t.Fatalf("unexpected statement %q", stmt)
		}
	}
}

func TestStageEncodingKeysByStageID(t *testing.T) {
	in := []domain.StageStatus{
		{StageID: "tests", State: domain.StageStateSucceeded, Attempts: 1},
		{StageID: "build", State: domain.StageStateSkipped, Reason: domain.ReasonDependencyFailed},
	}
	order, stages, err := encodeStages(in)
	if err != nil {
		t.Fatalf("encodeStages err=%v", err)
	}
	if string(order) != `["tests","build"]` {
		t.Fatalf("order=%s", order)
	}
	if !strings.Contains(string(stages), `"build":{`) {
		t.Fatalf("stages not keyed by id: %s", stages)
	}
	out, err := decodeStages(order, stages)
	if err != nil {
		t.Fatalf("decodeStages err=%v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("decoded=%+v, want %+v", out, in)
	}
}

func TestSameJSONIgnoresKeyOrder(t *testing.T) {
	if !sameJSON([]byte(`{"a":1,"b":2}`), []byte(`{"b": 2, "a": 1}`)) {
		t.Fatalf("expected equal documents")
	}
	if sameJSON([]byte(`{"a":1}`), []byte(`{"a":2}`)) {
		t.Fatalf("expected different documents")
	}
}

func TestNilDBStores(t *testing.T) {
	if NewRunStore(nil) != nil || NewPlanStore(nil) != nil || NewManifestStore(nil) != nil {
		t.Fatalf("expected nil stores for nil db")
	}
}
