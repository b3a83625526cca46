package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if !HasAtLeast([]string{" Admin "}, RoleEditor) {
		t.Fatalf("admin should satisfy editor")
	}
	if HasAtLeast([]string{"admin"}, "operator") {
		t.Fatalf("unknown role should never be satisfied")
	}
}

func TestRoutePolicy(t *testing.T) {
	tests := []struct {
		method string
		path   string
		action Action
		role   string
	}{
		{http.MethodGet, "/v1/runs/r-1", ActionRead, RoleViewer},
		{http.MethodHead, "/v1/pipelines", ActionRead, RoleViewer},
		{http.MethodPost, "/v1/runs", ActionStartRun, RoleEditor},
		{http.MethodPost, "/v1/runs/", ActionStartRun, RoleEditor},
		{http.MethodPost, "/v1/runs/r-1/cancel", ActionCancelRun, RoleEditor},
		{http.MethodPost, "/v1/execute", ActionExecute, RoleEditor},
		{http.MethodPost, "/v1/runs/r-1/plan", ActionAdmin, RoleAdmin},
		{http.MethodDelete, "/v1/runs/r-1", ActionAdmin, RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.test"+tt.path, nil)
			if got := ActionForRequest(req); got != tt.action {
				t.Fatalf("ActionForRequest=%q, want %q", got, tt.action)
			}
			if got := RequiredRole(tt.action); got != tt.role {
				t.Fatalf("RequiredRole(%s)=%q, want %q", tt.action, got, tt.role)
			}
		})
	}
}

func TestRouteAuthorizer(t *testing.T) {
	authorize := RouteAuthorizer()
	editor := Identity{Subject: "ci", Roles: []string{RoleEditor}}
	viewer := Identity{Subject: "ro", Roles: []string{RoleViewer}}

	cancel := httptest.NewRequest(http.MethodPost, "http://example.test/v1/runs/r-1/cancel", nil)
	if err := authorize(cancel, editor); err != nil {
		t.Fatalf("editor cancel err=%v", err)
	}
	if err := authorize(cancel, viewer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer cancel err=%v, want ErrForbidden", err)
	}
	unknown := httptest.NewRequest(http.MethodPut, "http://example.test/v1/pipelines/clock", nil)
	if err := authorize(unknown, editor); !errors.Is(err, ErrForbidden) {
		t.Fatalf("editor PUT err=%v, want ErrForbidden", err)
	}
	if err := authorize(unknown, Identity{Roles: []string{RoleAdmin}}); err != nil {
		t.Fatalf("admin PUT err=%v", err)
	}
}

func TestIdentityActor(t *testing.T) {
	if got := (Identity{Subject: " ops "}).Actor(); got != "ops" {
		t.Fatalf("Actor=%q, want ops", got)
	}
	if got := (Identity{}).Actor(); got != "anonymous" {
		t.Fatalf("Actor=%q, want anonymous", got)
	}
}
