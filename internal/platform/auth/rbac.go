package auth

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// Action is what a request does to pipelines, runs or an agent.
type Action string

const (
	ActionRead      Action = "read"
	ActionStartRun  Action = "run.start"
	ActionCancelRun Action = "run.cancel"
	ActionExecute   Action = "stage.execute"
	// ActionAdmin covers mutating routes without an explicit policy.
	ActionAdmin Action = "admin"
)

var actionRoles = map[Action]string{
	ActionRead:      RoleViewer,
	ActionStartRun:  RoleEditor,
	ActionCancelRun: RoleEditor,
	ActionExecute:   RoleEditor,
	ActionAdmin:     RoleAdmin,
}

// RequiredRole is the lowest role allowed to perform action.
func RequiredRole(action Action) string {
	if role, ok := actionRoles[action]; ok {
		return role
	}
	return RoleAdmin
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// ActionForRequest maps a request onto the route policy:
//
//	GET, HEAD, OPTIONS          read
//	POST /v1/runs               run.start
//	POST /v1/runs/{id}/cancel   run.cancel
//	POST /v1/execute            stage.execute (agent)
//
// Anything else that mutates is admin only.
func ActionForRequest(r *http.Request) Action {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	case http.MethodPost:
		p := path.Clean("/" + r.URL.Path)
		switch {
		case p == "/v1/runs":
			return ActionStartRun
		case p == "/v1/execute":
			return ActionExecute
		}
		if ok, _ := path.Match("/v1/runs/*/cancel", p); ok {
			return ActionCancelRun
		}
	}
	return ActionAdmin
}

// RouteAuthorizer enforces ActionForRequest against the caller's roles.
func RouteAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		action := ActionForRequest(r)
		if identity.Can(action) {
			return nil
		}
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, action, RequiredRole(action))
	}
}
