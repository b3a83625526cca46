package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller of an orchestrator or agent route.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Actor names the caller in audit rows.
func (i Identity) Actor() string {
	if subject := strings.TrimSpace(i.Subject); subject != "" {
		return subject
	}
	return "anonymous"
}

// Can reports whether the identity's highest role covers action.
func (i Identity) Can(action Action) bool {
	return HasAtLeast(i.Roles, RequiredRole(action))
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok
}
