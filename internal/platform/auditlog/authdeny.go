package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/animus-labs/conveyor/internal/platform/auth"
)

// AuthDenyRecord maps a refused request onto an audit row keyed by
// method and path.
func AuthDenyRecord(service string, event auth.DenyEvent) Event {
	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}
	identity := auth.Identity{Subject: event.Subject, Email: event.Email, Roles: event.Roles}
	return Event{
		OccurredAt:   event.Time,
		Actor:        identity.Actor(),
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: ResourceHTTP,
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	}
}

func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	_, err := Insert(ctx, q, AuthDenyRecord(service, event))
	return err
}
