package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/animus-labs/custsat/internal/platform/auth"
)

// InsertAuthDeny records a rejected request against the API surface that refused it.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	_, err := Insert(ctx, q, authDenyEvent(service, event))
	return err
}

func authDenyEvent(service string, event auth.DenyEvent) Event {
	actor := auth.Anonymous
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip net.IP
	host, _, err := net.SplitHostPort(event.RemoteAddr)
	if err == nil {
		ip = net.ParseIP(host)
	}

	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service":       service,
			"status":        event.Status,
			"reason":        event.Reason,
			"error":         event.Error,
			"subject":       event.Subject,
			"email":         event.Email,
			"roles":         event.Roles,
			"required_role": event.RequiredRole,
		},
	}
}
