package auth

import (
	"context"
	"net/http"
	"strings"
)

// DevActorHeader names the actor for a single request in dev mode. Roles
// still come from DEV_AUTH_ROLES.
const DevActorHeader = "X-Dev-Actor"

// DefaultDevRole can trigger runs and decide the approval gate.
const DefaultDevRole = RoleApprover

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DevAuthenticator accepts every request as the configured dev identity.
type DevAuthenticator struct {
	subject string
	email   string
	roles   []string
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	roles := cfg.DevRoles
	if len(roles) == 0 {
		roles = []string{DefaultDevRole}
	}
	return &DevAuthenticator{
		subject: strings.TrimSpace(cfg.DevSubject),
		email:   strings.TrimSpace(cfg.DevEmail),
		roles:   append([]string(nil), roles...),
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	identity := Identity{
		Subject: a.subject,
		Email:   a.email,
		Roles:   append([]string(nil), a.roles...),
	}
	if actor := strings.TrimSpace(r.Header.Get(DevActorHeader)); actor != "" {
		identity.Subject = actor
		identity.Email = ""
	}
	if identity.Subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	return identity, nil
}
