package auth

import (
	"context"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Anonymous is the actor recorded when authentication is disabled.
const Anonymous = "anonymous"

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// ActorFromContext returns the subject of the authenticated caller, or Anonymous.
func ActorFromContext(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.Subject == "" {
		return Anonymous
	}
	return identity.Subject
}
