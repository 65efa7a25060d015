package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/custsat/internal/platform/httpserver"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent describes one refused request. RequiredRole is set for 403s
// produced by a *RoleError.
type DenyEvent struct {
	Time         time.Time
	Status       int
	Reason       string
	Error        string
	RequestID    string
	Method       string
	Path         string
	Subject      string
	Email        string
	Roles        []string
	RequiredRole string
	RemoteAddr   string
	UserAgent    string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

// Middleware authenticates every request outside SkipPrefixes, authorizes
// it, and stores the identity for ActorFromContext. Refusals are logged and
// passed to Audit.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthenticated"
			}
			m.deny(w, r, Identity{}, http.StatusUnauthorized, reason, err)
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skipped(path string) bool {
	for _, prefix := range m.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason string, err error) {
	event := DenyEvent{
		Time:       time.Now().UTC(),
		Status:     status,
		Reason:     reason,
		Error:      err.Error(),
		RequestID:  requestID(r),
		Method:     r.Method,
		Path:       r.URL.Path,
		Subject:    identity.Subject,
		Email:      identity.Email,
		Roles:      identity.Roles,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	var roleErr *RoleError
	if errors.As(err, &roleErr) {
		event.RequiredRole = roleErr.Required
	}

	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", event.RequestID,
			"method", event.Method,
			"path", event.Path,
			"subject", event.Subject,
			"required_role", event.RequiredRole,
			"error", event.Error,
		)
	}
	if m.Audit != nil {
		if auditErr := m.Audit(r.Context(), event); auditErr != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", event.RequestID, "error", auditErr.Error())
		}
	}

	code := reason
	if reason == "unauthenticated" {
		code = "unauthorized"
	}
	body := map[string]any{
		"error":      code,
		"request_id": event.RequestID,
	}
	if event.RequiredRole != "" {
		body["required_role"] = event.RequiredRole
	}
	httpserver.WriteJSON(w, status, body)
}

// requestID prefers the id assigned by httpserver and falls back to the
// inbound header when the middleware runs outside httpserver.Wrap.
func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get(httpserver.HeaderRequestID))
}
