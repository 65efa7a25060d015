package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// RoleError reports the role a refused request needed. It matches ErrForbidden.
type RoleError struct {
	Required string
	Method   string
	Path     string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("%s %s requires role %s", e.Method, e.Path, e.Required)
}

func (e *RoleError) Is(target error) bool {
	return target == ErrForbidden
}

// MethodRoleAuthorizer enforces RequiredRoleForRequest.
func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		required := RequiredRoleForRequest(r)
		if HasAtLeast(identity.Roles, required) {
			return nil
		}
		return &RoleError{Required: required, Method: r.Method, Path: r.URL.Path}
	}
}

const (
	RoleViewer   = "viewer"
	RoleEditor   = "editor"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleEditor:   2,
	RoleApprover: 3,
	RoleAdmin:    4,
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

// RequiredRoleForRequest maps reads to viewer, approval decisions to approver
// and every other write to editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if strings.HasSuffix(path, "/approve") || strings.HasSuffix(path, "/reject") {
		return RoleApprover
	}
	return RoleEditor
}
