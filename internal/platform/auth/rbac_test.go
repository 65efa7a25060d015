package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if HasAtLeast([]string{"editor"}, RoleApprover) {
		t.Fatalf("editor should not satisfy approver")
	}
	if !HasAtLeast([]string{"approver"}, RoleEditor) {
		t.Fatalf("approver should satisfy editor")
	}
	if !HasAtLeast([]string{" Admin "}, RoleApprover) {
		t.Fatalf("admin should satisfy approver")
	}
	if HasAtLeast([]string{"admin"}, "unknown") {
		t.Fatalf("unknown role should never be satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/runs", RoleViewer},
		{http.MethodGet, "/runs/abc/steps", RoleViewer},
		{http.MethodPost, "/runs", RoleEditor},
		{http.MethodPost, "/runs/abc/approve", RoleApprover},
		{http.MethodPost, "/runs/abc/reject/", RoleApprover},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
