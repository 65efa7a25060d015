package auditlog

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/custsat/internal/platform/auth"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       ActionRunApproved,
		ResourceType: ResourcePipelineRun,
		ResourceID:   "run-1",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "test-agent",
	}
	payloadJSON := []byte(`{"a":1,"b":"x"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       ActionRunRejected,
		ResourceType: ResourcePipelineRun,
		ResourceID:   "run-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"reason":"low accuracy"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"reason":"wrong dataset"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestInsertRejectsIncompleteEvent(t *testing.T) {
	_, err := Insert(context.Background(), nil, Event{Actor: "alice"})
	if err == nil || !strings.Contains(err.Error(), "queryer") {
		t.Fatalf("Insert(nil) err=%v", err)
	}

	if err := (Event{OccurredAt: time.Now(), Actor: "alice", Action: ActionRunTriggered, ResourceType: ResourcePipelineRun}).Validate(); err == nil {
		t.Fatalf("Validate() expected missing ResourceID error")
	}
}

func TestAuthDenyEvent(t *testing.T) {
	event := authDenyEvent("orchestrator", auth.DenyEvent{
		Time:         time.Unix(1700000000, 0).UTC(),
		Status:       403,
		Reason:       "forbidden",
		Method:       "POST",
		Path:         "/runs/r1/approve",
		RequiredRole: auth.RoleApprover,
		RemoteAddr:   "192.0.2.7:5555",
	})
	if event.Actor != auth.Anonymous {
		t.Fatalf("Actor=%q, want anonymous", event.Actor)
	}
	if event.Action != "auth.forbidden" {
		t.Fatalf("Action=%q", event.Action)
	}
	if event.ResourceID != "POST /runs/r1/approve" {
		t.Fatalf("ResourceID=%q", event.ResourceID)
	}
	if payload, _ := event.Payload.(map[string]any); payload["required_role"] != auth.RoleApprover {
		t.Fatalf("payload=%v", event.Payload)
	}
	if ipString(event.IP) != "192.0.2.7" {
		t.Fatalf("IP=%v", event.IP)
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}
