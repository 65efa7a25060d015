package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
)

func TestStepExecutionQueriesAreIdempotent(t *testing.T) {
	if !strings.Contains(insertStepExecutionQuery, "ON CONFLICT (pipeline_run_id, step_name, attempt) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(selectStepExecutionQuery, "pipeline_run_id = $1") {
		t.Fatalf("expected pipeline_run_id predicate in select query")
	}
	if !strings.Contains(listStepExecutionsByRunQuery, "ORDER BY") {
		t.Fatalf("expected ORDER BY in list query")
	}
}

func TestTransitionQueryIsConditional(t *testing.T) {
	if !strings.Contains(transitionPipelineRunQuery, "WHERE pipeline_run_id = $1 AND status = $2") {
		t.Fatalf("transition must be guarded by the expected current status")
	}
}

func TestListPipelineRunsQuery(t *testing.T) {
	query, args := listPipelineRunsQuery(repo.RunFilter{})
	if strings.Contains(query, "WHERE") || len(args) != 0 {
		t.Fatalf("unfiltered query=%q args=%v", query, args)
	}

	query, args = listPipelineRunsQuery(repo.RunFilter{Status: domain.RunStateAwaitingApproval, Limit: 10})
	if !strings.Contains(query, "WHERE status = $1") || !strings.HasSuffix(query, "LIMIT $2") {
		t.Fatalf("filtered query=%q", query)
	}
	if len(args) != 2 || args[0] != "awaiting_approval" || args[1] != 10 {
		t.Fatalf("args=%v", args)
	}
}

func TestTrackerQueriesMergeJSON(t *testing.T) {
	if !strings.Contains(setTrackerParamQuery, "params || jsonb_build_object") {
		t.Fatalf("param update must merge into params")
	}
	if !strings.Contains(setTrackerMetricQuery, "metrics || jsonb_build_object") {
		t.Fatalf("metric update must merge into metrics")
	}
	if !strings.Contains(upsertExperimentQuery, "ON CONFLICT (name)") {
		t.Fatalf("experiment upsert must key on name")
	}
}

func TestNilStoresReportNotInitialized(t *testing.T) {
	if NewPipelineRunStore(nil) != nil || NewStepExecutionStore(nil) != nil || NewTrackerStore(nil) != nil || NewAuditAppender(nil) != nil {
		t.Fatalf("constructors must return nil for a nil db")
	}
	var runs *PipelineRunStore
	if err := runs.Create(context.Background(), domain.PipelineRun{}); err == nil {
		t.Fatalf("expected error from nil store")
	}
	var steps *StepExecutionStore
	if _, _, err := steps.InsertAttempt(context.Background(), domain.StepExecution{}); err == nil {
		t.Fatalf("expected error from nil store")
	}
}

func TestTransitionRejectsIllegalEdgesBeforeQuery(t *testing.T) {
	store := &PipelineRunStore{db: panicDB{}}
	err := store.TransitionStatus(context.Background(), "r1", repo.StatusChange{From: domain.RunStateSucceeded, To: domain.RunStateRunning})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("TransitionStatus() err=%v, want conflict", err)
	}
}
