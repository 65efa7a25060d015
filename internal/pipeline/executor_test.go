package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
	"github.com/animus-labs/custsat/internal/testutil"
	"github.com/animus-labs/custsat/internal/tracker"
)

const artifactBucket = "artifacts"

type harness struct {
	def      Definition
	store    *testutil.MemoryStore
	runs     *testutil.RunRepo
	records  *testutil.StepRepo
	trackers *testutil.TrackerRepo
	executor *Executor
}

func testDefinition() Definition {
	def := DefaultDefinition()
	for i := range def.Steps {
		def.Steps[i].RetryDelay = 0
	}
	def.Train.NEstimators = 10
	return def
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		def:      testDefinition(),
		store:    testutil.NewMemoryStore(),
		runs:     testutil.NewRunRepo(),
		records:  testutil.NewStepRepo(),
		trackers: testutil.NewTrackerRepo(),
	}
	trk, err := tracker.New(h.trackers, h.store, artifactBucket)
	if err != nil {
		t.Fatalf("tracker.New() err=%v", err)
	}
	steps, err := BuildSteps(h.def, Dependencies{
		Store:    h.store,
		Bucket:   artifactBucket,
		Tracker:  trk,
		NewRunID: func() string { return "run-token-1" },
	})
	if err != nil {
		t.Fatalf("BuildSteps() err=%v", err)
	}
	h.executor = h.newExecutor(t, steps)
	return h
}

func (h *harness) newExecutor(t *testing.T, steps []Step) *Executor {
	t.Helper()
	exec, err := NewExecutor(h.def, steps, h.runs, h.records, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewExecutor() err=%v", err)
	}
	return exec
}

func (h *harness) seedDataset(key string, rows int) {
	var b strings.Builder
	b.WriteString("ID,var1,var2,TARGET\n")
	for i := 0; i < rows; i++ {
		target := i % 2
		fmt.Fprintf(&b, "%d,%d,%d,%d\n", i, target*10+i%3, i%5, target)
	}
	h.store.Seed("datasets", key, []byte(b.String()))
}

func (h *harness) createRun(t *testing.T, id, datasetPath string) {
	t.Helper()
	rc := NewRunContext(datasetPath, domain.Hyperparameters{MaxDepth: 3})
	raw, err := rc.Encode()
	if err != nil {
		t.Fatalf("Encode() err=%v", err)
	}
	run := domain.PipelineRun{
		ID:          id,
		Status:      domain.RunStatePending,
		DatasetPath: datasetPath,
		Params:      domain.Hyperparameters{MaxDepth: 3},
		Context:     raw,
		CreatedBy:   "tester",
	}
	if err := h.runs.Create(context.Background(), run); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
}

func (h *harness) approve(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := h.runs.TransitionStatus(ctx, id, repo.StatusChange{From: domain.RunStateAwaitingApproval, To: domain.RunStateRunning}); err != nil {
		t.Fatalf("TransitionStatus() err=%v", err)
	}
	run, _ := h.runs.Get(ctx, id)
	rc, err := DecodeRunContext(run.Context)
	if err != nil {
		t.Fatalf("DecodeRunContext() err=%v", err)
	}
	if err := rc.SetApproval(Approval{ApprovedBy: "approver", ApprovedAt: time.Now()}); err != nil {
		t.Fatalf("SetApproval() err=%v", err)
	}
	raw, _ := rc.Encode()
	if err := h.runs.SaveContext(ctx, id, raw); err != nil {
		t.Fatalf("SaveContext() err=%v", err)
	}
}

func (h *harness) statuses(t *testing.T, id string) map[string][]domain.StepStatus {
	t.Helper()
	records, err := h.records.ListByRun(context.Background(), id)
	if err != nil {
		t.Fatalf("ListByRun() err=%v", err)
	}
	out := map[string][]domain.StepStatus{}
	for _, r := range records {
		out[r.StepName] = append(out[r.StepName], r.Status)
	}
	return out
}

func TestExecuteParksAtGateThenPromotesAfterApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDataset("train.csv", 40)
	h.createRun(t, "pr-1", "s3://datasets/train.csv")

	state, err := h.executor.Execute(ctx, "pr-1")
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if state != domain.RunStateAwaitingApproval {
		t.Fatalf("state=%s, want awaiting_approval", state)
	}
	run, _ := h.runs.Get(ctx, "pr-1")
	if run.Status != domain.RunStateAwaitingApproval {
		t.Fatalf("stored status=%s", run.Status)
	}
	if _, ok := h.store.Object(artifactBucket, "pipeline/run-token-1/train_set.csv"); !ok {
		t.Fatalf("train split missing; keys=%v", h.store.Keys())
	}
	if _, ok := h.store.Object(artifactBucket, "pipeline/run-token-1/test_set.csv"); !ok {
		t.Fatalf("test split missing")
	}
	if _, ok := h.store.Object(artifactBucket, "prod/model.json"); ok {
		t.Fatalf("production slot written before approval")
	}

	tracked := h.trackers.Runs()
	if len(tracked) != 1 {
		t.Fatalf("tracked runs=%d", len(tracked))
	}
	if tracked[0].Params["Model"] != "RandomForestClassifier" || tracked[0].Params["max_depth"] != "3" {
		t.Fatalf("params=%v", tracked[0].Params)
	}
	if _, ok := tracked[0].Metrics["Accuracy"]; !ok {
		t.Fatalf("accuracy metric missing: %v", tracked[0].Metrics)
	}
	if got := h.statuses(t, "pr-1")[domain.StepApproveModel]; len(got) != 1 || got[0] != domain.StepStatusAwaitingApproval {
		t.Fatalf("gate statuses=%v", got)
	}

	h.approve(t, "pr-1")
	state, err = h.executor.Execute(ctx, "pr-1")
	if err != nil {
		t.Fatalf("Execute() after approval err=%v", err)
	}
	if state != domain.RunStateSucceeded {
		t.Fatalf("state=%s, want succeeded", state)
	}

	model, ok := h.store.Object(artifactBucket, tracker.ArtifactKey(tracked[0].ExperimentID, tracked[0].ID, tracker.ModelArtifactPath))
	if !ok {
		t.Fatalf("model artifact missing")
	}
	prod, ok := h.store.Object(artifactBucket, "prod/model.json")
	if !ok || string(prod) != string(model) {
		t.Fatalf("production artifact does not match trained model")
	}

	gate := h.statuses(t, "pr-1")[domain.StepApproveModel]
	if len(gate) != 2 || gate[1] != domain.StepStatusSucceeded {
		t.Fatalf("gate statuses after approval=%v", gate)
	}

	run, _ = h.runs.Get(ctx, "pr-1")
	if run.Status != domain.RunStateSucceeded || run.EndedAt == nil {
		t.Fatalf("run=%+v", run)
	}
	rc, err := DecodeRunContext(run.Context)
	if err != nil {
		t.Fatalf("DecodeRunContext() err=%v", err)
	}
	promotion, err := rc.Promotion()
	if err != nil || promotion.Key != "prod/model.json" {
		t.Fatalf("promotion=%+v err=%v", promotion, err)
	}
}

func TestExecuteRetriesSplitAndReproducesArtifacts(t *testing.T) {
	h := newHarness(t)
	h.seedDataset("train.csv", 30)
	h.createRun(t, "pr-2", "datasets/train.csv")

	var calls atomic.Int32
	h.store.FailGet = func(bucket, key string) error {
		if bucket == "datasets" && calls.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	state, err := h.executor.Execute(context.Background(), "pr-2")
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if state != domain.RunStateAwaitingApproval {
		t.Fatalf("state=%s", state)
	}
	got := h.statuses(t, "pr-2")[domain.StepSplitTrainTest]
	if len(got) != 2 || got[0] != domain.StepStatusRetried || got[1] != domain.StepStatusSucceeded {
		t.Fatalf("split statuses=%v", got)
	}

	first, _ := h.store.Object(artifactBucket, "pipeline/run-token-1/train_set.csv")

	// A second run with the same run identifier splits the same way.
	other := newHarness(t)
	other.seedDataset("train.csv", 30)
	other.createRun(t, "pr-3", "datasets/train.csv")
	if _, err := other.executor.Execute(context.Background(), "pr-3"); err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	second, _ := other.store.Object(artifactBucket, "pipeline/run-token-1/train_set.csv")
	if string(first) != string(second) {
		t.Fatalf("split is not reproducible for the same run id")
	}
}

func TestExecuteHaltsWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRun(t, "pr-4", "s3://datasets/missing.csv")

	state, err := h.executor.Execute(ctx, "pr-4")
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if state != domain.RunStateFailed {
		t.Fatalf("state=%s, want failed", state)
	}

	statuses := h.statuses(t, "pr-4")
	if got := statuses[domain.StepSplitTrainTest]; len(got) != 2 || got[1] != domain.StepStatusFailed {
		t.Fatalf("split statuses=%v", got)
	}
	for _, name := range []string{domain.StepTrainRandomForest, domain.StepApproveModel, domain.StepDeployToProd} {
		if got := statuses[name]; len(got) != 1 || got[0] != domain.StepStatusSkipped {
			t.Fatalf("%s statuses=%v, want one skipped", name, got)
		}
	}
	if len(h.trackers.Runs()) != 0 {
		t.Fatalf("training ran after split failed")
	}

	run, _ := h.runs.Get(ctx, "pr-4")
	if run.Status != domain.RunStateFailed || !strings.Contains(run.Error, domain.StepSplitTrainTest) || run.EndedAt == nil {
		t.Fatalf("run=%+v", run)
	}

	if _, err := h.executor.Execute(ctx, "pr-4"); !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("re-execute err=%v, want ErrNotRunnable", err)
	}
}

func TestExecuteFailsSplitOnMalformedDatasetReference(t *testing.T) {
	h := newHarness(t)
	h.createRun(t, "pr-5", "ftp://datasets/train.csv")

	state, err := h.executor.Execute(context.Background(), "pr-5")
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if state != domain.RunStateFailed {
		t.Fatalf("state=%s", state)
	}
	got := h.statuses(t, "pr-5")[domain.StepSplitTrainTest]
	if len(got) != 2 || got[0] != domain.StepStatusRetried || got[1] != domain.StepStatusFailed {
		t.Fatalf("split statuses=%v", got)
	}
}

func TestExecuteRejectsStepThatSkipsDeclaredWrite(t *testing.T) {
	h := newHarness(t)
	steps := []Step{
		fieldStep{name: domain.StepGenerateRunID, writes: []Field{FieldRunID}},
		fieldStep{name: domain.StepSplitTrainTest},
		fieldStep{name: domain.StepTrainRandomForest},
		approvalGate{},
		fieldStep{name: domain.StepDeployToProd},
	}
	exec := h.newExecutor(t, steps)
	h.createRun(t, "pr-6", "datasets/train.csv")

	state, err := exec.Execute(context.Background(), "pr-6")
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if state != domain.RunStateFailed {
		t.Fatalf("state=%s", state)
	}
	run, _ := h.runs.Get(context.Background(), "pr-6")
	if !strings.Contains(run.Error, "did not write") {
		t.Fatalf("error=%q", run.Error)
	}
}

func TestExecuteStopsWithoutRecordingWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	steps := []Step{
		fieldStep{name: domain.StepGenerateRunID, writes: []Field{FieldRunID}, run: func(ctx context.Context, scope *Scope) error {
			cancel()
			return ctx.Err()
		}},
		fieldStep{name: domain.StepSplitTrainTest},
		fieldStep{name: domain.StepTrainRandomForest},
		approvalGate{},
		fieldStep{name: domain.StepDeployToProd},
	}
	exec := h.newExecutor(t, steps)
	h.createRun(t, "pr-7", "datasets/train.csv")

	if _, err := exec.Execute(ctx, "pr-7"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if got := h.statuses(t, "pr-7"); len(got) != 0 {
		t.Fatalf("recorded attempts after cancel: %v", got)
	}
	run, _ := h.runs.Get(context.Background(), "pr-7")
	if run.Status != domain.RunStateRunning {
		t.Fatalf("status=%s, want running", run.Status)
	}
}

func TestNewExecutorRejectsMisorderedSteps(t *testing.T) {
	h := newHarness(t)
	steps := []Step{
		fieldStep{name: domain.StepSplitTrainTest},
		fieldStep{name: domain.StepGenerateRunID},
		fieldStep{name: domain.StepTrainRandomForest},
		approvalGate{},
		fieldStep{name: domain.StepDeployToProd},
	}
	if _, err := NewExecutor(h.def, steps, h.runs, h.records, nil); err == nil {
		t.Fatalf("expected error for misordered steps")
	}
}

func TestConcurrentRunsUseDistinctSplitPathsAndReplaceProduction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var issued atomic.Int64
	trk, err := tracker.New(h.trackers, h.store, artifactBucket)
	if err != nil {
		t.Fatalf("tracker.New() err=%v", err)
	}
	steps, err := BuildSteps(h.def, Dependencies{
		Store:    h.store,
		Bucket:   artifactBucket,
		Tracker:  trk,
		NewRunID: func() string { return fmt.Sprintf("token-%d", issued.Add(1)) },
	})
	if err != nil {
		t.Fatalf("BuildSteps() err=%v", err)
	}
	h.executor = h.newExecutor(t, steps)
	h.store.Seed(artifactBucket, "prod/model.json", []byte("stale"))

	h.seedDataset("a.csv", 30)
	h.seedDataset("b.csv", 36)
	h.createRun(t, "pr-a", "s3://datasets/a.csv")
	h.createRun(t, "pr-b", "s3://datasets/b.csv")

	var wg sync.WaitGroup
	for _, id := range []string{"pr-a", "pr-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.executor.Execute(ctx, id); err != nil {
				t.Errorf("Execute(%s) err=%v", id, err)
			}
		}()
	}
	wg.Wait()

	prefixes := map[string]bool{}
	for _, id := range []string{"pr-a", "pr-b"} {
		run, _ := h.runs.Get(ctx, id)
		rc, err := DecodeRunContext(run.Context)
		if err != nil {
			t.Fatalf("DecodeRunContext() err=%v", err)
		}
		splits, err := rc.Splits()
		if err != nil {
			t.Fatalf("%s splits: %v", id, err)
		}
		prefix := strings.TrimSuffix(splits.TrainKey, "train_set.csv")
		if prefixes[prefix] {
			t.Fatalf("split prefix %q shared between runs", prefix)
		}
		prefixes[prefix] = true
	}

	h.approve(t, "pr-b")
	if state, err := h.executor.Execute(ctx, "pr-b"); err != nil || state != domain.RunStateSucceeded {
		t.Fatalf("Execute() state=%s err=%v", state, err)
	}
	prod, _ := h.store.Object(artifactBucket, "prod/model.json")
	if string(prod) == "stale" {
		t.Fatalf("production artifact was not replaced")
	}
}

func TestExecuteParksAgainWhenResumedWithoutApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDataset("train.csv", 30)
	h.createRun(t, "pr-9", "s3://datasets/train.csv")
	if _, err := h.executor.Execute(ctx, "pr-9"); err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if err := h.runs.TransitionStatus(ctx, "pr-9", repo.StatusChange{From: domain.RunStateAwaitingApproval, To: domain.RunStateRunning}); err != nil {
		t.Fatalf("TransitionStatus() err=%v", err)
	}

	state, err := h.executor.Execute(ctx, "pr-9")
	if err != nil || state != domain.RunStateAwaitingApproval {
		t.Fatalf("state=%s err=%v, want awaiting_approval", state, err)
	}
	if got := h.statuses(t, "pr-9")[domain.StepApproveModel]; len(got) != 1 || got[0] != domain.StepStatusAwaitingApproval {
		t.Fatalf("gate statuses=%v", got)
	}
	if _, ok := h.store.Object(artifactBucket, "prod/model.json"); ok {
		t.Fatalf("production slot written without approval")
	}
}
