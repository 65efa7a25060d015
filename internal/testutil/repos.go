package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
)

// RunRepo is an in-memory repo.PipelineRunRepository.
type RunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.PipelineRun

	FailSaveContext func(id string) error
}

func NewRunRepo() *RunRepo {
	return &RunRepo{runs: map[string]domain.PipelineRun{}}
}

func (r *RunRepo) Create(ctx context.Context, run domain.PipelineRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("duplicate run %q", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	r.runs[run.ID] = run
	return nil
}

func (r *RunRepo) Get(ctx context.Context, id string) (domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (r *RunRepo) List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PipelineRun, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *RunRepo) TransitionStatus(ctx context.Context, id string, change repo.StatusChange) error {
	if !domain.CanTransitionRunState(change.From, change.To) {
		return fmt.Errorf("transition %s -> %s: %w", change.From, change.To, repo.ErrConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != change.From {
		return fmt.Errorf("transition %s -> %s: %w", change.From, change.To, repo.ErrConflict)
	}
	run.Status = change.To
	if change.Error != "" {
		run.Error = change.Error
	}
	if change.EndedAt != nil {
		ended := *change.EndedAt
		run.EndedAt = &ended
	}
	run.UpdatedAt = time.Now().UTC()
	r.runs[id] = run
	return nil
}

func (r *RunRepo) SaveContext(ctx context.Context, id string, runContext json.RawMessage) error {
	if r.FailSaveContext != nil {
		if err := r.FailSaveContext(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Context = append(json.RawMessage(nil), runContext...)
	r.runs[id] = run
	return nil
}

// StepRepo is an in-memory repo.StepExecutionRepository.
type StepRepo struct {
	mu      sync.Mutex
	records []domain.StepExecution
}

func NewStepRepo() *StepRepo {
	return &StepRepo{}
}

func (r *StepRepo) InsertAttempt(ctx context.Context, record domain.StepExecution) (domain.StepExecution, bool, error) {
	if record.Attempt < 1 {
		return domain.StepExecution{}, false, fmt.Errorf("attempt must be >= 1")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.PipelineRunID == record.PipelineRunID && existing.StepName == record.StepName && existing.Attempt == record.Attempt {
			return existing, false, nil
		}
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	r.records = append(r.records, record)
	return record, true, nil
}

func (r *StepRepo) ListByRun(ctx context.Context, pipelineRunID string) ([]domain.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StepExecution, 0)
	for _, record := range r.records {
		if record.PipelineRunID == pipelineRunID {
			out = append(out, record)
		}
	}
	return out, nil
}

// TrackerRepo is an in-memory repo.TrackerRepository.
type TrackerRepo struct {
	mu          sync.Mutex
	experiments map[string]domain.Experiment
	runs        map[string]domain.TrackedRun
}

func NewTrackerRepo() *TrackerRepo {
	return &TrackerRepo{experiments: map[string]domain.Experiment{}, runs: map[string]domain.TrackedRun{}}
}

func (r *TrackerRepo) EnsureExperiment(ctx context.Context, name string) (domain.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exp, ok := r.experiments[name]; ok {
		return exp, nil
	}
	exp := domain.Experiment{ID: fmt.Sprintf("%d", len(r.experiments)+1), Name: name, CreatedAt: time.Now().UTC()}
	r.experiments[name] = exp
	return exp, nil
}

func (r *TrackerRepo) CreateRun(ctx context.Context, run domain.TrackedRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.Params == nil {
		run.Params = map[string]string{}
	}
	if run.Metrics == nil {
		run.Metrics = map[string]float64{}
	}
	r.runs[run.ID] = run
	return nil
}

func (r *TrackerRepo) GetRun(ctx context.Context, id string) (domain.TrackedRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.TrackedRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (r *TrackerRepo) Runs() []domain.TrackedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TrackedRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}

func (r *TrackerRepo) SetParam(ctx context.Context, runID, key, value string) error {
	return r.mutate(runID, func(run *domain.TrackedRun) { run.Params[key] = value })
}

func (r *TrackerRepo) SetMetric(ctx context.Context, runID, key string, value float64) error {
	return r.mutate(runID, func(run *domain.TrackedRun) { run.Metrics[key] = value })
}

func (r *TrackerRepo) FinishRun(ctx context.Context, runID string, status domain.TrackerRunStatus, endedAt time.Time) error {
	return r.mutate(runID, func(run *domain.TrackedRun) {
		run.Status = status
		run.EndedAt = &endedAt
	})
}

func (r *TrackerRepo) mutate(runID string, fn func(run *domain.TrackedRun)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	fn(&run)
	r.runs[runID] = run
	return nil
}

// AuditLog is an in-memory repo.AuditEventAppender.
type AuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent

	FailAppend func(action string) error
}

func (a *AuditLog) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if a.FailAppend != nil {
		if err := a.FailAppend(event.Action); err != nil {
			return 0, err
		}
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	event.EventID = int64(len(a.events) + 1)
	a.events = append(a.events, event)
	return event.EventID, nil
}

func (a *AuditLog) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}
