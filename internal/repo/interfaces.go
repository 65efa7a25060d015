package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/animus-labs/custsat/internal/domain"
)

type RunFilter struct {
	Status domain.RunState
	Limit  int
}

// StatusChange is a conditional run transition: it applies only while the
// stored status still equals From.
type StatusChange struct {
	From    domain.RunState
	To      domain.RunState
	Error   string
	EndedAt *time.Time
}

// PipelineRunRepository manages pipeline runs.
type PipelineRunRepository interface {
	Create(ctx context.Context, run domain.PipelineRun) error
	Get(ctx context.Context, id string) (domain.PipelineRun, error)
	List(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	// TransitionStatus returns ErrConflict when the stored status is not change.From.
	TransitionStatus(ctx context.Context, id string, change StatusChange) error
	SaveContext(ctx context.Context, id string, runContext json.RawMessage) error
}

// StepExecutionRepository appends step attempts.
type StepExecutionRepository interface {
	// InsertAttempt is idempotent on (run, step, attempt); inserted is false
	// when the attempt already existed and the stored record is returned.
	InsertAttempt(ctx context.Context, record domain.StepExecution) (domain.StepExecution, bool, error)
	ListByRun(ctx context.Context, pipelineRunID string) ([]domain.StepExecution, error)
}

// TrackerRepository persists experiments and tracked runs.
type TrackerRepository interface {
	EnsureExperiment(ctx context.Context, name string) (domain.Experiment, error)
	CreateRun(ctx context.Context, run domain.TrackedRun) error
	GetRun(ctx context.Context, id string) (domain.TrackedRun, error)
	SetParam(ctx context.Context, runID, key, value string) error
	SetMetric(ctx context.Context, runID, key string, value float64) error
	FinishRun(ctx context.Context, runID string, status domain.TrackerRunStatus, endedAt time.Time) error
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
