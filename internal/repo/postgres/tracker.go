package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
)

const (
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	upsertExperimentQuery = `INSERT INTO tracker_experiments (experiment_id, name, created_at)
	VALUES ($1,$2,$3)
	ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
	RETURNING experiment_id, name, created_at`

	insertTrackerRunQuery = `INSERT INTO tracker_runs (
		run_id, experiment_id, run_name, status, params, metrics, artifact_uri, started_at, ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectTrackerRunQuery = `SELECT run_id, experiment_id, run_name, status, params, metrics, artifact_uri, started_at, ended_at
	 FROM tracker_runs
	 WHERE run_id = $1`

	setTrackerParamQuery = `UPDATE tracker_runs
	 SET params = params || jsonb_build_object($2::text, $3::text)
	 WHERE run_id = $1`

	setTrackerMetricQuery = `UPDATE tracker_runs
	 SET metrics = metrics || jsonb_build_object($2::text, $3::float8)
	 WHERE run_id = $1`

	finishTrackerRunQuery = `UPDATE tracker_runs
	 SET status = $2, ended_at = $3
	 WHERE run_id = $1`
)

type TrackerStore struct {
	db DB
}

func NewTrackerStore(db DB) *TrackerStore {
	if db == nil {
		return nil
	}
	return &TrackerStore{db: db}
}

func (s *TrackerStore) EnsureExperiment(ctx context.Context, name string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("tracker store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Experiment{}, fmt.Errorf("experiment name is required")
	}
	var exp domain.Experiment
	err := s.db.QueryRowContext(ctx, upsertExperimentQuery, uuid.NewString(), name, time.Now().UTC()).
		Scan(&exp.ID, &exp.Name, &exp.CreatedAt)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("upsert experiment: %w", err)
	}
	exp.CreatedAt = exp.CreatedAt.UTC()
	return exp, nil
}

func (s *TrackerStore) CreateRun(ctx context.Context, run domain.TrackedRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tracker store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(run.ExperimentID) == "" {
		return fmt.Errorf("experiment id is required")
	}
	paramsJSON, err := json.Marshal(nonNilParams(run.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metricsJSON, err := json.Marshal(nonNilMetrics(run.Metrics))
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertTrackerRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ExperimentID),
		nullIfEmpty(run.Name),
		string(run.Status),
		paramsJSON,
		metricsJSON,
		run.ArtifactURI,
		normalizeTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert tracker run: %w", err)
	}
	return nil
}

func (s *TrackerStore) GetRun(ctx context.Context, id string) (domain.TrackedRun, error) {
	if s == nil || s.db == nil {
		return domain.TrackedRun{}, fmt.Errorf("tracker store not initialized")
	}
	var (
		run         domain.TrackedRun
		name        sql.NullString
		status      string
		paramsJSON  []byte
		metricsJSON []byte
		endedAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectTrackerRunQuery, strings.TrimSpace(id)).Scan(
		&run.ID, &run.ExperimentID, &name, &status, &paramsJSON, &metricsJSON, &run.ArtifactURI, &run.StartedAt, &endedAt,
	)
	if err != nil {
		return domain.TrackedRun{}, handleNotFound(err)
	}
	run.Name = name.String
	run.Status = domain.TrackerRunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	run.EndedAt = timePtr(endedAt)
	if err := json.Unmarshal(jsonOrEmpty(paramsJSON), &run.Params); err != nil {
		return domain.TrackedRun{}, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal(jsonOrEmpty(metricsJSON), &run.Metrics); err != nil {
		return domain.TrackedRun{}, fmt.Errorf("decode metrics: %w", err)
	}
	return run, nil
}

func (s *TrackerStore) SetParam(ctx context.Context, runID, key, value string) error {
	return s.update(ctx, "set param", setTrackerParamQuery, runID, key, value)
}

func (s *TrackerStore) SetMetric(ctx context.Context, runID, key string, value float64) error {
	return s.update(ctx, "set metric", setTrackerMetricQuery, runID, key, value)
}

func (s *TrackerStore) FinishRun(ctx context.Context, runID string, status domain.TrackerRunStatus, endedAt time.Time) error {
	return s.update(ctx, "finish run", finishTrackerRunQuery, runID, string(status), endedAt.UTC())
}

func (s *TrackerStore) update(ctx context.Context, op, query, runID string, args ...any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tracker store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(ctx, query, append([]any{runID}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%s: %w", op, repo.ErrNotFound)
	}
	return nil
}

func nonNilParams(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
