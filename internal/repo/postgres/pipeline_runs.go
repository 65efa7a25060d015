package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
)

const (
	pipelineRunColumns = `pipeline_run_id, status, dataset_path, params, context, error_message, created_by, created_at, updated_at, ended_at`

	insertPipelineRunQuery = `INSERT INTO pipeline_runs (` + pipelineRunColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	selectPipelineRunQuery = `SELECT ` + pipelineRunColumns + `
	 FROM pipeline_runs
	 WHERE pipeline_run_id = $1`

	transitionPipelineRunQuery = `UPDATE pipeline_runs
	 SET status = $3, error_message = COALESCE($4, error_message), ended_at = COALESCE($5, ended_at), updated_at = $6
	 WHERE pipeline_run_id = $1 AND status = $2`

	savePipelineRunContextQuery = `UPDATE pipeline_runs
	 SET context = $2, updated_at = $3
	 WHERE pipeline_run_id = $1`
)

type PipelineRunStore struct {
	db  DB
	now func() time.Time
}

func NewPipelineRunStore(db DB) *PipelineRunStore {
	if db == nil {
		return nil
	}
	return &PipelineRunStore{db: db, now: time.Now}
}

func (s *PipelineRunStore) Create(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(
		ctx,
		insertPipelineRunQuery,
		strings.TrimSpace(run.ID),
		string(run.Status),
		strings.TrimSpace(run.DatasetPath),
		paramsJSON,
		jsonOrEmpty(run.Context),
		nullIfEmpty(run.Error),
		strings.TrimSpace(run.CreatedBy),
		createdAt,
		updatedAt.UTC(),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

func (s *PipelineRunStore) Get(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineRun{}, fmt.Errorf("pipeline run id is required")
	}
	run, err := scanPipelineRun(s.db.QueryRowContext(ctx, selectPipelineRunQuery, id))
	if err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *PipelineRunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline run store not initialized")
	}
	query, args := listPipelineRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	return runs, nil
}

func listPipelineRunsQuery(filter repo.RunFilter) (string, []any) {
	args := make([]any, 0, 2)
	query := `SELECT ` + pipelineRunColumns + ` FROM pipeline_runs`
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *PipelineRunStore) TransitionStatus(ctx context.Context, id string, change repo.StatusChange) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("pipeline run id is required")
	}
	if !domain.CanTransitionRunState(change.From, change.To) {
		return fmt.Errorf("transition %s -> %s: %w", change.From, change.To, repo.ErrConflict)
	}

	res, err := s.db.ExecContext(
		ctx,
		transitionPipelineRunQuery,
		id,
		string(change.From),
		string(change.To),
		nullIfEmpty(change.Error),
		nullTime(change.EndedAt),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update pipeline run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pipeline run status: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("transition %s -> %s: %w", change.From, change.To, repo.ErrConflict)
	}
	return nil
}

func (s *PipelineRunStore) SaveContext(ctx context.Context, id string, runContext json.RawMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, savePipelineRunContextQuery, strings.TrimSpace(id), jsonOrEmpty(runContext), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save run context: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanPipelineRun(scanner rowScanner) (domain.PipelineRun, error) {
	var (
		run          domain.PipelineRun
		status       string
		paramsJSON   []byte
		contextJSON  []byte
		errorMessage sql.NullString
		endedAt      sql.NullTime
	)
	if err := scanner.Scan(
		&run.ID,
		&status,
		&run.DatasetPath,
		&paramsJSON,
		&contextJSON,
		&errorMessage,
		&run.CreatedBy,
		&run.CreatedAt,
		&run.UpdatedAt,
		&endedAt,
	); err != nil {
		return domain.PipelineRun{}, err
	}
	run.Status = domain.RunState(status)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode params: %w", err)
		}
	}
	run.Context = json.RawMessage(contextJSON)
	run.Error = strings.TrimSpace(errorMessage.String)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
