package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/domain"
)

type StepExecutionStore struct {
	db DB
}

const (
	stepExecutionColumns = `step_execution_id, pipeline_run_id, step_name, attempt, status, started_at, finished_at, error_code, error_message, result`

	insertStepExecutionQuery = `INSERT INTO step_executions (` + stepExecutionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (pipeline_run_id, step_name, attempt) DO NOTHING
	RETURNING ` + stepExecutionColumns

	selectStepExecutionQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE pipeline_run_id = $1 AND step_name = $2 AND attempt = $3`

	listStepExecutionsByRunQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE pipeline_run_id = $1
	 ORDER BY started_at ASC, attempt ASC`
)

func NewStepExecutionStore(db DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

func (s *StepExecutionStore) InsertAttempt(ctx context.Context, record domain.StepExecution) (domain.StepExecution, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepExecution{}, false, fmt.Errorf("step execution store not initialized")
	}
	runID := strings.TrimSpace(record.PipelineRunID)
	stepName := strings.TrimSpace(record.StepName)
	status := strings.TrimSpace(string(record.Status))

	if runID == "" {
		return domain.StepExecution{}, false, fmt.Errorf("pipeline run id is required")
	}
	if stepName == "" {
		return domain.StepExecution{}, false, fmt.Errorf("step name is required")
	}
	if record.Attempt < 1 {
		return domain.StepExecution{}, false, fmt.Errorf("attempt must be >= 1")
	}
	if status == "" {
		return domain.StepExecution{}, false, fmt.Errorf("status is required")
	}

	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	id := record.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	inserted, err := scanStepExecution(s.db.QueryRowContext(
		ctx,
		insertStepExecutionQuery,
		id,
		runID,
		stepName,
		record.Attempt,
		status,
		startedAt.UTC(),
		nullTime(record.FinishedAt),
		nullIfEmpty(record.ErrorCode),
		nullIfEmpty(record.ErrorMessage),
		jsonOrEmpty(record.Result),
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StepExecution{}, false, fmt.Errorf("insert step execution: %w", err)
		}
		existing, err := s.getAttempt(ctx, runID, stepName, record.Attempt)
		if err != nil {
			return domain.StepExecution{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepExecutionStore) ListByRun(ctx context.Context, pipelineRunID string) ([]domain.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step execution store not initialized")
	}
	pipelineRunID = strings.TrimSpace(pipelineRunID)
	if pipelineRunID == "" {
		return nil, fmt.Errorf("pipeline run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepExecutionsByRunQuery, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	records := make([]domain.StepExecution, 0)
	for rows.Next() {
		record, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	return records, nil
}

func (s *StepExecutionStore) getAttempt(ctx context.Context, runID, stepName string, attempt int) (domain.StepExecution, error) {
	record, err := scanStepExecution(s.db.QueryRowContext(ctx, selectStepExecutionQuery, runID, stepName, attempt))
	if err != nil {
		return domain.StepExecution{}, handleNotFound(err)
	}
	return record, nil
}

func scanStepExecution(scanner rowScanner) (domain.StepExecution, error) {
	var (
		record       domain.StepExecution
		status       string
		finishedAt   sql.NullTime
		errorCode    sql.NullString
		errorMessage sql.NullString
		result       []byte
	)
	if err := scanner.Scan(
		&record.ID,
		&record.PipelineRunID,
		&record.StepName,
		&record.Attempt,
		&status,
		&record.StartedAt,
		&finishedAt,
		&errorCode,
		&errorMessage,
		&result,
	); err != nil {
		return domain.StepExecution{}, err
	}
	record.Status = domain.StepStatus(status)
	record.StartedAt = record.StartedAt.UTC()
	record.FinishedAt = timePtr(finishedAt)
	record.ErrorCode = strings.TrimSpace(errorCode.String)
	record.ErrorMessage = strings.TrimSpace(errorMessage.String)
	record.Result = result
	return record, nil
}
