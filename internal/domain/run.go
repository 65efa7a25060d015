package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Hyperparameters is passed through from the trigger payload untouched.
type Hyperparameters struct {
	MaxDepth int `json:"max_depth"`
}

// TriggerPayload is the pipeline input supplied at trigger time.
type TriggerPayload struct {
	MaxDepth    int    `json:"max_depth"`
	DatasetPath string `json:"dataset_path"`
}

func (p TriggerPayload) Validate() error {
	if strings.TrimSpace(p.DatasetPath) == "" {
		return errors.New("dataset_path is required")
	}
	if p.MaxDepth < 0 {
		return errors.New("max_depth must be >= 0")
	}
	return nil
}

func (p TriggerPayload) Hyperparameters() Hyperparameters {
	return Hyperparameters{MaxDepth: p.MaxDepth}
}

// TrainingResult identifies the tracked run that owns the trained model.
type TrainingResult struct {
	ExperimentID string `json:"experiment_id"`
	RunID        string `json:"run_id"`
}

// PipelineRun is one orchestrated execution of the promotion pipeline.
type PipelineRun struct {
	ID          string
	Status      RunState
	DatasetPath string
	Params      Hyperparameters
	// Context holds the serialized run context so a run can resume in another process.
	Context   json.RawMessage
	Error     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("pipeline run id is required")
	}
	if NormalizeRunState(string(r.Status)) == "" {
		return errors.New("status is invalid")
	}
	if strings.TrimSpace(r.DatasetPath) == "" {
		return errors.New("dataset path is required")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return errors.New("created by is required")
	}
	return nil
}

// StepExecution is one attempt of one step. Attempts are append-only.
type StepExecution struct {
	ID            string
	PipelineRunID string
	StepName      string
	Attempt       int
	Status        StepStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	ErrorCode     string
	ErrorMessage  string
	Result        json.RawMessage
}
