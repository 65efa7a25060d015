package domain

import "time"

type TrackerRunStatus string

const (
	TrackerRunRunning  TrackerRunStatus = "RUNNING"
	TrackerRunFinished TrackerRunStatus = "FINISHED"
	TrackerRunFailed   TrackerRunStatus = "FAILED"
)

// Experiment groups tracked runs under a stable name.
type Experiment struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TrackedRun records the params and metrics of one training attempt.
type TrackedRun struct {
	ID           string
	ExperimentID string
	Name         string
	Status       TrackerRunStatus
	Params       map[string]string
	Metrics      map[string]float64
	// ArtifactURI is the object key prefix for logged artifacts.
	ArtifactURI string
	StartedAt   time.Time
	EndedAt     *time.Time
}
