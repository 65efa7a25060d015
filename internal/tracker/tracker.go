// Package tracker records experiments, tracked runs, their params and
// metrics, and stores logged artifacts in the artifact bucket under
// {experiment_id}/{run_id}/artifacts/{path}.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
	"github.com/animus-labs/custsat/internal/storage/objectstore"
)

// ModelArtifactPath is where training logs the serialized model inside a run.
const ModelArtifactPath = "model/model.json"

type Service struct {
	repo   repo.TrackerRepository
	store  objectstore.Store
	bucket string
	now    func() time.Time
	newID  func() string
}

func New(trackerRepo repo.TrackerRepository, store objectstore.Store, bucket string) (*Service, error) {
	if trackerRepo == nil {
		return nil, errors.New("tracker repository is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("artifact bucket is required")
	}
	return &Service{
		repo:   trackerRepo,
		store:  store,
		bucket: bucket,
		now:    time.Now,
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}, nil
}

// SetExperiment returns the experiment with name, creating it on first use.
func (s *Service) SetExperiment(ctx context.Context, name string) (domain.Experiment, error) {
	exp, err := s.repo.EnsureExperiment(ctx, name)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("set experiment %q: %w", name, err)
	}
	return exp, nil
}

func (s *Service) StartRun(ctx context.Context, experimentID, name string) (domain.TrackedRun, error) {
	if strings.TrimSpace(experimentID) == "" {
		return domain.TrackedRun{}, errors.New("experiment id is required")
	}
	id := s.newID()
	run := domain.TrackedRun{
		ID:           id,
		ExperimentID: experimentID,
		Name:         name,
		Status:       domain.TrackerRunRunning,
		Params:       map[string]string{},
		Metrics:      map[string]float64{},
		ArtifactURI:  path.Join(experimentID, id, "artifacts"),
		StartedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return domain.TrackedRun{}, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

func (s *Service) LogParam(ctx context.Context, runID, key, value string) error {
	if err := s.repo.SetParam(ctx, runID, key, value); err != nil {
		return fmt.Errorf("log param %q: %w", key, err)
	}
	return nil
}

func (s *Service) LogIntParam(ctx context.Context, runID, key string, value int) error {
	return s.LogParam(ctx, runID, key, strconv.Itoa(value))
}

func (s *Service) LogMetric(ctx context.Context, runID, key string, value float64) error {
	if err := s.repo.SetMetric(ctx, runID, key, value); err != nil {
		return fmt.Errorf("log metric %q: %w", key, err)
	}
	return nil
}

// LogArtifact stores data under the run's artifact prefix and returns its key.
func (s *Service) LogArtifact(ctx context.Context, run domain.TrackedRun, artifactPath string, data []byte, contentType string) (string, error) {
	key := ArtifactKey(run.ExperimentID, run.ID, artifactPath)
	if err := objectstore.PutBytes(ctx, s.store, s.bucket, key, data, contentType); err != nil {
		return "", fmt.Errorf("log artifact %q: %w", artifactPath, err)
	}
	return key, nil
}

func (s *Service) EndRun(ctx context.Context, runID string, status domain.TrackerRunStatus) error {
	if err := s.repo.FinishRun(ctx, runID, status, s.now().UTC()); err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.TrackedRun, error) {
	return s.repo.GetRun(ctx, runID)
}

func ArtifactKey(experimentID, runID, artifactPath string) string {
	return path.Join(experimentID, runID, "artifacts", strings.TrimPrefix(artifactPath, "/"))
}
