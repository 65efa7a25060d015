package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/dataset"
	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/forest"
	"github.com/animus-labs/custsat/internal/storage/objectstore"
	"github.com/animus-labs/custsat/internal/tracker"
)

const csvContentType = "text/csv"

// Step is one unit of pipeline work. Reads and Writes declare the RunContext
// fields the step may touch through its Scope.
type Step interface {
	Name() string
	Reads() []Field
	Writes() []Field
	Run(ctx context.Context, scope *Scope) error
}

// Gate is a step that never does work. The executor parks the run in
// awaiting_approval until Open reports a recorded decision.
type Gate interface {
	Step
	Open(scope *Scope) bool
}

// Dependencies are the collaborators the built-in steps need.
type Dependencies struct {
	Store   objectstore.Store
	Bucket  string
	Tracker *tracker.Service
	// NewRunID defaults to a random UUIDv4.
	NewRunID func() string
}

// BuildSteps returns the five pipeline steps in execution order.
func BuildSteps(def Definition, deps Dependencies) ([]Step, error) {
	if deps.Store == nil {
		return nil, errors.New("object store is required")
	}
	if deps.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	newID := deps.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	return []Step{
		generateRunID{newID: newID},
		splitTrainTest{store: deps.Store, bucket: deps.Bucket, prefix: def.Artifacts.RunPrefix, settings: def.Split},
		trainRandomForest{store: deps.Store, tracker: deps.Tracker, split: def.Split, train: def.Train},
		approvalGate{},
		deployToProd{store: deps.Store, bucket: deps.Bucket, productionKey: def.Artifacts.ProductionKey},
	}, nil
}

type generateRunID struct {
	newID func() string
}

func (generateRunID) Name() string    { return domain.StepGenerateRunID }
func (generateRunID) Reads() []Field  { return nil }
func (generateRunID) Writes() []Field { return []Field{FieldRunID} }

func (s generateRunID) Run(ctx context.Context, scope *Scope) error {
	return scope.SetRunID(s.newID())
}

type splitTrainTest struct {
	store    objectstore.Store
	bucket   string
	prefix   string
	settings SplitSettings
}

func (splitTrainTest) Name() string    { return domain.StepSplitTrainTest }
func (splitTrainTest) Reads() []Field  { return []Field{FieldDataset, FieldRunID} }
func (splitTrainTest) Writes() []Field { return []Field{FieldSplits} }

func (s splitTrainTest) Run(ctx context.Context, scope *Scope) error {
	uri, err := scope.Dataset()
	if err != nil {
		return err
	}
	runID, err := scope.RunID()
	if err != nil {
		return err
	}
	ref, err := domain.ParseDatasetRef(uri)
	if err != nil {
		return err
	}
	data, err := objectstore.ReadAll(ctx, s.store, ref.Bucket, ref.Key)
	if err != nil {
		return fmt.Errorf("read dataset %s: %w", ref, err)
	}
	frame, err := dataset.ParseCSV(data)
	if err != nil {
		return fmt.Errorf("parse dataset %s: %w", ref, err)
	}
	if frame.ColumnIndex(s.settings.TargetColumn) < 0 {
		return fmt.Errorf("dataset %s has no %q column", ref, s.settings.TargetColumn)
	}

	train, test, err := frame.Split(s.settings.TestRatio, dataset.SeedFor(runID))
	if err != nil {
		return err
	}
	splits := SplitArtifacts{
		Bucket:    s.bucket,
		TrainKey:  path.Join(s.prefix, runID, "train_set.csv"),
		TestKey:   path.Join(s.prefix, runID, "test_set.csv"),
		TrainRows: train.Len(),
		TestRows:  test.Len(),
	}
	if err := s.write(ctx, splits.TrainKey, train); err != nil {
		return err
	}
	if err := s.write(ctx, splits.TestKey, test); err != nil {
		return err
	}
	return scope.SetSplits(splits)
}

func (s splitTrainTest) write(ctx context.Context, key string, frame *dataset.Frame) error {
	data, err := frame.Bytes()
	if err != nil {
		return err
	}
	if err := objectstore.WriteOnce(ctx, s.store, s.bucket, key, data, csvContentType); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

type trainRandomForest struct {
	store   objectstore.Store
	tracker *tracker.Service
	split   SplitSettings
	train   TrainSettings
}

func (trainRandomForest) Name() string { return domain.StepTrainRandomForest }
func (trainRandomForest) Reads() []Field {
	return []Field{FieldSplits, FieldHyperparameters, FieldRunID}
}
func (trainRandomForest) Writes() []Field { return []Field{FieldTraining} }

func (s trainRandomForest) Run(ctx context.Context, scope *Scope) error {
	splits, err := scope.Splits()
	if err != nil {
		return err
	}
	params, err := scope.Hyperparameters()
	if err != nil {
		return err
	}
	runID, err := scope.RunID()
	if err != nil {
		return err
	}

	xTrain, yTrain, err := s.load(ctx, splits.Bucket, splits.TrainKey)
	if err != nil {
		return err
	}
	xTest, yTest, err := s.load(ctx, splits.Bucket, splits.TestKey)
	if err != nil {
		return err
	}

	exp, err := s.tracker.SetExperiment(ctx, s.train.Experiment)
	if err != nil {
		return err
	}
	run, err := s.tracker.StartRun(ctx, exp.ID, runID)
	if err != nil {
		return err
	}
	if err := s.fitAndLog(ctx, run, params, runID, xTrain, yTrain, xTest, yTest); err != nil {
		_ = s.tracker.EndRun(context.WithoutCancel(ctx), run.ID, domain.TrackerRunFailed)
		return err
	}
	if err := s.tracker.EndRun(ctx, run.ID, domain.TrackerRunFinished); err != nil {
		return err
	}
	return scope.SetTraining(domain.TrainingResult{ExperimentID: exp.ID, RunID: run.ID})
}

func (s trainRandomForest) fitAndLog(ctx context.Context, run domain.TrackedRun, params domain.Hyperparameters, runID string, xTrain [][]float64, yTrain []float64, xTest [][]float64, yTest []float64) error {
	if err := s.tracker.LogParam(ctx, run.ID, "Model", "RandomForestClassifier"); err != nil {
		return err
	}
	if err := s.tracker.LogIntParam(ctx, run.ID, "max_depth", params.MaxDepth); err != nil {
		return err
	}
	if err := s.tracker.LogIntParam(ctx, run.ID, "n_estimators", s.train.NEstimators); err != nil {
		return err
	}

	model, err := forest.Fit(xTrain, yTrain, forest.Params{
		NEstimators: s.train.NEstimators,
		MaxDepth:    params.MaxDepth,
		Seed:        dataset.SeedFor(runID),
	})
	if err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}
	predicted, err := model.Predict(xTest)
	if err != nil {
		return fmt.Errorf("score forest: %w", err)
	}
	if err := s.tracker.LogMetric(ctx, run.ID, "Accuracy", forest.Accuracy(yTest, predicted)); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := model.Encode(&buf); err != nil {
		return err
	}
	_, err = s.tracker.LogArtifact(ctx, run, tracker.ModelArtifactPath, buf.Bytes(), "application/json")
	return err
}

func (s trainRandomForest) load(ctx context.Context, bucket, key string) ([][]float64, []float64, error) {
	data, err := objectstore.ReadAll(ctx, s.store, bucket, key)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	frame, err := dataset.ParseCSV(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return frame.Features(s.split.TargetColumn)
}

type approvalGate struct{}

func (approvalGate) Name() string    { return domain.StepApproveModel }
func (approvalGate) Reads() []Field  { return []Field{FieldApproval} }
func (approvalGate) Writes() []Field { return nil }

func (approvalGate) Run(ctx context.Context, scope *Scope) error {
	return nil
}

func (approvalGate) Open(scope *Scope) bool {
	_, err := scope.Approval()
	return err == nil
}

type deployToProd struct {
	store         objectstore.Store
	bucket        string
	productionKey string
}

func (deployToProd) Name() string    { return domain.StepDeployToProd }
func (deployToProd) Reads() []Field  { return []Field{FieldTraining} }
func (deployToProd) Writes() []Field { return []Field{FieldPromotion} }

func (s deployToProd) Run(ctx context.Context, scope *Scope) error {
	training, err := scope.Training()
	if err != nil {
		return err
	}
	source := tracker.ArtifactKey(training.ExperimentID, training.RunID, tracker.ModelArtifactPath)
	info, err := s.store.Copy(ctx, s.bucket, source, s.bucket, s.productionKey)
	if err != nil {
		return fmt.Errorf("promote %s: %w", source, err)
	}
	return scope.SetPromotion(Promotion{
		Bucket:    s.bucket,
		SourceKey: source,
		Key:       s.productionKey,
		ETag:      info.ETag,
	})
}
