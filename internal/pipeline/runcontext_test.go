package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/custsat/internal/domain"
)

type fieldStep struct {
	name   string
	reads  []Field
	writes []Field
	run    func(ctx context.Context, scope *Scope) error
}

func (s fieldStep) Name() string    { return s.name }
func (s fieldStep) Reads() []Field  { return s.reads }
func (s fieldStep) Writes() []Field { return s.writes }
func (s fieldStep) Run(ctx context.Context, scope *Scope) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, scope)
}

func TestRunContextFieldsAreWriteOnce(t *testing.T) {
	rc := NewRunContext("s3://data/train.csv", domain.Hyperparameters{MaxDepth: 3})
	if _, err := rc.RunID(); !errors.Is(err, ErrFieldUnset) {
		t.Fatalf("RunID() err=%v, want ErrFieldUnset", err)
	}
	if err := rc.SetRunID("abc"); err != nil {
		t.Fatalf("SetRunID() err=%v", err)
	}
	if err := rc.SetRunID("def"); !errors.Is(err, ErrFieldAlreadySet) {
		t.Fatalf("second SetRunID() err=%v, want ErrFieldAlreadySet", err)
	}
	id, err := rc.RunID()
	if err != nil || id != "abc" {
		t.Fatalf("RunID()=%q err=%v", id, err)
	}
	params, err := rc.Hyperparameters()
	if err != nil || params.MaxDepth != 3 {
		t.Fatalf("Hyperparameters()=%+v err=%v", params, err)
	}
}

func TestRunContextRoundTrip(t *testing.T) {
	rc := NewRunContext("bucket/key.csv", domain.Hyperparameters{MaxDepth: 0})
	_ = rc.SetRunID("run-1")
	_ = rc.SetSplits(SplitArtifacts{Bucket: "artifacts", TrainKey: "a", TestKey: "b"})
	_ = rc.SetTraining(domain.TrainingResult{ExperimentID: "1", RunID: "r"})

	raw, err := rc.Encode()
	if err != nil {
		t.Fatalf("Encode() err=%v", err)
	}
	decoded, err := DecodeRunContext(raw)
	if err != nil {
		t.Fatalf("DecodeRunContext() err=%v", err)
	}
	for _, f := range []Field{FieldDataset, FieldHyperparameters, FieldRunID, FieldSplits, FieldTraining} {
		if !decoded.IsSet(f) {
			t.Fatalf("%s not set after decode", f)
		}
	}
	if decoded.IsSet(FieldApproval) || decoded.IsSet(FieldPromotion) {
		t.Fatalf("unexpected fields set after decode")
	}
	if err := decoded.SetTraining(domain.TrainingResult{ExperimentID: "2", RunID: "s"}); !errors.Is(err, ErrFieldAlreadySet) {
		t.Fatalf("SetTraining() after decode err=%v", err)
	}
}

func TestScopeEnforcesDeclarations(t *testing.T) {
	rc := NewRunContext("bucket/key.csv", domain.Hyperparameters{})
	scope := newScope(rc, fieldStep{name: "s", reads: []Field{FieldRunID}, writes: []Field{FieldSplits}})

	if _, err := scope.Dataset(); !errors.Is(err, ErrFieldUndeclared) {
		t.Fatalf("undeclared read err=%v", err)
	}
	if err := scope.SetRunID("x"); !errors.Is(err, ErrFieldUndeclared) {
		t.Fatalf("undeclared write err=%v", err)
	}
	if _, err := scope.RunID(); !errors.Is(err, ErrFieldUnset) {
		t.Fatalf("unset read err=%v", err)
	}
	if got := scope.missingReads(); len(got) != 1 || got[0] != FieldRunID {
		t.Fatalf("missingReads()=%v", got)
	}

	if err := scope.SetSplits(SplitArtifacts{TrainKey: "t"}); err != nil {
		t.Fatalf("SetSplits() err=%v", err)
	}
	if rc.IsSet(FieldSplits) {
		t.Fatalf("staged write leaked into context before commit")
	}
	if err := scope.commit(); err != nil {
		t.Fatalf("commit() err=%v", err)
	}
	if !rc.IsSet(FieldSplits) {
		t.Fatalf("splits not committed")
	}

	again := newScope(rc, fieldStep{name: "s", writes: []Field{FieldSplits}})
	if err := again.SetSplits(SplitArtifacts{}); !errors.Is(err, ErrFieldAlreadySet) {
		t.Fatalf("rewrite err=%v", err)
	}
}
