package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/custsat/internal/domain"
)

var (
	ErrFieldUnset      = errors.New("run context field is unset")
	ErrFieldAlreadySet = errors.New("run context field is already set")
	ErrFieldUndeclared = errors.New("run context field is not declared by step")
)

// Field names a slot in the RunContext.
type Field string

const (
	FieldDataset         Field = "dataset"
	FieldHyperparameters Field = "hyperparameters"
	FieldRunID           Field = "run_id"
	FieldSplits          Field = "splits"
	FieldTraining        Field = "training"
	FieldApproval        Field = "approval"
	FieldPromotion       Field = "promotion"
)

// SplitArtifacts locates the train and test partitions written by the split step.
type SplitArtifacts struct {
	Bucket    string `json:"bucket"`
	TrainKey  string `json:"train_key"`
	TestKey   string `json:"test_key"`
	TrainRows int    `json:"train_rows"`
	TestRows  int    `json:"test_rows"`
}

type Approval struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

type Promotion struct {
	Bucket    string `json:"bucket"`
	SourceKey string `json:"source_key"`
	Key       string `json:"key"`
	ETag      string `json:"etag,omitempty"`
}

type runContextState struct {
	Dataset         *string                 `json:"dataset,omitempty"`
	Hyperparameters *domain.Hyperparameters `json:"hyperparameters,omitempty"`
	RunID           *string                 `json:"run_id,omitempty"`
	Splits          *SplitArtifacts         `json:"splits,omitempty"`
	Training        *domain.TrainingResult  `json:"training,omitempty"`
	Approval        *Approval               `json:"approval,omitempty"`
	Promotion       *Promotion              `json:"promotion,omitempty"`
}

// RunContext carries values between steps of one pipeline run. Every field is
// write-once; reading a field that was never written returns ErrFieldUnset.
type RunContext struct {
	state runContextState
}

func NewRunContext(datasetPath string, params domain.Hyperparameters) *RunContext {
	rc := &RunContext{}
	dataset := strings.TrimSpace(datasetPath)
	rc.state.Dataset = &dataset
	rc.state.Hyperparameters = &params
	return rc
}

func DecodeRunContext(raw json.RawMessage) (*RunContext, error) {
	rc := &RunContext{}
	if len(raw) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(raw, &rc.state); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	return rc, nil
}

func (rc *RunContext) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(rc.state)
	if err != nil {
		return nil, fmt.Errorf("encode run context: %w", err)
	}
	return data, nil
}

func (rc *RunContext) IsSet(field Field) bool {
	switch field {
	case FieldDataset:
		return rc.state.Dataset != nil
	case FieldHyperparameters:
		return rc.state.Hyperparameters != nil
	case FieldRunID:
		return rc.state.RunID != nil
	case FieldSplits:
		return rc.state.Splits != nil
	case FieldTraining:
		return rc.state.Training != nil
	case FieldApproval:
		return rc.state.Approval != nil
	case FieldPromotion:
		return rc.state.Promotion != nil
	default:
		return false
	}
}

func unset(field Field) error {
	return fmt.Errorf("%s: %w", field, ErrFieldUnset)
}

func alreadySet(field Field) error {
	return fmt.Errorf("%s: %w", field, ErrFieldAlreadySet)
}

func (rc *RunContext) Dataset() (string, error) {
	if rc.state.Dataset == nil {
		return "", unset(FieldDataset)
	}
	return *rc.state.Dataset, nil
}

func (rc *RunContext) Hyperparameters() (domain.Hyperparameters, error) {
	if rc.state.Hyperparameters == nil {
		return domain.Hyperparameters{}, unset(FieldHyperparameters)
	}
	return *rc.state.Hyperparameters, nil
}

func (rc *RunContext) RunID() (string, error) {
	if rc.state.RunID == nil {
		return "", unset(FieldRunID)
	}
	return *rc.state.RunID, nil
}

func (rc *RunContext) SetRunID(id string) error {
	if rc.state.RunID != nil {
		return alreadySet(FieldRunID)
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("run id is required")
	}
	rc.state.RunID = &id
	return nil
}

func (rc *RunContext) Splits() (SplitArtifacts, error) {
	if rc.state.Splits == nil {
		return SplitArtifacts{}, unset(FieldSplits)
	}
	return *rc.state.Splits, nil
}

func (rc *RunContext) SetSplits(splits SplitArtifacts) error {
	if rc.state.Splits != nil {
		return alreadySet(FieldSplits)
	}
	rc.state.Splits = &splits
	return nil
}

func (rc *RunContext) Training() (domain.TrainingResult, error) {
	if rc.state.Training == nil {
		return domain.TrainingResult{}, unset(FieldTraining)
	}
	return *rc.state.Training, nil
}

func (rc *RunContext) SetTraining(result domain.TrainingResult) error {
	if rc.state.Training != nil {
		return alreadySet(FieldTraining)
	}
	if strings.TrimSpace(result.ExperimentID) == "" || strings.TrimSpace(result.RunID) == "" {
		return errors.New("training result requires experiment_id and run_id")
	}
	rc.state.Training = &result
	return nil
}

func (rc *RunContext) Approval() (Approval, error) {
	if rc.state.Approval == nil {
		return Approval{}, unset(FieldApproval)
	}
	return *rc.state.Approval, nil
}

func (rc *RunContext) SetApproval(approval Approval) error {
	if rc.state.Approval != nil {
		return alreadySet(FieldApproval)
	}
	if strings.TrimSpace(approval.ApprovedBy) == "" {
		return errors.New("approver is required")
	}
	rc.state.Approval = &approval
	return nil
}

func (rc *RunContext) Promotion() (Promotion, error) {
	if rc.state.Promotion == nil {
		return Promotion{}, unset(FieldPromotion)
	}
	return *rc.state.Promotion, nil
}

func (rc *RunContext) SetPromotion(promotion Promotion) error {
	if rc.state.Promotion != nil {
		return alreadySet(FieldPromotion)
	}
	rc.state.Promotion = &promotion
	return nil
}

// merge copies every field set in staged into rc.
func (rc *RunContext) merge(staged *RunContext) error {
	if staged.state.RunID != nil {
		if err := rc.SetRunID(*staged.state.RunID); err != nil {
			return err
		}
	}
	if staged.state.Splits != nil {
		if err := rc.SetSplits(*staged.state.Splits); err != nil {
			return err
		}
	}
	if staged.state.Training != nil {
		if err := rc.SetTraining(*staged.state.Training); err != nil {
			return err
		}
	}
	if staged.state.Approval != nil {
		if err := rc.SetApproval(*staged.state.Approval); err != nil {
			return err
		}
	}
	if staged.state.Promotion != nil {
		if err := rc.SetPromotion(*staged.state.Promotion); err != nil {
			return err
		}
	}
	return nil
}

// Scope is a step's view of the RunContext. Reads and writes are limited to
// the fields the step declares; writes are staged and only land in the
// context when the attempt succeeds, so a failed attempt can be retried.
type Scope struct {
	step   string
	rc     *RunContext
	reads  map[Field]bool
	writes map[Field]bool
	staged *RunContext
}

func newScope(rc *RunContext, step Step) *Scope {
	s := &Scope{
		step:   step.Name(),
		rc:     rc,
		reads:  map[Field]bool{},
		writes: map[Field]bool{},
		staged: &RunContext{},
	}
	for _, f := range step.Reads() {
		s.reads[f] = true
	}
	for _, f := range step.Writes() {
		s.writes[f] = true
	}
	return s
}

func (s *Scope) checkRead(field Field) error {
	if !s.reads[field] {
		return fmt.Errorf("%s reads %s: %w", s.step, field, ErrFieldUndeclared)
	}
	return nil
}

func (s *Scope) checkWrite(field Field) error {
	if !s.writes[field] {
		return fmt.Errorf("%s writes %s: %w", s.step, field, ErrFieldUndeclared)
	}
	if s.rc.IsSet(field) {
		return alreadySet(field)
	}
	return nil
}

func (s *Scope) Dataset() (string, error) {
	if err := s.checkRead(FieldDataset); err != nil {
		return "", err
	}
	return s.rc.Dataset()
}

func (s *Scope) Hyperparameters() (domain.Hyperparameters, error) {
	if err := s.checkRead(FieldHyperparameters); err != nil {
		return domain.Hyperparameters{}, err
	}
	return s.rc.Hyperparameters()
}

func (s *Scope) RunID() (string, error) {
	if err := s.checkRead(FieldRunID); err != nil {
		return "", err
	}
	return s.rc.RunID()
}

func (s *Scope) Splits() (SplitArtifacts, error) {
	if err := s.checkRead(FieldSplits); err != nil {
		return SplitArtifacts{}, err
	}
	return s.rc.Splits()
}

func (s *Scope) Training() (domain.TrainingResult, error) {
	if err := s.checkRead(FieldTraining); err != nil {
		return domain.TrainingResult{}, err
	}
	return s.rc.Training()
}

func (s *Scope) Approval() (Approval, error) {
	if err := s.checkRead(FieldApproval); err != nil {
		return Approval{}, err
	}
	return s.rc.Approval()
}

func (s *Scope) SetRunID(id string) error {
	if err := s.checkWrite(FieldRunID); err != nil {
		return err
	}
	return s.staged.SetRunID(id)
}

func (s *Scope) SetSplits(splits SplitArtifacts) error {
	if err := s.checkWrite(FieldSplits); err != nil {
		return err
	}
	return s.staged.SetSplits(splits)
}

func (s *Scope) SetTraining(result domain.TrainingResult) error {
	if err := s.checkWrite(FieldTraining); err != nil {
		return err
	}
	return s.staged.SetTraining(result)
}

func (s *Scope) SetPromotion(promotion Promotion) error {
	if err := s.checkWrite(FieldPromotion); err != nil {
		return err
	}
	return s.staged.SetPromotion(promotion)
}

// missingReads lists declared reads that are unset in the context.
func (s *Scope) missingReads() []Field {
	var missing []Field
	for _, f := range orderedFields(s.reads) {
		if !s.rc.IsSet(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func (s *Scope) missingWrites() []Field {
	var missing []Field
	for _, f := range orderedFields(s.writes) {
		if !s.staged.IsSet(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func (s *Scope) commit() error {
	return s.rc.merge(s.staged)
}

var fieldOrder = []Field{
	FieldDataset,
	FieldHyperparameters,
	FieldRunID,
	FieldSplits,
	FieldTraining,
	FieldApproval,
	FieldPromotion,
}

func orderedFields(set map[Field]bool) []Field {
	out := make([]Field, 0, len(set))
	for _, f := range fieldOrder {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}
