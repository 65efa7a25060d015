package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/repo"
)

// ErrNotRunnable is returned when a run is in a state the executor cannot advance.
var ErrNotRunnable = errors.New("pipeline run is not runnable")

// Executor drives one pipeline run through its steps in order. Progress is
// read back from the recorded step attempts, so Execute can be called again
// on a run that stopped at the gate and was later approved.
type Executor struct {
	def        Definition
	steps      []Step
	runs       repo.PipelineRunRepository
	records    repo.StepExecutionRepository
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func(policy StepPolicy) backoff.BackOff
}

func NewExecutor(def Definition, steps []Step, runs repo.PipelineRunRepository, records repo.StepExecutionRepository, logger *slog.Logger) (*Executor, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if runs == nil || records == nil {
		return nil, errors.New("run and step execution repositories are required")
	}
	if len(steps) != len(def.Steps) {
		return nil, fmt.Errorf("expected %d steps, got %d", len(def.Steps), len(steps))
	}
	for i, step := range steps {
		if step == nil || step.Name() != def.Steps[i].Name {
			return nil, fmt.Errorf("step %d must be %q", i, def.Steps[i].Name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		def:     def,
		steps:   steps,
		runs:    runs,
		records: records,
		logger:  logger,
		now:     time.Now,
		newBackOff: func(policy StepPolicy) backoff.BackOff {
			return backoff.NewConstantBackOff(policy.RetryDelay)
		},
	}, nil
}

// Execute advances the run until it succeeds, fails, or parks at the gate,
// and returns the state it left the run in. A cancelled ctx leaves the run
// running with no further attempts recorded.
func (e *Executor) Execute(ctx context.Context, pipelineRunID string) (domain.RunState, error) {
	pipelineRunID = strings.TrimSpace(pipelineRunID)
	run, err := e.runs.Get(ctx, pipelineRunID)
	if err != nil {
		return "", err
	}
	switch run.Status {
	case domain.RunStatePending:
		if err := e.runs.TransitionStatus(ctx, run.ID, repo.StatusChange{From: domain.RunStatePending, To: domain.RunStateRunning}); err != nil {
			return "", err
		}
	case domain.RunStateRunning:
	default:
		return run.Status, fmt.Errorf("%s is %s: %w", run.ID, run.Status, ErrNotRunnable)
	}

	rc, err := DecodeRunContext(run.Context)
	if err != nil {
		return domain.RunStateRunning, err
	}
	if !rc.IsSet(FieldDataset) {
		rc = NewRunContext(run.DatasetPath, run.Params)
	}

	existing, err := e.records.ListByRun(ctx, run.ID)
	if err != nil {
		return domain.RunStateRunning, err
	}
	state := buildStepState(existing)
	logger := e.logger.With("pipeline_run_id", run.ID)

	for i, step := range e.steps {
		name := step.Name()
		st := state[name]
		if st.TerminalStatus == domain.StepStatusSucceeded || writesComplete(rc, step) {
			continue
		}

		if gate, ok := step.(Gate); ok {
			if gate.Open(newScope(rc, step)) {
				if err := e.recordApproval(ctx, run.ID, rc, name, st); err != nil {
					return domain.RunStateRunning, err
				}
				continue
			}
			if st.LastStatus != domain.StepStatusAwaitingApproval {
				if _, err := e.insert(ctx, run.ID, name, st.Attempts+1, domain.StepStatusAwaitingApproval, nil, "", ""); err != nil {
					return domain.RunStateRunning, err
				}
			}
			if err := e.runs.TransitionStatus(ctx, run.ID, repo.StatusChange{From: domain.RunStateRunning, To: domain.RunStateAwaitingApproval}); err != nil {
				return domain.RunStateRunning, err
			}
			logger.Info("pipeline run awaiting approval", "step", name)
			return domain.RunStateAwaitingApproval, nil
		}

		stepErr, err := e.runWithRetry(ctx, logger, run.ID, rc, step, st.Attempts)
		if err != nil {
			return domain.RunStateRunning, err
		}
		if stepErr != nil {
			return e.halt(ctx, logger, run.ID, i, state, stepErr)
		}
	}

	endedAt := e.now().UTC()
	if err := e.runs.TransitionStatus(ctx, run.ID, repo.StatusChange{From: domain.RunStateRunning, To: domain.RunStateSucceeded, EndedAt: &endedAt}); err != nil {
		return domain.RunStateRunning, err
	}
	logger.Info("pipeline run succeeded")
	return domain.RunStateSucceeded, nil
}

// runWithRetry returns the step's final error in stepErr. err is reserved for
// failures to record progress or a cancelled context.
func (e *Executor) runWithRetry(ctx context.Context, logger *slog.Logger, runID string, rc *RunContext, step Step, priorAttempts int) (stepErr error, err error) {
	name := step.Name()
	policy, _ := e.def.Policy(name)
	maxAttempts := policy.Retries + 1
	if priorAttempts >= maxAttempts {
		return fmt.Errorf("%s already used %d of %d attempts", name, priorAttempts, maxAttempts), nil
	}

	attempt := priorAttempts
	var recordErr error
	op := func() error {
		attempt++
		startedAt := e.now().UTC()
		result, runErr := e.attempt(ctx, runID, rc, step)
		if runErr != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		status := domain.StepStatusSucceeded
		code, message := "", ""
		if runErr != nil {
			status = domain.StepStatusFailed
			if attempt < maxAttempts {
				status = domain.StepStatusRetried
			}
			code, message = domain.StepErrorStepFailed, runErr.Error()
		}
		record := newAttemptRecord(runID, name, attempt, status, startedAt, e.now().UTC(), result, code, message)
		if _, _, err := e.records.InsertAttempt(ctx, record); err != nil {
			recordErr = err
			return backoff.Permanent(err)
		}
		if runErr == nil {
			logger.Info("step succeeded", "step", name, "attempt", attempt)
		}
		return runErr
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("step attempt failed; retrying", "step", name, "attempt", attempt, "retry_in", next.String(), "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(policy), uint64(maxAttempts-attempt-1)), ctx)
	runErr := backoff.RetryNotify(op, b, notify)
	switch {
	case recordErr != nil:
		return nil, recordErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return runErr, nil
	}
}

// attempt runs step once against a fresh scope. Staged writes are committed
// and the context persisted only when every declared write was produced.
func (e *Executor) attempt(ctx context.Context, runID string, rc *RunContext, step Step) (json.RawMessage, error) {
	scope := newScope(rc, step)
	if missing := scope.missingReads(); len(missing) > 0 {
		return nil, fmt.Errorf("%s reads %v: %w", step.Name(), missing, ErrFieldUnset)
	}
	if err := step.Run(ctx, scope); err != nil {
		return nil, err
	}
	if missing := scope.missingWrites(); len(missing) > 0 {
		return nil, fmt.Errorf("%s did not write %v: %w", step.Name(), missing, ErrFieldUnset)
	}
	result, err := scope.staged.Encode()
	if err != nil {
		return nil, err
	}
	if err := scope.commit(); err != nil {
		return nil, err
	}
	encoded, err := rc.Encode()
	if err != nil {
		return nil, err
	}
	if err := e.runs.SaveContext(ctx, runID, encoded); err != nil {
		return nil, fmt.Errorf("save run context: %w", err)
	}
	return result, nil
}

// halt records every step after failedIdx as skipped and fails the run.
func (e *Executor) halt(ctx context.Context, logger *slog.Logger, runID string, failedIdx int, state map[string]stepState, stepErr error) (domain.RunState, error) {
	failed := e.steps[failedIdx].Name()
	for _, step := range e.steps[failedIdx+1:] {
		st := state[step.Name()]
		message := fmt.Sprintf("skipped because %s failed", failed)
		if _, err := e.insert(ctx, runID, step.Name(), st.Attempts+1, domain.StepStatusSkipped, nil, domain.StepErrorUpstreamFailed, message); err != nil {
			return domain.RunStateRunning, err
		}
	}
	endedAt := e.now().UTC()
	change := repo.StatusChange{
		From:    domain.RunStateRunning,
		To:      domain.RunStateFailed,
		Error:   fmt.Sprintf("%s: %v", failed, stepErr),
		EndedAt: &endedAt,
	}
	if err := e.runs.TransitionStatus(ctx, runID, change); err != nil {
		return domain.RunStateRunning, err
	}
	logger.Error("pipeline run failed", "step", failed, "error", stepErr)
	return domain.RunStateFailed, nil
}

// recordApproval adds the succeeded gate attempt when the approval reached
// the context but its attempt record did not.
func (e *Executor) recordApproval(ctx context.Context, runID string, rc *RunContext, name string, st stepState) error {
	approval, err := rc.Approval()
	if err != nil {
		return err
	}
	result, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	_, err = e.insert(ctx, runID, name, st.Attempts+1, domain.StepStatusSucceeded, result, "", "")
	return err
}

func (e *Executor) insert(ctx context.Context, runID, stepName string, attempt int, status domain.StepStatus, result json.RawMessage, code, message string) (domain.StepExecution, error) {
	now := e.now().UTC()
	record, _, err := e.records.InsertAttempt(ctx, newAttemptRecord(runID, stepName, attempt, status, now, now, result, code, message))
	return record, err
}

func newAttemptRecord(runID, stepName string, attempt int, status domain.StepStatus, startedAt, finishedAt time.Time, result json.RawMessage, code, message string) domain.StepExecution {
	record := domain.StepExecution{
		PipelineRunID: runID,
		StepName:      stepName,
		Attempt:       attempt,
		Status:        status,
		StartedAt:     startedAt,
		ErrorCode:     code,
		ErrorMessage:  message,
		Result:        result,
	}
	if status != domain.StepStatusAwaitingApproval {
		record.FinishedAt = &finishedAt
	}
	return record
}

// NextAttempt returns the attempt number the next record for stepName should use.
func NextAttempt(records []domain.StepExecution, stepName string) int {
	return buildStepState(records)[stepName].Attempts + 1
}

type stepState struct {
	Attempts        int
	LastStatus      domain.StepStatus
	TerminalStatus  domain.StepStatus
	TerminalAttempt int
}

func buildStepState(records []domain.StepExecution) map[string]stepState {
	state := make(map[string]stepState)
	for _, record := range records {
		name := strings.TrimSpace(record.StepName)
		if name == "" {
			continue
		}
		st := state[name]
		if record.Attempt > st.Attempts {
			st.Attempts = record.Attempt
			st.LastStatus = record.Status
		}
		if isTerminalStatus(record.Status) && record.Attempt >= st.TerminalAttempt {
			st.TerminalStatus = record.Status
			st.TerminalAttempt = record.Attempt
		}
		state[name] = st
	}
	return state
}

func isTerminalStatus(status domain.StepStatus) bool {
	switch status {
	case domain.StepStatusSucceeded, domain.StepStatusFailed, domain.StepStatusSkipped:
		return true
	default:
		return false
	}
}

// writesComplete reports whether a step with declared writes already has all
// of them in the context, which happens when a process stopped between
// persisting the context and recording the attempt.
func writesComplete(rc *RunContext, step Step) bool {
	writes := step.Writes()
	if len(writes) == 0 {
		return false
	}
	for _, f := range writes {
		if !rc.IsSet(f) {
			return false
		}
	}
	return true
}
