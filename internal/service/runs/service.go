package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/pipeline"
	"github.com/animus-labs/custsat/internal/platform/auditlog"
	"github.com/animus-labs/custsat/internal/repo"
)

var (
	ErrInvalidPayload      = errors.New("invalid trigger payload")
	ErrNotAwaitingApproval = errors.New("pipeline run is not awaiting approval")
)

// Runner advances a stored pipeline run. *pipeline.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, pipelineRunID string) (domain.RunState, error)
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

type Service struct {
	runs    repo.PipelineRunRepository
	steps   repo.StepExecutionRepository
	audit   repo.AuditEventAppender
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(runRepo repo.PipelineRunRepository, stepRepo repo.StepExecutionRepository, audit repo.AuditEventAppender, runner Runner, logger *slog.Logger) *Service {
	if runRepo == nil || stepRepo == nil || audit == nil || runner == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runs:    runRepo,
		steps:   stepRepo,
		audit:   audit,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Trigger stores a pending run and starts executing it in the background.
func (s *Service) Trigger(ctx context.Context, payload domain.TriggerPayload, info AuditInfo) (domain.PipelineRun, error) {
	if err := payload.Validate(); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		return domain.PipelineRun{}, errors.New("actor is required")
	}

	params := payload.Hyperparameters()
	runContext, err := pipeline.NewRunContext(payload.DatasetPath, params).Encode()
	if err != nil {
		return domain.PipelineRun{}, err
	}
	now := s.now().UTC()
	run := domain.PipelineRun{
		ID:          s.newID(),
		Status:      domain.RunStatePending,
		DatasetPath: strings.TrimSpace(payload.DatasetPath),
		Params:      params,
		Context:     runContext,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return domain.PipelineRun{}, err
	}
	if err := s.appendAudit(ctx, info, auditlog.ActionRunTriggered, run.ID, domain.Metadata{
		"dataset_path": run.DatasetPath,
		"max_depth":    params.MaxDepth,
	}); err != nil {
		s.failUnaudited(ctx, run.ID, err)
		return domain.PipelineRun{}, err
	}

	s.start(run.ID)
	return run, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.PipelineRun, error) {
	return s.runs.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	return s.runs.List(ctx, filter)
}

// Steps returns every recorded attempt of the run, including retried,
// skipped and gate attempts.
func (s *Service) Steps(ctx context.Context, id string) ([]domain.StepExecution, error) {
	run, err := s.runs.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return s.steps.ListByRun(ctx, run.ID)
}

// Approve opens the gate and resumes the run from the step after it.
func (s *Service) Approve(ctx context.Context, id string, info AuditInfo) (domain.PipelineRun, error) {
	if strings.TrimSpace(info.Actor) == "" {
		return domain.PipelineRun{}, errors.New("actor is required")
	}
	run, err := s.claimDecision(ctx, id, domain.RunStateRunning, "", nil)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	// The claimed run goes back to the runner even if a write below fails;
	// without a saved approval it parks at the gate again.
	defer s.start(run.ID)

	approval := pipeline.Approval{ApprovedBy: strings.TrimSpace(info.Actor), ApprovedAt: s.now().UTC()}
	rc, err := pipeline.DecodeRunContext(run.Context)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if err := rc.SetApproval(approval); err != nil {
		return domain.PipelineRun{}, err
	}
	encoded, err := rc.Encode()
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if err := s.runs.SaveContext(ctx, run.ID, encoded); err != nil {
		return domain.PipelineRun{}, err
	}

	result, _ := json.Marshal(approval)
	if err := s.recordGate(ctx, run.ID, domain.StepStatusSucceeded, result, "", ""); err != nil {
		return domain.PipelineRun{}, err
	}
	if err := s.appendAudit(ctx, info, auditlog.ActionRunApproved, run.ID, domain.Metadata{
		"from": string(domain.RunStateAwaitingApproval),
		"to":   string(domain.RunStateRunning),
	}); err != nil {
		return domain.PipelineRun{}, err
	}
	return s.runs.Get(ctx, run.ID)
}

// Reject ends a run parked at the gate. The production artifact is untouched.
func (s *Service) Reject(ctx context.Context, id, reason string, info AuditInfo) (domain.PipelineRun, error) {
	if strings.TrimSpace(info.Actor) == "" {
		return domain.PipelineRun{}, errors.New("actor is required")
	}
	reason = strings.TrimSpace(reason)
	message := "rejected"
	if reason != "" {
		message = "rejected: " + reason
	}
	endedAt := s.now().UTC()
	run, err := s.claimDecision(ctx, id, domain.RunStateRejected, message, &endedAt)
	if err != nil {
		return domain.PipelineRun{}, err
	}

	result, _ := json.Marshal(map[string]any{"rejected_by": strings.TrimSpace(info.Actor), "reason": reason})
	if err := s.recordGate(ctx, run.ID, domain.StepStatusFailed, result, domain.StepErrorRejected, message); err != nil {
		return domain.PipelineRun{}, err
	}
	records, err := s.steps.ListByRun(ctx, run.ID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	skipped := domain.StepExecution{
		PipelineRunID: run.ID,
		StepName:      domain.StepDeployToProd,
		Attempt:       pipeline.NextAttempt(records, domain.StepDeployToProd),
		Status:        domain.StepStatusSkipped,
		StartedAt:     endedAt,
		FinishedAt:    &endedAt,
		ErrorCode:     domain.StepErrorUpstreamFailed,
		ErrorMessage:  "skipped because " + domain.StepApproveModel + " was rejected",
	}
	if _, _, err := s.steps.InsertAttempt(ctx, skipped); err != nil {
		return domain.PipelineRun{}, err
	}
	if err := s.appendAudit(ctx, info, auditlog.ActionRunRejected, run.ID, domain.Metadata{
		"from":   string(domain.RunStateAwaitingApproval),
		"to":     string(domain.RunStateRejected),
		"reason": reason,
	}); err != nil {
		return domain.PipelineRun{}, err
	}
	return s.runs.Get(ctx, run.ID)
}

// Resume hands every pending or running run to the runner. Call it once at
// startup, before requests are served, so no run is executed twice.
func (s *Service) Resume(ctx context.Context) (int, error) {
	var stalled []domain.PipelineRun
	for _, status := range []domain.RunState{domain.RunStatePending, domain.RunStateRunning} {
		runs, err := s.runs.List(ctx, repo.RunFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("list %s runs: %w", status, err)
		}
		stalled = append(stalled, runs...)
	}
	for _, run := range stalled {
		s.logger.Info("resuming pipeline run", "pipeline_run_id", run.ID, "status", string(run.Status))
		s.start(run.ID)
	}
	return len(stalled), nil
}

// Wait blocks until every execution started by the service has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight executions and waits for them, or for ctx.
// Cancelled runs stay in running with no further attempts recorded until
// the next Resume.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimDecision moves a run out of awaiting_approval with a conditional
// update, so of two concurrent decisions only one succeeds.
func (s *Service) claimDecision(ctx context.Context, id string, to domain.RunState, message string, endedAt *time.Time) (domain.PipelineRun, error) {
	run, err := s.runs.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if run.Status != domain.RunStateAwaitingApproval {
		return domain.PipelineRun{}, fmt.Errorf("%s is %s: %w", run.ID, run.Status, ErrNotAwaitingApproval)
	}
	change := repo.StatusChange{From: domain.RunStateAwaitingApproval, To: to, Error: message, EndedAt: endedAt}
	if err := s.runs.TransitionStatus(ctx, run.ID, change); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.PipelineRun{}, fmt.Errorf("%s: %w", run.ID, ErrNotAwaitingApproval)
		}
		return domain.PipelineRun{}, err
	}
	return run, nil
}

// failUnaudited ends a run whose trigger could not be audited. If that also
// fails the run stays pending and is picked up by Resume.
func (s *Service) failUnaudited(ctx context.Context, runID string, auditErr error) {
	endedAt := s.now().UTC()
	change := repo.StatusChange{
		From:    domain.RunStatePending,
		To:      domain.RunStateFailed,
		Error:   "trigger audit failed: " + auditErr.Error(),
		EndedAt: &endedAt,
	}
	if err := s.runs.TransitionStatus(ctx, runID, change); err != nil {
		s.logger.Error("unaudited pipeline run left pending", "pipeline_run_id", runID, "error", err)
	}
}

func (s *Service) recordGate(ctx context.Context, runID string, status domain.StepStatus, result json.RawMessage, code, message string) error {
	records, err := s.steps.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, _, err = s.steps.InsertAttempt(ctx, domain.StepExecution{
		PipelineRunID: runID,
		StepName:      domain.StepApproveModel,
		Attempt:       pipeline.NextAttempt(records, domain.StepApproveModel),
		Status:        status,
		StartedAt:     now,
		FinishedAt:    &now,
		ErrorCode:     code,
		ErrorMessage:  message,
		Result:        result,
	})
	return err
}

func (s *Service) start(runID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		state, err := s.runner.Execute(s.baseCtx, runID)
		if err != nil {
			s.logger.Error("pipeline run execution stopped", "pipeline_run_id", runID, "state", string(state), "error", err)
			return
		}
		s.logger.Info("pipeline run execution returned", "pipeline_run_id", runID, "state", string(state))
	}()
}

func (s *Service) appendAudit(ctx context.Context, info AuditInfo, action, runID string, payload domain.Metadata) error {
	if payload == nil {
		payload = domain.Metadata{}
	}
	if service := strings.TrimSpace(info.Service); service != "" {
		payload["service"] = service
	}
	_, err := s.audit.Append(ctx, domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		Actor:        strings.TrimSpace(info.Actor),
		Action:       action,
		ResourceType: auditlog.ResourcePipelineRun,
		ResourceID:   runID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	})
	return err
}
