package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/custsat/internal/domain"
	"github.com/animus-labs/custsat/internal/platform/auth"
	"github.com/animus-labs/custsat/internal/platform/httpserver"
	"github.com/animus-labs/custsat/internal/repo"
	"github.com/animus-labs/custsat/internal/service/runs"
)

type orchestratorAPI struct {
	logger *slog.Logger
	svc    *runs.Service
}

func newOrchestratorAPI(logger *slog.Logger, svc *runs.Service) *orchestratorAPI {
	return &orchestratorAPI{logger: logger, svc: svc}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleTrigger)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/steps", api.handleListSteps)
	mux.HandleFunc("POST /runs/{run_id}/approve", api.handleApprove)
	mux.HandleFunc("POST /runs/{run_id}/reject", api.handleReject)
}

type hyperparameters struct {
	MaxDepth int `json:"max_depth"`
}

type pipelineRun struct {
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	DatasetPath string          `json:"dataset_path"`
	Params      hyperparameters `json:"params"`
	Context     json.RawMessage `json:"context,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

type stepExecution struct {
	StepName     string          `json:"step_name"`
	Attempt      int             `json:"attempt"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

type triggerRequest struct {
	MaxDepth    int    `json:"max_depth"`
	DatasetPath string `json:"dataset_path"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (api *orchestratorAPI) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.DatasetPath) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "dataset_path_required")
		return
	}
	if req.MaxDepth < 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "max_depth_invalid")
		return
	}

	run, err := api.svc.Trigger(r.Context(), domain.TriggerPayload{MaxDepth: req.MaxDepth, DatasetPath: req.DatasetPath}, buildAuditInfo(r))
	if err != nil {
		if errors.Is(err, runs.ErrInvalidPayload) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_payload")
			return
		}
		api.internalError(w, r, "trigger failed", err)
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	httpserver.WriteJSON(w, http.StatusAccepted, toPipelineRun(run))
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{Limit: clampInt(parseIntQuery(r, "limit", 50), 1, 500)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunState(raw)
		if status == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "status_invalid")
			return
		}
		filter.Status = status
	}

	items, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "list runs failed", err)
		return
	}
	out := make([]pipelineRun, 0, len(items))
	for _, item := range items {
		out = append(out, toPipelineRun(item))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeRunError(w, r, "get run failed", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineRun(run))
}

func (api *orchestratorAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	records, err := api.svc.Steps(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeRunError(w, r, "list steps failed", err)
		return
	}
	out := make([]stepExecution, 0, len(records))
	for _, record := range records {
		out = append(out, stepExecution{
			StepName:     record.StepName,
			Attempt:      record.Attempt,
			Status:       string(record.Status),
			StartedAt:    record.StartedAt,
			FinishedAt:   record.FinishedAt,
			ErrorCode:    record.ErrorCode,
			ErrorMessage: record.ErrorMessage,
			Result:       record.Result,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"steps": out})
}

func (api *orchestratorAPI) handleApprove(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.Approve(r.Context(), r.PathValue("run_id"), buildAuditInfo(r))
	if err != nil {
		api.writeRunError(w, r, "approve failed", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineRun(run))
}

func (api *orchestratorAPI) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	run, err := api.svc.Reject(r.Context(), r.PathValue("run_id"), req.Reason, buildAuditInfo(r))
	if err != nil {
		api.writeRunError(w, r, "reject failed", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPipelineRun(run))
}

func (api *orchestratorAPI) writeRunError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, runs.ErrNotAwaitingApproval):
		httpserver.WriteError(w, r, http.StatusConflict, "not_awaiting_approval")
	default:
		api.internalError(w, r, msg, err)
	}
}

func (api *orchestratorAPI) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.logger.Error(msg, "request_id", requestID, "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
}

func toPipelineRun(run domain.PipelineRun) pipelineRun {
	return pipelineRun{
		RunID:       run.ID,
		Status:      string(run.Status),
		DatasetPath: run.DatasetPath,
		Params:      hyperparameters{MaxDepth: run.Params.MaxDepth},
		Context:     run.Context,
		Error:       run.Error,
		CreatedBy:   run.CreatedBy,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		EndedAt:     run.EndedAt,
	}
}

func buildAuditInfo(r *http.Request) runs.AuditInfo {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	return runs.AuditInfo{
		Actor:     auth.ActorFromContext(r.Context()),
		RequestID: requestID,
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
		Service:   serviceName,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
