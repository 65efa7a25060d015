package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/animus-labs/custsat/internal/forest"
	"github.com/animus-labs/custsat/internal/platform/httpserver"
	"github.com/animus-labs/custsat/internal/serving"
)

const (
	msgNoModel      = "You must have a deployed model to execute the function"
	msgInputMissing = "You must send an input data"

	maxRequestBytes = 32 << 20
)

type predictorAPI struct {
	logger     *slog.Logger
	deployment serving.Deployment
}

func newPredictorAPI(logger *slog.Logger, deployment serving.Deployment) *predictorAPI {
	return &predictorAPI{logger: logger, deployment: deployment}
}

// register binds both paths for every method: without a model, any request
// gets the 404 message.
func (api *predictorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/{$}", api.handlePredict)
	mux.HandleFunc("/predict", api.handlePredict)
}

type predictResponse struct {
	Target []float64 `json:"target"`
}

func (api *predictorAPI) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !api.deployment.Available() {
		httpserver.WriteText(w, http.StatusNotFound, msgNoModel)
		return
	}

	input, ok := decodeInput(r)
	if !ok {
		httpserver.WriteText(w, http.StatusBadRequest, msgInputMissing)
		return
	}

	predictions, err := api.deployment.Predict(input)
	if err != nil {
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("predict failed", "request_id", requestID, "rows", len(input), "error", err, "feature_mismatch", errors.Is(err, forest.ErrFeatureMismatch))
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, predictResponse{Target: predictions})
}

// decodeInput accepts a JSON object whose "input" member is a numeric matrix.
func decodeInput(r *http.Request) ([][]float64, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, false
	}
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil || len(req) == 0 {
		return nil, false
	}
	raw, ok := req["input"]
	if !ok {
		return nil, false
	}
	var input [][]float64
	if err := json.Unmarshal(raw, &input); err != nil || len(input) == 0 {
		return nil, false
	}
	return input, true
}
