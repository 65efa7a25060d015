package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

type predictorClient struct {
	url  string
	http *http.Client
}

// newPredictorClient attaches token as a bearer credential when it is set.
func newPredictorClient(ctx context.Context, url, token string, timeout time.Duration) *predictorClient {
	client := &http.Client{Timeout: timeout}
	if strings.TrimSpace(token) != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
		client.Timeout = timeout
	}
	return &predictorClient{url: url, http: client}
}

// predictResult carries the raw response; Target is set only on 200.
type predictResult struct {
	Status int
	Body   []byte
	Target []float64
}

func (c *predictorClient) Predict(ctx context.Context, input [][]float64) (predictResult, error) {
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return predictResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return predictResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return predictResult{}, fmt.Errorf("call predictor: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return predictResult{}, fmt.Errorf("read predictor response: %w", err)
	}

	result := predictResult{Status: resp.StatusCode, Body: body}
	if resp.StatusCode != http.StatusOK {
		return result, nil
	}
	var decoded struct {
		Target []float64 `json:"target"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return result, fmt.Errorf("decode predictor response: %w", err)
	}
	if len(decoded.Target) != len(input) {
		return result, fmt.Errorf("predictor returned %d predictions for %d rows", len(decoded.Target), len(input))
	}
	result.Target = decoded.Target
	return result, nil
}
