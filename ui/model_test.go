package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func predictorStub(t *testing.T, status int, body string, gotAuth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		var req struct {
			Input [][]float64 `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body == "" {
			target := make([]float64, len(req.Input))
			for i, row := range req.Input {
				if row[len(row)-1] > 10 {
					target[i] = 1
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"target": target})
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "customers.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

// submit types path into the prompt, presses enter and feeds the command's
// message back into the model.
func submit(t *testing.T, m model, path string) model {
	t.Helper()
	m.input.SetValue(path)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if m.state != stateLoading || cmd == nil {
		t.Fatalf("expected loading state with a command, state=%v", m.state)
	}
	next, _ = m.Update(cmd())
	return next.(model)
}

func TestPredictionAppendsColumnAndSaves(t *testing.T) {
	srv := predictorStub(t, http.StatusOK, "", nil)
	output := filepath.Join(t.TempDir(), "predicted.csv")
	m := newModel(newPredictorClient(context.Background(), srv.URL, "", 5*time.Second), output)

	m = submit(t, m, writeCSV(t, "ID,var1\n1,3\n2,42\n"))
	if m.state != stateResult {
		t.Fatalf("state=%v failed=%q", m.state, m.failed)
	}
	if got := m.frame.Header[len(m.frame.Header)-1]; got != predictedColumn {
		t.Fatalf("last column=%q", got)
	}
	if m.frame.Rows[0][2] != "0" || m.frame.Rows[1][2] != "1" {
		t.Fatalf("rows=%v", m.frame.Rows)
	}
	if !strings.Contains(m.View(), "target: [0 1]") {
		t.Fatalf("view missing raw target:\n%s", m.View())
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = next.(model)
	if cmd == nil {
		t.Fatalf("expected save command")
	}
	next, _ = m.Update(cmd())
	m = next.(model)
	if !strings.HasPrefix(m.notice, "saved") {
		t.Fatalf("notice=%q", m.notice)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := string(data); got != "ID,var1,predicted\n1,3,0\n2,42,1\n" {
		t.Fatalf("output=%q", got)
	}
}

func TestPredictorErrorShowsRawBody(t *testing.T) {
	srv := predictorStub(t, http.StatusNotFound, "You must have a deployed model to execute the function", nil)
	m := newModel(newPredictorClient(context.Background(), srv.URL, "", 5*time.Second), "unused.csv")

	m = submit(t, m, writeCSV(t, "a,b\n1,2\n"))
	if m.state != stateFailed {
		t.Fatalf("state=%v", m.state)
	}
	if !strings.Contains(m.View(), "You must have a deployed model") {
		t.Fatalf("view:\n%s", m.View())
	}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if next.(model).state != stateInput {
		t.Fatalf("esc should return to input")
	}
}

func TestNonNumericCSVFailsBeforeCalling(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	t.Cleanup(srv.Close)
	m := newModel(newPredictorClient(context.Background(), srv.URL, "", 5*time.Second), "unused.csv")

	m = submit(t, m, writeCSV(t, "name,score\nalice,3\n"))
	if m.state != stateFailed || called {
		t.Fatalf("state=%v called=%v", m.state, called)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var auth string
	srv := predictorStub(t, http.StatusOK, "", &auth)
	client := newPredictorClient(context.Background(), srv.URL, "secret-token", 5*time.Second)

	result, err := client.Predict(context.Background(), [][]float64{{1, 2}})
	if err != nil {
		t.Fatalf("Predict() err=%v", err)
	}
	if result.Status != http.StatusOK || len(result.Target) != 1 {
		t.Fatalf("result=%+v", result)
	}
	if auth != "Bearer secret-token" {
		t.Fatalf("authorization=%q", auth)
	}
}
