package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/api"
)

type recorded struct {
	mu     sync.Mutex
	bodies map[string][]byte
	auth   string
	query  string
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func setupServer(t *testing.T) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{bodies: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/example/runs", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies["run"] = b
		rec.auth = r.Header.Get("Authorization")
		rec.mu.Unlock()
		writeEnvelope(w, http.StatusOK, api.RunResult{RunID: "r1", Task: "example", Status: api.RunSucceeded, Output: json.RawMessage(`{"result":"done"}`)})
	})
	mux.HandleFunc("POST /api/tasks/broken/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"Validation failed","issues":[{"path":"input","message":"is required","code":"required"}],"timestamp":"2026-01-01T00:00:00Z"}`))
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []map[string]any{
			{"name": "example", "description": "Processes text.", "has_fallback": true},
			{"name": "rewrite", "description": "Rewrites texts.", "has_fallback": false},
		})
	})
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.query = r.URL.RawQuery
		rec.mu.Unlock()
		writeEnvelope(w, http.StatusOK, []api.Run{
			{ID: "r2", Task: "example", Status: api.RunFallback, CreatedAt: "2026-01-02T00:00:00.000000Z"},
			{ID: "r1", Task: "example", Status: api.RunSucceeded, CreatedAt: "2026-01-01T00:00:00.000000Z"},
		})
	})
	mux.HandleFunc("POST /api/runs/r1/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, api.CancelResponse{RunID: "r1", Status: api.RunCancelled, Cancelled: true})
	})
	mux.HandleFunc("POST /api/runs/r2/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, api.CancelResponse{RunID: "r2", Status: api.RunSucceeded})
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies["generate"] = b
		rec.mu.Unlock()
		writeEnvelope(w, http.StatusOK, api.GenerateResponse{Text: "generated text", Provider: "stub", Model: "m"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, rec
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	ts, rec := setupServer(t)

	out, err := execute(t, "--addr", ts.URL, "--token", "tok", "run", "example", "--input", `{"input":"hi"}`, "--run-id", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "succeeded"`)
	assert.Contains(t, out, `"result": "done"`)

	var sent api.RunRequest
	require.NoError(t, json.Unmarshal(rec.bodies["run"], &sent))
	assert.Equal(t, "r1", sent.RunID)
	assert.JSONEq(t, `{"input":"hi"}`, string(sent.Input))
	assert.Equal(t, "Bearer tok", rec.auth)
}

func TestRunCommandInputFile(t *testing.T) {
	ts, rec := setupServer(t)
	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input":"from file"}`), 0o644))

	_, err := execute(t, "--addr", ts.URL, "run", "example", "--input-file", path)
	require.NoError(t, err)
	assert.Contains(t, string(rec.bodies["run"]), "from file")
}

func TestRunCommandInputErrors(t *testing.T) {
	ts, _ := setupServer(t)

	_, err := execute(t, "--addr", ts.URL, "run", "example")
	assert.ErrorContains(t, err, "--input")

	_, err = execute(t, "--addr", ts.URL, "run", "example", "--input", "{nope")
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = execute(t, "--addr", ts.URL, "run", "example", "--input", "{}", "--input-file", "x.json")
	assert.ErrorContains(t, err, "either")
}

func TestRunCommandReportsIssues(t *testing.T) {
	ts, _ := setupServer(t)

	_, err := execute(t, "--addr", ts.URL, "run", "broken", "--input", "{}")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, err.Error(), "Validation failed")
	assert.Contains(t, err.Error(), "input: is required")
}

func TestTasksCommand(t *testing.T) {
	ts, _ := setupServer(t)

	out, err := execute(t, "--addr", ts.URL, "tasks")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "example\tProcesses text. (offline fallback)", lines[0])
	assert.Equal(t, "rewrite\tRewrites texts.", lines[1])
}

func TestRunsCommand(t *testing.T) {
	ts, rec := setupServer(t)

	out, err := execute(t, "--addr", ts.URL, "runs", "--task", "example", "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, "limit=2&task=example", rec.query)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "r2\texample\tfallback"))
}

func TestCancelCommand(t *testing.T) {
	ts, _ := setupServer(t)

	out, err := execute(t, "--addr", ts.URL, "cancel", "r1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled r1\n", out)

	out, err = execute(t, "--addr", ts.URL, "cancel", "r2")
	require.NoError(t, err)
	assert.Equal(t, "no-op: r2 is succeeded\n", out)
}

func TestGenerateCommand(t *testing.T) {
	ts, rec := setupServer(t)

	out, err := execute(t, "--addr", ts.URL, "generate", "say hi", "--temperature", "0")
	require.NoError(t, err)
	assert.Equal(t, "generated text\n", out)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(rec.bodies["generate"], &sent))
	assert.Equal(t, "say hi", sent["prompt"])
	assert.Equal(t, 0.0, sent["temperature"])
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "catalyst "))
}

func TestNonEnvelopeResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := execute(t, "--addr", ts.URL, "tasks")
	assert.ErrorContains(t, err, "502")
}
