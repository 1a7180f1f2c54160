package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/telemetry"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	oldInit := telemetryInit
	telemetryInit = func(context.Context, telemetry.Config) (func(context.Context) error, error) {
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}
	t.Cleanup(func() {
		telemetryInit = oldInit
		otel.SetTracerProvider(prev)
	})
	return exp
}

func TestEndToEnd_OfflineRunFallsBack(t *testing.T) {
	exp := installRecorder(t)
	root := t.TempDir()

	a, err := setup(context.Background(), root, envOf(map[string]string{
		"APP_ENV":     "test",
		"AI_PROVIDER": "none",
	}))
	require.NoError(t, err)
	defer a.Close()

	_, err = os.Stat(filepath.Join(root, ".catalyst", "catalyst.db"))
	require.NoError(t, err, "local database not created")

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, _ := json.Marshal(map[string]any{"run_id": "e2e", "input": map[string]any{"input": "Hello world!"}})
	res, err = http.Post(srv.URL+"/api/tasks/example/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var env struct {
		Success bool          `json:"success"`
		Data    api.RunResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, api.RunFallback, env.Data.Status)
	assert.JSONEq(t, `{"result":"Processed: Hello world!"}`, string(env.Data.Output))

	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["task.invoke"], "task span missing: %v", names)
	assert.True(t, names["POST /api/tasks/{name}/runs"], "server span missing: %v", names)
}

func TestSetupRequiresJWTKeyInProduction(t *testing.T) {
	installRecorder(t)

	_, err := setup(context.Background(), t.TempDir(), envOf(map[string]string{"AI_PROVIDER": "none"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLERK_JWT_KEY")
}

func TestSetupRejectsBadDatabaseURL(t *testing.T) {
	installRecorder(t)

	_, err := setup(context.Background(), t.TempDir(), envOf(map[string]string{
		"APP_ENV":      "test",
		"AI_PROVIDER":  "none",
		"DATABASE_URL": "mysql://user:secret@db/app",
	}))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
