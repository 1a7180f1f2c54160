package argon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/argon"
	"github.com/throw-if-null/catalyst/internal/llm"
)

// blockingProvider parks every object call until its context is cancelled.
func blockingProvider(started chan<- struct{}) *llm.Stub {
	return &llm.Stub{ObjectFunc: func(ctx context.Context, _ llm.Request, _ llm.ObjectSchema) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestCancellationStopsInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingProvider(started))

	type reply struct {
		res *http.Response
		env envelopeBody
	}
	done := make(chan reply, 1)
	go func() {
		res, env := h.do(t, http.MethodPost, "/api/tasks/example/runs", map[string]any{
			"run_id": "long-run",
			"input":  map[string]any{"input": "x"},
		})
		done <- reply{res, env}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	require.True(t, h.srv.Cancellers().InFlight("long-run"))

	res, env := h.do(t, http.MethodPost, "/api/runs/long-run/cancel", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cr api.CancelResponse
	require.NoError(t, json.Unmarshal(env.Data, &cr))
	assert.True(t, cr.Cancelled)
	assert.Equal(t, api.RunCancelled, cr.Status)

	var got reply
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Equal(t, http.StatusOK, got.res.StatusCode)
	var result api.RunResult
	require.NoError(t, json.Unmarshal(got.env.Data, &result))
	assert.Equal(t, api.RunCancelled, result.Status)
	assert.Empty(t, result.Output)

	run, err := h.store.GetRun(context.Background(), "long-run")
	require.NoError(t, err)
	assert.Equal(t, api.RunCancelled, run.Status)

	assert.Eventually(t, func() bool { return h.srv.Cancellers().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCancelFinishedRunIsNoop(t *testing.T) {
	h := newHarness(t, objectReply(`{"result":"ok"}`))

	res, _ := h.do(t, http.MethodPost, "/api/tasks/example/runs", map[string]any{"run_id": "quick", "input": map[string]any{"input": "x"}})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, env := h.do(t, http.MethodPost, "/api/runs/quick/cancel", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cr api.CancelResponse
	require.NoError(t, json.Unmarshal(env.Data, &cr))
	assert.False(t, cr.Cancelled)
	assert.Equal(t, api.RunSucceeded, cr.Status)

	res, _ = h.do(t, http.MethodPost, "/api/runs/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/api/runs/bad..id/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCancellers(t *testing.T) {
	c := argon.NewCancellers()
	assert.False(t, c.Cancel("nope"))

	ctx, cancel := context.WithCancel(context.Background())
	c.Register("r1", cancel)
	assert.True(t, c.InFlight("r1"))
	assert.True(t, c.Cancel("r1"))
	assert.Error(t, ctx.Err())

	c.Unregister("r1")
	assert.False(t, c.InFlight("r1"))
	assert.Zero(t, c.Len())
}
