package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/fault"
)

func testRequest(prompt string) Request {
	return Request{Config: DefaultModelConfig(ProviderOpenAI), System: "be brief", Prompt: prompt}
}

func chatCompletion(content, finish string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   DefaultOpenAIModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finish,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func TestOpenAIGenerateObjectSendsStrictSchema(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion("```json\n{\"result\":\"ok\"}\n```", "stop"))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, srv.Client())
	out, err := p.GenerateObject(context.Background(), testRequest("hi"), ObjectSchema{
		Name:   "example output",
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"ok"}`, string(out))

	rf, ok := body["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing: %v", body)
	assert.Equal(t, "json_schema", rf["type"])
	js := rf["json_schema"].(map[string]any)
	assert.Equal(t, "example_output", js["name"])
	assert.Equal(t, true, js["strict"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIMaxTokensOnlySentWhenSet(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion("ok", "stop"))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"}, srv.Client())
	_, err := p.GenerateText(context.Background(), testRequest("hi"))
	require.NoError(t, err)

	capped := testRequest("hi")
	capped.Config.MaxTokens = 256
	_, err = p.GenerateText(context.Background(), capped)
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, DefaultOpenAIModel, bodies[0]["model"])
	assert.NotContains(t, bodies[0], "max_completion_tokens")
	assert.NotContains(t, bodies[0], "max_tokens")
	assert.Equal(t, 256.0, bodies[1]["max_completion_tokens"])
}

func TestOpenAITruncatedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion("{\"res", "length"))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"}, srv.Client())
	_, err := p.GenerateText(context.Background(), testRequest("hi"))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOpenAIServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"}, srv.Client())
	_, err := p.GenerateText(context.Background(), testRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.True(t, IsTransient(err))
}

func TestOpenAIConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: url + "/"}, &http.Client{Timeout: 2 * time.Second})
	_, err := p.GenerateText(context.Background(), testRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, fault.Classify(err).Status)
	assert.True(t, IsTransient(err))
}

func TestCheckRequest(t *testing.T) {
	assert.ErrorIs(t, checkRequest(Request{Config: DefaultModelConfig(ProviderOpenAI)}), ErrEmptyPrompt)

	bad := testRequest("x")
	bad.Config.Temperature = 3
	assert.Error(t, checkRequest(bad))

	bad = testRequest("x")
	bad.Config.MaxTokens = -1
	assert.Error(t, checkRequest(bad))

	assert.NoError(t, checkRequest(testRequest("x")))
}

func TestDecodeObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n[1,2]\n```", want: `[1,2]`},
		{name: "padded", in: "  {\"a\":1}\n", want: `{"a":1}`},
		{name: "empty", in: "   ", wantErr: true},
		{name: "prose", in: "Sure! Here you go", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeObject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.True(t, IsTransient(fault.Unavailable("openai", errors.New("dial"))))
	assert.False(t, IsTransient(fault.NotImplemented("x")))
}

func TestRetryingRetriesTransientFailures(t *testing.T) {
	calls := 0
	stub := &Stub{TextFunc: func(context.Context, Request) (string, error) {
		calls++
		if calls < 3 {
			return "", fault.Unavailable("openai", errors.New("connection refused"))
		}
		return "done", nil
	}}
	p := NewRetrying(stub, RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)

	out, err := p.GenerateText(context.Background(), testRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, stub.Calls())
}

func TestRetryingStopsOnPermanentFailure(t *testing.T) {
	boom := errors.New("invalid api key")
	stub := &Stub{ObjectFunc: func(context.Context, Request, ObjectSchema) (json.RawMessage, error) {
		return nil, boom
	}}
	p := NewRetrying(stub, RetryConfig{MaxRetries: 5, InitialInterval: time.Millisecond}, nil)

	_, err := p.GenerateObject(context.Background(), testRequest("hi"), ObjectSchema{Name: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stub.Calls())
}

func TestRetryingGivesUpAfterMaxRetries(t *testing.T) {
	stub := &Stub{TextFunc: func(context.Context, Request) (string, error) {
		return "", fault.Unavailable("gemini", errors.New("down"))
	}}
	p := NewRetrying(stub, RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)

	_, err := p.GenerateText(context.Background(), testRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 3, stub.Calls())
	assert.Equal(t, fault.KindUnavailable, fault.Classify(err).Kind)
}

func TestNewRetryingWithoutRetriesReturnsProvider(t *testing.T) {
	stub := &Stub{}
	assert.Same(t, stub, NewRetrying(stub, RetryConfig{}, nil))
}

func TestDisabledProviderIsNotImplemented(t *testing.T) {
	_, err := Disabled{}.GenerateText(context.Background(), testRequest("hi"))
	c := fault.Classify(err)
	assert.Equal(t, fault.KindNotImplemented, c.Kind)
	assert.Equal(t, http.StatusNotImplemented, c.Status)
}

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Settings{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, p.Name())

	p, err = New(ctx, Settings{OpenAIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p.Name())

	p, err = New(ctx, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, p.Name())

	_, err = New(ctx, Settings{Provider: "openai"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Settings{Provider: "claude"}, nil)
	assert.Error(t, err)
}
