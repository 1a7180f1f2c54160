package api

import "encoding/json"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8711
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFallback  RunStatus = "fallback"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSucceeded, RunFallback, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run is one recorded task invocation.
type Run struct {
	ID           string          `json:"id"`
	Task         string          `json:"task"`
	Status       RunStatus       `json:"status"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	// UserID is the authenticated subject that started the run.
	UserID       string          `json:"user_id,omitempty"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	UsedFallback bool            `json:"used_fallback"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	FinishedAt   string          `json:"finished_at,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// RunRequest starts a task run. RunID is optional; supplying one lets the
// caller cancel the run while it is in flight.
type RunRequest struct {
	RunID string          `json:"run_id,omitempty"`
	Input json.RawMessage `json:"input"`
}

// RunResult is returned by a completed run.
type RunResult struct {
	RunID        string          `json:"run_id"`
	Task         string          `json:"task"`
	Status       RunStatus       `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	UsedFallback bool            `json:"used_fallback"`
	DurationMS   int64           `json:"duration_ms"`
}

// GenerateRequest is a free-form text generation call.
type GenerateRequest struct {
	Prompt      string   `json:"prompt" validate:"required"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
}

type GenerateResponse struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type CancelResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Cancelled bool      `json:"cancelled"`
}

type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
	Database string `json:"database"`
}
