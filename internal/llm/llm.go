// Package llm is the text/object generation collaborator used by tasks. Each
// provider turns a prompt (and optionally a JSON schema) into text or a JSON
// document; everything above this package is provider-agnostic.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

const (
	DefaultOpenAIModel = "gpt-4o-2024-11-20"
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultTemperature = 0.8
)

var (
	ErrEmptyPrompt   = errors.New("empty prompt")
	ErrEmptyResponse = errors.New("provider returned no content")
	ErrTruncated     = errors.New("provider output truncated")
)

// ModelConfig selects and tunes the model for one invocation. It is a plain
// value: resolve it once from configuration and pass it to every call.
type ModelConfig struct {
	Model       string
	Temperature float64
	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int
}

// DefaultModelConfig returns the defaults for provider.
func DefaultModelConfig(provider string) ModelConfig {
	model := DefaultOpenAIModel
	if provider == ProviderGemini {
		model = DefaultGeminiModel
	}
	return ModelConfig{Model: model, Temperature: DefaultTemperature}
}

func (c ModelConfig) Validate() error {
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0,2]", c.Temperature)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", c.MaxTokens)
	}
	return nil
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call. Messages is optional prior conversation;
// Prompt is always sent as the final user turn.
type Request struct {
	Config   ModelConfig
	System   string
	Messages []Message
	Prompt   string
}

// ObjectSchema describes the structured output expected from GenerateObject.
type ObjectSchema struct {
	Name        string
	Description string
	Schema      map[string]any
}

type Provider interface {
	Name() string
	GenerateText(ctx context.Context, req Request) (string, error)
	GenerateObject(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error)
}

func checkRequest(req Request) error {
	if req.Prompt == "" {
		return ErrEmptyPrompt
	}
	return req.Config.Validate()
}

// decodeObject extracts the JSON document from model output, tolerating a
// surrounding markdown fence.
func decodeObject(text string) (json.RawMessage, error) {
	text = stripFence(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("provider returned invalid JSON: %.80q", text)
	}
	return json.RawMessage(text), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 6 || s[:3] != "```" {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if n := len(s); n >= 3 && s[n-3:] == "```" {
		s = s[:n-3]
	}
	return strings.TrimSpace(s)
}
