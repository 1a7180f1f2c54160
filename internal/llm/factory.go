package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Settings is the resolved provider configuration.
type Settings struct {
	Provider      string
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
	Timeout       time.Duration
	Retry         RetryConfig
}

// New builds the provider named by s.Provider, wrapped in Retrying when
// retries are configured. An empty provider name picks openai when its key
// is present, then gemini, then none.
func New(ctx context.Context, s Settings, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.ToLower(strings.TrimSpace(s.Provider))
	if name == "" {
		name = ResolveProviderName(s)
	}

	httpClient := &http.Client{Timeout: s.Timeout}

	var p Provider
	switch name {
	case ProviderOpenAI:
		if strings.TrimSpace(s.OpenAIKey) == "" && strings.TrimSpace(s.OpenAIBaseURL) == "" {
			return nil, fmt.Errorf("llm: provider %q requires OPENAI_API_KEY", name)
		}
		p = NewOpenAI(OpenAIConfig{APIKey: s.OpenAIKey, BaseURL: s.OpenAIBaseURL}, httpClient)
	case ProviderGemini:
		g, err := NewGemini(ctx, GeminiConfig{APIKey: s.GeminiKey}, httpClient)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		p = g
	case ProviderNone:
		logger.Warn("generation provider disabled; tasks will answer from fallbacks only")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", s.Provider)
	}

	logger.Info("generation provider ready", zap.String("provider", name))
	return NewRetrying(p, s.Retry, logger), nil
}

// ResolveProviderName picks a provider from the keys that are present.
func ResolveProviderName(s Settings) string {
	switch {
	case strings.TrimSpace(s.OpenAIKey) != "":
		return ProviderOpenAI
	case strings.TrimSpace(s.GeminiKey) != "":
		return ProviderGemini
	default:
		return ProviderNone
	}
}
