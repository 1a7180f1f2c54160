package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey string
}

// Gemini generates through the Gemini API. Structured output is requested
// with responseMimeType application/json plus the raw JSON schema.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, cfg GeminiConfig, httpClient *http.Client) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (p *Gemini) Name() string { return ProviderGemini }

func (p *Gemini) GenerateText(ctx context.Context, req Request) (string, error) {
	if err := checkRequest(req); err != nil {
		return "", err
	}
	return p.generate(ctx, req, p.config(req))
}

func (p *Gemini) GenerateObject(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	cfg := p.config(req)
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseJsonSchema = schema.Schema
	text, err := p.generate(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	return decodeObject(text)
}

func (p *Gemini) config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Config.Temperature)),
		MaxOutputTokens: int32(req.Config.MaxTokens),
	}
	system := req.System
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = strings.TrimSpace(system + "\n\n" + m.Content)
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return cfg
}

func (p *Gemini) generate(ctx context.Context, req Request, cfg *genai.GenerateContentConfig) (string, error) {
	contents := make([]*genai.Content, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	resp, err := p.client.Models.GenerateContent(ctx, req.Config.Model, contents, cfg)
	if err != nil {
		return "", tagTransport(ProviderGemini, err)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return "", ErrTruncated
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
