package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI generates through the Chat Completions API. Structured output uses
// the json_schema response format in strict mode, so schemas must list every
// property as required and set additionalProperties to false.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client) *OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// Retries belong to the Retrying decorator, not the SDK.
	opts := []option.RequestOption{option.WithHTTPClient(httpClient), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

func (p *OpenAI) GenerateText(ctx context.Context, req Request) (string, error) {
	if err := checkRequest(req); err != nil {
		return "", err
	}
	return p.complete(ctx, p.params(req))
}

func (p *OpenAI) GenerateObject(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	params := p.params(req)
	js := shared.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   schemaName(schema.Name),
		Schema: schema.Schema,
		Strict: openai.Bool(true),
	}
	if schema.Description != "" {
		js.Description = openai.String(schema.Description)
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: js},
	}
	text, err := p.complete(ctx, params)
	if err != nil {
		return nil, err
	}
	return decodeObject(text)
}

func (p *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Config.Model),
		Messages:    msgs,
		Temperature: openai.Float(req.Config.Temperature),
	}
	if req.Config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Config.MaxTokens))
	}
	return params
}

func (p *OpenAI) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", tagTransport(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return "", ErrTruncated
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

// schemaName satisfies the API's ^[a-zA-Z0-9_-]{1,64}$ constraint.
func schemaName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() == 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "output"
	}
	return b.String()
}
