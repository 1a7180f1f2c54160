package llm

import (
	"context"
	"encoding/json"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// Disabled is the provider used when AI_PROVIDER=none. Every call fails with
// a not-implemented fault, so tasks with a fallback still answer.
type Disabled struct{}

func (Disabled) Name() string { return ProviderNone }

func (Disabled) GenerateText(context.Context, Request) (string, error) {
	return "", fault.NotImplemented("generation provider")
}

func (Disabled) GenerateObject(context.Context, Request, ObjectSchema) (json.RawMessage, error) {
	return nil, fault.NotImplemented("generation provider")
}
