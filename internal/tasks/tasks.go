// Package tasks holds the bundled task definitions.
package tasks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/throw-if-null/catalyst/internal/task"
)

// All returns every bundled task.
func All() []task.Runner {
	return []task.Runner{Example, Rewrite}
}

// NewRegistry builds a registry of the bundled tasks.
func NewRegistry() (*task.Registry, error) {
	return task.NewRegistry(All()...)
}

type ExampleInput struct {
	Input string `json:"input" validate:"required"`
}

type ExampleOutput struct {
	Result string `json:"result" validate:"required"`
}

// Example processes a single string. Offline it answers "Processed: <input>".
var Example = task.Definition[ExampleInput, ExampleOutput]{
	Name:        "example",
	Description: "Processes a piece of text and returns a short result.",
	System:      "You are a helpful assistant. Answer concisely.",
	InputSchema: object(map[string]any{
		"input": map[string]any{"type": "string", "minLength": 1},
	}),
	OutputSchema: object(map[string]any{
		"result": map[string]any{"type": "string"},
	}),
	BuildPrompt: func(in ExampleInput) string {
		return "Process the following input and return a result.\n\nInput: " + in.Input
	},
	Fallback: func(in ExampleInput) ExampleOutput {
		return ExampleOutput{Result: "Processed: " + in.Input}
	},
}

const MaxRewriteTexts = 100

type RewriteInput struct {
	Texts       []string `json:"texts" validate:"required,min=1,max=100,dive,required"`
	Instruction string   `json:"instruction" validate:"required"`
}

type RewriteOutput struct {
	Results []string `json:"results" validate:"required,min=1,dive,required"`
}

// Rewrite applies one instruction to a batch of texts, one result per text
// in input order. Offline it returns the texts unchanged.
var Rewrite = task.Definition[RewriteInput, RewriteOutput]{
	Name:        "rewrite",
	Description: "Applies an instruction to each text in a batch.",
	System:      "You rewrite texts. Return exactly one result per input text, in the same order.",
	InputSchema: object(map[string]any{
		"texts": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": MaxRewriteTexts,
			"items":    map[string]any{"type": "string", "minLength": 1},
		},
		"instruction": map[string]any{"type": "string", "minLength": 1},
	}),
	OutputSchema: object(map[string]any{
		"results": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	}),
	BuildPrompt: func(in RewriteInput) string {
		var b strings.Builder
		fmt.Fprintf(&b, "Instruction: %s\n\nTexts (%d):\n", in.Instruction, len(in.Texts))
		for i, t := range in.Texts {
			fmt.Fprintf(&b, "%d. %s\n", i+1, t)
		}
		return b.String()
	},
	Fallback: func(in RewriteInput) RewriteOutput {
		out := make([]string, len(in.Texts))
		copy(out, in.Texts)
		return RewriteOutput{Results: out}
	},
	Consistent: func(in RewriteInput, out RewriteOutput) error {
		if len(out.Results) != len(in.Texts) {
			return fmt.Errorf("got %d results for %d texts", len(out.Results), len(in.Texts))
		}
		return nil
	},
}

// object builds a strict JSON Schema object: every property required and no
// additional properties.
func object(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}
