// Package task defines the contract for a unit of AI-assisted work: typed
// input and output schemas, a pure prompt builder and an optional fallback
// used when generation fails.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/catalyst/internal/fault"
	"github.com/throw-if-null/catalyst/internal/llm"
	"github.com/throw-if-null/catalyst/internal/schema"
)

const tracerName = "github.com/throw-if-null/catalyst/internal/task"

// ErrInvalidOutput marks provider output that failed the output schema.
// It is never a validation fault: the caller's input was fine.
var ErrInvalidOutput = errors.New("output failed schema validation")

// Definition describes a task. In and Out are structs whose `validate` tags
// are the input and output schemas; InputSchema and OutputSchema are the
// equivalent JSON Schema documents sent to providers and listed in the
// catalogue.
type Definition[In, Out any] struct {
	Name         string
	Description  string
	System       string
	InputSchema  map[string]any
	OutputSchema map[string]any

	BuildPrompt func(In) string

	// Fallback, when set, must return a schema-valid Out for every valid In.
	Fallback func(In) Out

	// Consistent checks constraints spanning input and output, such as
	// matching lengths. Optional.
	Consistent func(In, Out) error
}

// Report is the outcome of one invocation.
type Report[Out any] struct {
	Output       Out
	UsedFallback bool
	// Cause is the generation failure the fallback recovered from.
	Cause error
}

// ValidateInput decodes raw JSON and validates it, reporting every violated
// field. Malformed JSON is a validation failure on the root path.
func (d Definition[In, Out]) ValidateInput(raw []byte) (In, error) {
	var in In
	if err := schema.Decode(raw, &in); err != nil {
		return in, err
	}
	return in, nil
}

// ValidateOutput checks out against the output schema.
func (d Definition[In, Out]) ValidateOutput(out Out) error {
	return schema.Validate(out)
}

// Invoke generates the output for in, recovering with the fallback when one
// exists. Without a fallback, failures surface as a generation fault.
func (d Definition[In, Out]) Invoke(ctx context.Context, p llm.Provider, cfg llm.ModelConfig, in In) (Out, error) {
	rep, err := d.InvokeReport(ctx, p, cfg, in)
	return rep.Output, err
}

// InvokeReport is Invoke that also reports whether the fallback answered.
func (d Definition[In, Out]) InvokeReport(ctx context.Context, p llm.Provider, cfg llm.ModelConfig, in In) (Report[Out], error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "task.invoke",
		trace.WithAttributes(
			attribute.String("task.name", d.Name),
			attribute.String("llm.provider", p.Name()),
			attribute.String("llm.model", cfg.Model),
		))
	defer span.End()
	span.AddEvent("task.started")

	out, err := d.generate(ctx, p, cfg, in)
	if err == nil {
		span.SetAttributes(attribute.Bool("task.fallback", false))
		span.AddEvent("task.completed")
		span.SetStatus(codes.Ok, "")
		return Report[Out]{Output: out}, nil
	}

	span.RecordError(err)
	span.AddEvent("generation.failed", trace.WithAttributes(attribute.String("error", err.Error())))

	// A cancelled caller gets no fallback.
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, ctxErr.Error())
		return Report[Out]{}, ctxErr
	}

	if d.Fallback != nil {
		span.SetAttributes(attribute.Bool("task.fallback", true))
		span.AddEvent("task.fallback")
		span.AddEvent("task.completed")
		span.SetStatus(codes.Ok, "")
		return Report[Out]{Output: d.Fallback(in), UsedFallback: true, Cause: err}, nil
	}

	span.SetStatus(codes.Error, err.Error())
	var zero Out
	return Report[Out]{Output: zero}, fault.Generation(d.Name, err)
}

func (d Definition[In, Out]) generate(ctx context.Context, p llm.Provider, cfg llm.ModelConfig, in In) (Out, error) {
	var out Out
	raw, err := p.GenerateObject(ctx, llm.Request{
		Config: cfg,
		System: d.System,
		Prompt: d.BuildPrompt(in),
	}, llm.ObjectSchema{
		Name:        d.Name + "-output",
		Description: d.Description,
		Schema:      d.OutputSchema,
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := d.checkOutput(in, out); err != nil {
		return out, err
	}
	return out, nil
}

// checkOutput flattens validation faults into ErrInvalidOutput so a bad
// model answer never classifies as a client error.
func (d Definition[In, Out]) checkOutput(in In, out Out) error {
	if err := d.ValidateOutput(out); err != nil {
		var f *fault.Error
		if errors.As(err, &f) && len(f.Issues) > 0 {
			is := f.Issues[0]
			return fmt.Errorf("%w: %d issue(s), first %s %s", ErrInvalidOutput, len(f.Issues), is.Path, is.Message)
		}
		return fmt.Errorf("%w: %s", ErrInvalidOutput, err.Error())
	}
	if d.Consistent != nil {
		if err := d.Consistent(in, out); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidOutput, err.Error())
		}
	}
	return nil
}

// Info is the catalogue entry for a task.
type Info struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	HasFallback  bool           `json:"has_fallback"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// Result is the type-erased outcome of Runner.Run.
type Result struct {
	Output       json.RawMessage
	UsedFallback bool
	Cause        error
}

// Runner is a Definition with its types erased, so tasks of different
// shapes can share a registry.
type Runner interface {
	Info() Info
	// CheckInput validates raw input without invoking the task.
	CheckInput(raw []byte) error
	Run(ctx context.Context, p llm.Provider, cfg llm.ModelConfig, raw []byte) (Result, error)
}

func (d Definition[In, Out]) Info() Info {
	return Info{
		Name:         d.Name,
		Description:  d.Description,
		HasFallback:  d.Fallback != nil,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
	}
}

func (d Definition[In, Out]) CheckInput(raw []byte) error {
	_, err := d.ValidateInput(raw)
	return err
}

// Run validates raw input and invokes the task.
func (d Definition[In, Out]) Run(ctx context.Context, p llm.Provider, cfg llm.ModelConfig, raw []byte) (Result, error) {
	in, err := d.ValidateInput(raw)
	if err != nil {
		return Result{}, err
	}
	rep, err := d.InvokeReport(ctx, p, cfg, in)
	if err != nil {
		return Result{}, err
	}
	b, err := json.Marshal(rep.Output)
	if err != nil {
		return Result{}, fmt.Errorf("task %s: encode output: %w", d.Name, err)
	}
	return Result{Output: b, UsedFallback: rep.UsedFallback, Cause: rep.Cause}, nil
}
