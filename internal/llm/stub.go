package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Stub is a scriptable Provider for tests and local runs. Nil funcs behave
// like Disabled.
type Stub struct {
	TextFunc   func(ctx context.Context, req Request) (string, error)
	ObjectFunc func(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error)

	mu       sync.Mutex
	requests []Request
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) GenerateText(ctx context.Context, req Request) (string, error) {
	s.record(req)
	if s.TextFunc == nil {
		return Disabled{}.GenerateText(ctx, req)
	}
	return s.TextFunc(ctx, req)
}

func (s *Stub) GenerateObject(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error) {
	s.record(req)
	if s.ObjectFunc == nil {
		return Disabled{}.GenerateObject(ctx, req, schema)
	}
	return s.ObjectFunc(ctx, req, schema)
}

func (s *Stub) record(req Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

// Calls returns how many generation calls the stub has served.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every request seen so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
