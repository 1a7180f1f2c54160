// Package argon is the HTTP daemon: it serves the task catalogue, runs tasks
// against the configured generation provider and records every run.
package argon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/auth"
	"github.com/throw-if-null/catalyst/internal/envelope"
	"github.com/throw-if-null/catalyst/internal/fault"
	"github.com/throw-if-null/catalyst/internal/llm"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/schema"
	"github.com/throw-if-null/catalyst/internal/store"
	"github.com/throw-if-null/catalyst/internal/task"
	"github.com/throw-if-null/catalyst/internal/telemetry"
	"github.com/throw-if-null/catalyst/internal/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store interface {
	CreateRun(ctx context.Context, r *api.Run) (*api.Run, bool, error)
	FinishRun(ctx context.Context, id string, o store.Outcome) (bool, error)
	CancelRun(ctx context.Context, id string) (bool, error)
	GetRun(ctx context.Context, id string) (*api.Run, error)
	ListRuns(ctx context.Context, f store.ListFilter) ([]*api.Run, error)
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators. Store, Tasks and Provider are
// required; everything else is optional.
type Config struct {
	Store    Store
	Tasks    *task.Registry
	Provider llm.Provider
	Model    llm.ModelConfig

	Responder   *envelope.Responder
	Auth        *auth.Authenticator
	Metrics     *telemetry.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
	CORSOrigins []string
	// NewRunID generates ids for runs started without one.
	NewRunID func() string
}

type Server struct {
	store    Store
	tasks    *task.Registry
	provider llm.Provider
	model    llm.ModelConfig

	rs       *envelope.Responder
	auth     *auth.Authenticator
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	log      *zap.Logger
	cors     []string
	newRunID func() string
	cancels  *Cancellers
	tracer   trace.Tracer
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rs := cfg.Responder
	if rs == nil {
		rs = envelope.NewResponder(false, log)
	}
	newID := cfg.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Server{
		store:    cfg.Store,
		tasks:    cfg.Tasks,
		provider: cfg.Provider,
		model:    cfg.Model,
		rs:       rs,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		gatherer: cfg.Gatherer,
		log:      log,
		cors:     cfg.CORSOrigins,
		newRunID: newID,
		cancels:  NewCancellers(),
		tracer:   otel.Tracer("github.com/throw-if-null/catalyst/internal/argon"),
	}
}

// Cancellers exposes the in-flight run registry.
func (s *Server) Cancellers() *Cancellers { return s.cancels }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, s.metrics.Middleware, s.traceRequests)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cors,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if s.auth != nil {
		r.Use(s.auth.Middleware)
	}

	r.NotFound(s.rs.Wrap(func(http.ResponseWriter, *http.Request) error {
		return fault.NotFound("Route")
	}).ServeHTTP)

	r.Handle("/healthz", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodGet: s.handleHealth}))
	if s.gatherer != nil {
		r.Handle("/metrics", telemetry.Handler(s.gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Handle("/tasks", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodGet: s.handleListTasks}))
		r.Handle("/tasks/{name}", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodGet: s.handleGetTask}))
		r.Handle("/tasks/{name}/runs", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodPost: s.handleRunTask}))
		r.Handle("/generate", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodPost: s.handleGenerate}))
		r.Handle("/runs", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodGet: s.handleListRuns}))
		r.Handle("/runs/{id}", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodGet: s.handleGetRun}))
		r.Handle("/runs/{id}/cancel", s.rs.Methods(map[string]envelope.HandlerFunc{http.MethodPost: s.handleCancelRun}))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Ping(r.Context()); err != nil {
		return fault.Unavailable("database", err)
	}
	s.rs.JSON(w, http.StatusOK, api.Health{
		Status:   "ok",
		Version:  version.Version,
		Provider: s.provider.Name(),
		Database: "ok",
	})
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) error {
	s.rs.JSON(w, http.StatusOK, s.tasks.List())
	return nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) error {
	runner, err := s.tasks.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		return err
	}
	s.rs.JSON(w, http.StatusOK, runner.Info())
	return nil
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	runner, err := s.tasks.Lookup(name)
	if err != nil {
		return err
	}

	var req api.RunRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		return fault.Validation(fault.Issue{Path: "input", Message: "input is required", Code: "required"})
	}
	if err := runner.CheckInput(req.Input); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = s.newRunID()
	} else if err := paths.ValidateRunID(req.RunID); err != nil {
		return invalidRunID()
	}

	run, existed, err := s.store.CreateRun(r.Context(), &api.Run{
		ID:       req.RunID,
		Task:     name,
		Provider: s.provider.Name(),
		Model:    s.model.Model,
		UserID:   auth.UserID(r.Context()),
		Input:    req.Input,
	})
	if err != nil {
		return runErr(err)
	}
	if existed {
		status := http.StatusOK
		if !run.Status.Terminal() {
			status = http.StatusAccepted
		}
		s.rs.JSON(w, status, resultOf(run))
		return nil
	}
	return s.execute(w, r, runner, run)
}

// execute invokes the task for a freshly created run and records the
// outcome. The run can be cancelled through the cancel endpoint while the
// provider call is in flight.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, runner task.Runner, run *api.Run) error {
	ctx, cancel := context.WithCancel(r.Context())
	s.cancels.Register(run.ID, cancel)
	defer s.cancels.Unregister(run.ID)
	defer cancel()

	done := s.metrics.RunStarted()
	start := time.Now()
	res, taskErr := runner.Run(ctx, s.provider, s.model, run.Input)
	done()
	elapsed := time.Since(start)

	out := store.Outcome{Status: api.RunSucceeded, Output: res.Output, UsedFallback: res.UsedFallback}
	switch {
	case taskErr != nil && ctx.Err() != nil:
		out = store.Outcome{Status: api.RunCancelled, Error: "cancelled"}
	case taskErr != nil:
		out = store.Outcome{Status: api.RunFailed, Error: taskErr.Error()}
	case res.UsedFallback:
		out.Status = api.RunFallback
		if res.Cause != nil {
			out.Error = res.Cause.Error()
		}
	}

	// the outcome is recorded even when the client has gone away
	finished, err := s.store.FinishRun(context.WithoutCancel(r.Context()), run.ID, out)
	if err != nil {
		s.log.Error("record run outcome", zap.String("run_id", run.ID), zap.Error(err))
	} else if !finished {
		out.Status = api.RunCancelled
	}
	s.metrics.ObserveRun(run.Task, string(out.Status), elapsed)
	s.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("task", run.Task),
		zap.String("status", string(out.Status)),
		zap.Bool("used_fallback", out.UsedFallback),
		zap.Duration("duration", elapsed))

	result := api.RunResult{
		RunID:      run.ID,
		Task:       run.Task,
		Status:     out.Status,
		DurationMS: elapsed.Milliseconds(),
	}
	switch out.Status {
	case api.RunFailed:
		return taskErr
	case api.RunCancelled:
		s.rs.JSON(w, http.StatusOK, result)
		return nil
	}
	result.Output = res.Output
	result.UsedFallback = res.UsedFallback
	s.rs.JSON(w, http.StatusOK, result)
	return nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) error {
	var req api.GenerateRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	cfg := s.model
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	text, err := s.provider.GenerateText(r.Context(), llm.Request{Config: cfg, System: req.System, Prompt: req.Prompt})
	if err != nil {
		return err
	}
	s.rs.JSON(w, http.StatusOK, api.GenerateResponse{Text: text, Provider: s.provider.Name(), Model: cfg.Model})
	return nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := store.ListFilter{Task: q.Get("task"), Status: api.RunStatus(q.Get("status")), Limit: defaultListLimit}

	var issues []fault.Issue
	if f.Task != "" && paths.ValidateTaskName(f.Task) != nil {
		issues = append(issues, fault.Issue{Path: "task", Message: "invalid task name", Code: "invalid_name"})
	}
	if f.Status != "" && !f.Status.Valid() {
		issues = append(issues, fault.Issue{Path: "status", Message: fmt.Sprintf("unknown status %q", f.Status), Code: "oneof"})
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			issues = append(issues, fault.Issue{Path: "limit", Message: fmt.Sprintf("limit must be between 1 and %d", maxListLimit), Code: "range"})
		} else {
			f.Limit = n
		}
	}
	if len(issues) > 0 {
		return fault.Validation(issues...)
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		return err
	}
	s.rs.JSON(w, http.StatusOK, runs)
	return nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if err := paths.ValidateRunID(id); err != nil {
		return invalidRunID()
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		return runErr(err)
	}
	s.rs.JSON(w, http.StatusOK, run)
	return nil
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if err := paths.ValidateRunID(id); err != nil {
		return invalidRunID()
	}
	changed, err := s.store.CancelRun(r.Context(), id)
	if err != nil {
		return runErr(err)
	}
	// signal the in-flight provider call, if any
	signalled := s.cancels.Cancel(id)
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		return runErr(err)
	}
	s.log.Info("run cancel requested",
		zap.String("run_id", id), zap.Bool("changed", changed), zap.Bool("signalled", signalled))
	s.rs.JSON(w, http.StatusOK, api.CancelResponse{RunID: id, Status: run.Status, Cancelled: changed})
	return nil
}

func resultOf(run *api.Run) api.RunResult {
	return api.RunResult{
		RunID:        run.ID,
		Task:         run.Task,
		Status:       run.Status,
		Output:       run.Output,
		UsedFallback: run.UsedFallback,
		DurationMS:   run.DurationMS,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fault.Validation(fault.Issue{
				Message: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
				Code:    "too_large",
			})
		}
		return fmt.Errorf("read body: %w", err)
	}
	return schema.Decode(body, dst)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	log := s.log.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// traceRequests starts a server span per request, continuing any trace
// propagated by the caller.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			span.SetName(r.Method + " " + rc.RoutePattern())
			span.SetAttributes(attribute.String("http.route", rc.RoutePattern()))
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
