package envelope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// HandlerFunc is an HTTP handler that reports failure by returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Responder writes envelopes. In development mode error bodies carry
// details and every failure is logged with its chain.
type Responder struct {
	development bool
	log         *zap.Logger
	now         func() time.Time
}

func NewResponder(development bool, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{development: development, log: log, now: time.Now}
}

// WithClock returns a copy of rs that stamps errors using now.
func (rs *Responder) WithClock(now func() time.Time) *Responder {
	cp := *rs
	cp.now = now
	return &cp
}

func (rs *Responder) Development() bool { return rs.development }

// JSON writes a success envelope.
func (rs *Responder) JSON(w http.ResponseWriter, status int, data any) {
	rs.write(w, status, Success(data))
}

// Error writes an error envelope. details is dropped outside development.
func (rs *Responder) Error(w http.ResponseWriter, status int, msg string, details any) {
	rs.write(w, status, Failure(msg, rs.detailsFor(details), nil, rs.now()))
}

func (rs *Responder) ValidationError(w http.ResponseWriter, issues []fault.Issue) {
	rs.Fail(w, nil, fault.Validation(issues...))
}

func (rs *Responder) NotFound(w http.ResponseWriter, resource string) {
	rs.Fail(w, nil, fault.NotFound(resource))
}

func (rs *Responder) Unauthorized(w http.ResponseWriter, msg string) {
	rs.Fail(w, nil, fault.Unauthorized(msg))
}

func (rs *Responder) Forbidden(w http.ResponseWriter, msg string) {
	rs.Fail(w, nil, fault.Forbidden(msg))
}

func (rs *Responder) MethodNotAllowed(w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	rs.write(w, http.StatusMethodNotAllowed, MethodNotAllowed(methods))
}

// Fail classifies err and writes the matching envelope. r may be nil.
func (rs *Responder) Fail(w http.ResponseWriter, r *http.Request, err error) {
	c := fault.Classify(err)
	var details any
	if rs.development {
		details = map[string]any{"kind": c.Kind.String(), "chain": fault.Chain(err)}
	}
	rs.logFailure(r, c, err, nil)
	rs.write(w, c.Status, Failure(PublicMessage(c, rs.development), details, issuesFor(c), rs.now()))
}

// failPanic handles a recovered panic value of any type.
func (rs *Responder) failPanic(w http.ResponseWriter, r *http.Request, v any, stack []byte) {
	if err, ok := v.(error); ok {
		c := fault.Classify(err)
		var details any
		if rs.development {
			details = map[string]any{"kind": c.Kind.String(), "chain": fault.Chain(err), "stack": string(stack)}
		}
		rs.logFailure(r, c, err, stack)
		rs.write(w, c.Status, Failure(PublicMessage(c, rs.development), details, issuesFor(c), rs.now()))
		return
	}

	c := fault.Classification{Kind: fault.KindUnknown, Status: http.StatusInternalServerError, Message: fmt.Sprintf("%v", v)}
	var details any
	if rs.development {
		details = map[string]any{"kind": c.Kind.String(), "panic": c.Message, "stack": string(stack)}
	}
	rs.logFailure(r, c, nil, stack)
	rs.write(w, c.Status, Failure(MsgUnknown, details, nil, rs.now()))
}

func (rs *Responder) logFailure(r *http.Request, c fault.Classification, err error, stack []byte) {
	if !rs.development && c.Status < http.StatusInternalServerError {
		return
	}
	fields := []zap.Field{
		zap.Int("status", c.Status),
		zap.String("kind", c.Kind.String()),
		zap.String("message", c.Message),
	}
	if r != nil {
		fields = append(fields,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	}
	if err != nil {
		fields = append(fields, zap.Strings("chain", fault.Chain(err)))
	}
	if rs.development && len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	if c.Status >= http.StatusInternalServerError {
		rs.log.Error("request failed", fields...)
		return
	}
	rs.log.Info("request rejected", fields...)
}

func (rs *Responder) detailsFor(details any) any {
	if !rs.development {
		return nil
	}
	return details
}

func (rs *Responder) write(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		rs.log.Error("encode response", zap.Error(err))
		status = http.StatusInternalServerError
		b, _ = json.Marshal(Failure(MsgInternal, nil, nil, rs.now()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// Wrap adapts h to http.Handler. Returned errors and recovered panics are
// classified and written as error envelopes; http.ErrAbortHandler is
// re-panicked. Failures after the handler started writing are only logged.
func (rs *Responder) Wrap(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			if tw.wroteHeader {
				rs.log.Error("panic after response started",
					zap.String("path", r.URL.Path), zap.Any("panic", v), zap.ByteString("stack", debug.Stack()))
				return
			}
			defer func() {
				if recover() != nil && !tw.wroteHeader {
					tw.Header().Set("Content-Type", "application/json")
					tw.WriteHeader(http.StatusInternalServerError)
					_, _ = tw.Write([]byte(`{"success":false,"error":"` + MsgUnknown + `"}` + "\n"))
				}
			}()
			rs.failPanic(tw, r, v, debug.Stack())
		}()

		err := h(tw, r)
		if err == nil {
			return
		}
		if tw.wroteHeader {
			rs.log.Error("handler failed after response started",
				zap.String("path", r.URL.Path), zap.Strings("chain", fault.Chain(err)))
			return
		}
		rs.Fail(tw, r, err)
	})
}

// Methods dispatches on request method and answers anything else with a
// 405 envelope and an Allow header. HEAD is served by GET when no explicit
// HEAD handler is registered.
func (rs *Responder) Methods(handlers map[string]HandlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	wrapped := make(map[string]http.Handler, len(handlers))
	for m, h := range handlers {
		m = strings.ToUpper(m)
		allowed = append(allowed, m)
		wrapped[m] = rs.Wrap(h)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := wrapped[r.Method]; ok {
			h.ServeHTTP(w, r)
			return
		}
		if h, ok := wrapped[http.MethodGet]; ok && r.Method == http.MethodHead {
			h.ServeHTTP(w, r)
			return
		}
		rs.MethodNotAllowed(w, allowed...)
	})
}

type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		f.Flush()
	}
}
