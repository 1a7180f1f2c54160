package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
)

// Kind tags a failure at the point where it happens so the response layer can
// switch on it instead of inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindNotImplemented
	KindUnavailable
	KindGeneration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindNotImplemented:
		return "not_implemented"
	case KindUnavailable:
		return "unavailable"
	case KindGeneration:
		return "generation"
	default:
		return "unknown"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Markers recognised in untagged error messages. Kept for errors that cross
// library boundaries without a tag (driver errors, provider SDK errors).
const (
	MarkerNotImplemented = "not yet implemented"
	MarkerConnRefused    = "ECONNREFUSED"
)

var (
	// ErrNotImplemented marks features or providers that are not wired yet.
	ErrNotImplemented = errors.New("not yet implemented")
)

// Issue describes one violated field of a validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error is a tagged failure.
type Error struct {
	Kind Kind
	// Msg is the public message. Empty means "use the kind's default".
	Msg string
	// Resource names the missing entity for KindNotFound and the
	// dependency for KindUnavailable.
	Resource string
	Issues   []Issue
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Validation returns a KindValidation error listing every violated field.
func Validation(issues ...Issue) *Error {
	return &Error{Kind: KindValidation, Msg: "validation failed", Issues: issues}
}

// NotFound returns a KindNotFound error for resource.
func NotFound(resource string) *Error {
	if resource == "" {
		resource = "Resource"
	}
	return &Error{Kind: KindNotFound, Msg: resource + " not found", Resource: resource}
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "Unauthorized"
	}
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "Forbidden"
	}
	return &Error{Kind: KindForbidden, Msg: msg}
}

// NotImplemented wraps ErrNotImplemented with a description of the feature.
func NotImplemented(feature string) *Error {
	return &Error{Kind: KindNotImplemented, Msg: feature + " " + MarkerNotImplemented, Err: ErrNotImplemented}
}

// Unavailable tags err as a failure to reach dependency.
func Unavailable(dependency string, err error) *Error {
	return &Error{Kind: KindUnavailable, Msg: dependency + " unavailable", Resource: dependency, Err: err}
}

// Generation tags a task failure that had no fallback.
func Generation(task string, err error) *Error {
	return &Error{Kind: KindGeneration, Msg: fmt.Sprintf("task %s: generation failed", task), Resource: task, Err: err}
}

// Classification is the result of mapping an arbitrary failure to a kind.
type Classification struct {
	Kind   Kind
	Status int
	// Fault is the tagged error that decided the kind, nil for markers and
	// untagged errors.
	Fault *Error
	// Message is the underlying error text (never shown outside development).
	Message string
}

// Classify maps err to a Classification. First match wins:
// validation, not implemented, unavailable, outermost tag, unknown.
// Errors whose methods panic classify as unknown.
func Classify(err error) (c Classification) {
	if err == nil {
		return Classification{Kind: KindUnknown, Status: http.StatusInternalServerError}
	}
	msg := safeMessage(err)
	defer func() {
		if recover() != nil {
			c = done(KindUnknown, nil, msg)
		}
	}()

	if f := find(err, KindValidation); f != nil {
		return done(KindValidation, f, msg)
	}
	if f := find(err, KindNotImplemented); f != nil {
		return done(KindNotImplemented, f, msg)
	}
	if errors.Is(err, ErrNotImplemented) || strings.Contains(msg, MarkerNotImplemented) {
		return done(KindNotImplemented, nil, msg)
	}
	if f := find(err, KindUnavailable); f != nil {
		return done(KindUnavailable, f, msg)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, MarkerConnRefused) {
		return done(KindUnavailable, nil, msg)
	}
	var f *Error
	if errors.As(err, &f) && f != nil {
		return done(f.Kind, f, msg)
	}
	return done(KindUnknown, nil, msg)
}

func done(k Kind, f *Error, msg string) Classification {
	return Classification{Kind: k, Status: k.Status(), Fault: f, Message: msg}
}

// find walks the whole chain, including joined errors, for a fault of kind k.
func find(err error, k Kind) *Error {
	switch e := err.(type) {
	case nil:
		return nil
	case *Error:
		if e == nil {
			return nil
		}
		if e.Kind == k {
			return e
		}
	}
	for _, inner := range safeUnwrap(err) {
		if f := find(inner, k); f != nil {
			return f
		}
	}
	return nil
}

// safeUnwrap returns the errors err wraps, or nothing if Unwrap panics.
func safeUnwrap(err error) (out []error) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		if inner := u.Unwrap(); inner != nil {
			return []error{inner}
		}
	case interface{ Unwrap() []error }:
		return u.Unwrap()
	}
	return nil
}

// safeMessage calls Error() and survives implementations that panic,
// e.g. a typed nil pointer stored in an error interface.
func safeMessage(err error) (msg string) {
	defer func() {
		if recover() != nil {
			msg = fmt.Sprintf("%T", err)
		}
	}()
	return err.Error()
}

// Chain returns the messages of err and every error it wraps, outermost first.
func Chain(err error) []string {
	var out []string
	for err != nil && len(out) < 32 {
		out = append(out, safeMessage(err))
		inner := safeUnwrap(err)
		if len(inner) != 1 {
			break
		}
		err = inner[0]
	}
	return out
}
