// Package envelope builds the uniform JSON response bodies and the handler
// wrapper that turns any failure into one of them.
package envelope

import (
	"time"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// Public messages.
const (
	MsgValidation       = "Validation failed"
	MsgUnauthorized     = "Unauthorized"
	MsgForbidden        = "Forbidden"
	MsgNotImplemented   = "Feature not implemented"
	MsgDatabaseDown     = "Database connection failed"
	MsgInternal         = "Internal server error"
	MsgUnknown          = "Unknown error occurred"
	MsgMethodNotAllowed = "Method not allowed"
)

type SuccessBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type ErrorBody struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error"`
	Issues    []fault.Issue `json:"issues,omitempty"`
	Details   any           `json:"details,omitempty"`
	Timestamp string        `json:"timestamp"`
}

type MethodNotAllowedBody struct {
	Success        bool     `json:"success"`
	Error          string   `json:"error"`
	AllowedMethods []string `json:"allowedMethods"`
}

// Success wraps data in a success envelope.
func Success(data any) SuccessBody {
	return SuccessBody{Success: true, Data: data}
}

// Failure builds an error envelope stamped with now in UTC.
func Failure(msg string, details any, issues []fault.Issue, now time.Time) ErrorBody {
	return ErrorBody{
		Success:   false,
		Error:     msg,
		Issues:    issues,
		Details:   details,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// MethodNotAllowed lists the methods the route accepts.
func MethodNotAllowed(methods []string) MethodNotAllowedBody {
	allowed := make([]string, len(methods))
	copy(allowed, methods)
	return MethodNotAllowedBody{Success: false, Error: MsgMethodNotAllowed, AllowedMethods: allowed}
}

// PublicMessage is the client-facing text for a classified failure.
// Unknown and generation failures are only described in development.
func PublicMessage(c fault.Classification, development bool) string {
	switch c.Kind {
	case fault.KindValidation:
		return MsgValidation
	case fault.KindNotImplemented:
		return MsgNotImplemented
	case fault.KindUnavailable:
		if c.Fault == nil || c.Fault.Resource == "database" {
			return MsgDatabaseDown
		}
		return c.Fault.Resource + " unavailable"
	case fault.KindUnauthorized, fault.KindForbidden, fault.KindNotFound:
		if c.Fault != nil && c.Fault.Msg != "" {
			return c.Fault.Msg
		}
		if c.Kind == fault.KindUnauthorized {
			return MsgUnauthorized
		}
		if c.Kind == fault.KindForbidden {
			return MsgForbidden
		}
		return "Resource not found"
	}
	if development && c.Message != "" {
		return c.Message
	}
	return MsgInternal
}

// issuesFor returns a non-empty issue list for validation failures.
func issuesFor(c fault.Classification) []fault.Issue {
	if c.Kind != fault.KindValidation {
		return nil
	}
	if c.Fault != nil && len(c.Fault.Issues) > 0 {
		return c.Fault.Issues
	}
	return []fault.Issue{{Path: "", Message: "request is invalid", Code: "invalid"}}
}
