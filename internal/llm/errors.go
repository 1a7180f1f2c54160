package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// tagTransport marks network-level failures (refused, DNS, dial timeouts) as
// the provider being unavailable. Other errors pass through unchanged.
func tagTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return fault.Unavailable(provider, err)
	}
	return err
}

// StatusCode extracts the HTTP status from provider SDK errors, 0 if none.
func StatusCode(err error) int {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return gErrPtr.Code
	}
	return 0
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var f *fault.Error
	if errors.As(err, &f) && f.Kind == fault.KindUnavailable {
		return true
	}
	switch StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
