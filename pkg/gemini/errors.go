package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// AuthError means the backend rejected the current cookies. Retrying with
// the same credentials cannot succeed.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if strings.TrimSpace(e.Reason) == "" {
		return "gemini: authentication failed, cookies invalid or expired"
	}
	return "gemini: authentication failed: " + e.Reason
}

// ProtocolError means the backend answered with a shape this client does
// not understand. Treated as a bug signal, never retried.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "gemini: unexpected response shape: " + e.Detail
}

type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gemini: %s status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
	}
	return false
}

func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// IsNetworkError reports whether err is a transport-level failure
// (including proxy misconfiguration) rather than a backend verdict.
func IsNetworkError(err error) bool {
	if err == nil || IsAuthError(err) || IsProtocolError(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return false
	}
	return true
}

// IsTransient reports whether a network error is worth a bounded retry:
// timeouts and connection resets qualify, DNS and proxy failures do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
