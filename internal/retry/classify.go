// Package retry re-runs a single outbound call when the remote service
// reports a transient failure, with exponential backoff and per-provider
// floors for remote rate limits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
)

// Kind is the class of a failed outbound call.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindAuth
	KindNotFound
	KindServer
	KindNetwork
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	case KindNetwork:
		return "network"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether calls failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServer, KindNetwork:
		return true
	}
	return false
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, zero if absent
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Error is a classified outbound failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	// MinWait is the least time to wait before retrying a remote rate limit.
	MinWait time.Duration
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// rateLimitMarkers are body fragments some providers return instead of a 429.
var rateLimitMarkers = []string{
	"too many requests",
	"too much requests",
}

// Classify sorts err into a Kind using the provider's policy for the
// rate-limit floor. It returns nil for a nil error.
func Classify(provider string, err error) *Error {
	return classify(provider, err, PolicyFor(provider).RateLimitFloor)
}

func classify(provider string, err error, floor time.Duration) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Provider == "" {
			cp := *ce
			cp.Provider = provider
			return &cp
		}
		return ce
	}

	e := &Error{Kind: KindUnknown, Provider: provider, Err: err}

	var se *StatusError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		e.Kind = KindCircuitOpen
	case errors.As(err, &se):
		e.StatusCode = se.StatusCode
		switch {
		case se.StatusCode == http.StatusTooManyRequests || hasRateLimitMarker(se.Body):
			e.Kind = KindRateLimited
			e.MinWait = max(se.RetryAfter, floor)
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			e.Kind = KindAuth
		case se.StatusCode == http.StatusNotFound:
			e.Kind = KindNotFound
		case se.StatusCode >= 500:
			e.Kind = KindServer
		}
	case errors.Is(err, context.Canceled):
		// caller gave up; not a remote condition
	case isNetworkError(err):
		e.Kind = KindNetwork
	case hasRateLimitMarker(err.Error()):
		e.Kind = KindRateLimited
		e.MinWait = floor
	}
	return e
}

func hasRateLimitMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range rateLimitMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
