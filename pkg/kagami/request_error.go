package kagami

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind describes coarse-grained request failure classification.
type FailureKind string

const (
	// FailureRateLimited indicates a server-signaled rate violation. It is transient.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureTransient indicates a network or server-side failure worth retrying.
	FailureTransient FailureKind = "transient"
	// FailurePermanent indicates a malformed or rejected request.
	FailurePermanent FailureKind = "permanent"
	// FailureTimeout indicates the rate gate held the request longer than allowed.
	FailureTimeout FailureKind = "timeout"
	// FailureCanceled indicates the caller or the pipeline gave up.
	FailureCanceled FailureKind = "canceled"
)

// Transient reports whether the retry loop should resubmit failures of this kind.
func (k FailureKind) Transient() bool {
	return k == FailureRateLimited || k == FailureTransient
}

// RequestError carries structured metadata for one request failure.
type RequestError struct {
	// Kind classifies whether and how the pipeline retries.
	Kind FailureKind
	// Route is the bucket key of the failed request.
	Route string
	// Status is the HTTP-style status code when known.
	Status int
	// Code is the remote service error code when known.
	Code int
	// RetryAfter carries the suggested retry delay when known.
	RetryAfter time.Duration
	// Global marks rate violations against the process-wide limit.
	Global bool
	// Cause is the wrapped transport error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 6)
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if route := strings.TrimSpace(e.Route); route != "" {
		fields = append(fields, "route="+route)
	}
	if e.Status != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}
	if e.Global {
		fields = append(fields, "global=true")
	}

	if len(fields) == 0 {
		if e.Cause == nil {
			return "request error"
		}
		return fmt.Sprintf("request error: %v", e.Cause)
	}

	if e.Cause == nil {
		return "request error: " + strings.Join(fields, " ")
	}
	return "request error: " + strings.Join(fields, " ") + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// AsRequestError extracts one RequestError from wrapped error chains.
func AsRequestError(err error) (*RequestError, bool) {
	if err == nil {
		return nil, false
	}

	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr, true
	}

	return nil, false
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	requestErr, ok := AsRequestError(err)
	if !ok || requestErr == nil {
		return false
	}

	return requestErr.Kind.Transient()
}

// AsRateLimit extracts retry delay metadata from rate-limit errors.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no retry-after hint is known.
func AsRateLimit(err error) (time.Duration, bool) {
	requestErr, ok := AsRequestError(err)
	if !ok || requestErr == nil || requestErr.Kind != FailureRateLimited {
		return 0, false
	}

	return requestErr.RetryAfter, true
}
