package kagami

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Route identifies the rate-limit accounting unit of a request.
//
// Template is the unexpanded path, for example "/channels/{channel_id}/messages".
type Route struct {
	Method   string
	Template string
}

// Key returns the bucket key for this route.
func (r Route) Key() string {
	return strings.ToUpper(r.Method) + " " + r.Template
}

// String returns the bucket key.
func (r Route) String() string {
	return r.Key()
}

// Decoder turns a successful response body into its payload value.
type Decoder func(body []byte) (any, error)

// DecodeEntity returns a decoder producing one T value.
func DecodeEntity[T Entity]() Decoder {
	return func(body []byte) (any, error) {
		var entity T
		if err := json.Unmarshal(body, &entity); err != nil {
			return nil, fmt.Errorf("decode %T: %w", entity, err)
		}

		return entity, nil
	}
}

// Request describes one outbound call.
type Request struct {
	// ID identifies the request in logs; NewRequest fills it.
	ID string
	// Route selects the rate bucket.
	Route Route
	// Path is the instantiated path sent to the transport.
	Path string
	// Body is encoded by the transport when non-nil.
	Body any
	// Decode converts a success body into the answer payload; nil keeps the raw bytes.
	Decode Decoder
	// Context is an opaque caller value returned unchanged in the Answer.
	Context any
	// Correlate marks requests whose entity answer is published into the cache
	// before the answer is returned. The pipeline rejects it without a cache
	// publisher.
	Correlate bool
}

// NewRequest builds a request with a fresh id.
func NewRequest(method string, template string, path string) Request {
	return Request{
		ID:    uuid.NewString(),
		Route: Route{Method: method, Template: template},
		Path:  path,
	}
}

// Validate checks descriptor invariants.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Route.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	switch strings.ToUpper(r.Route.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%w: unsupported method %s", ErrInvalidRequest, r.Route.Method)
	}
	if r.Route.Template == "" {
		return fmt.Errorf("%w: missing route template", ErrInvalidRequest)
	}
	if r.Path == "" {
		return fmt.Errorf("%w: missing path", ErrInvalidRequest)
	}

	return nil
}

// RateLimit carries rate-limit metadata reported by the remote service.
type RateLimit struct {
	// Bucket is the server-assigned bucket hash shared by routes with one quota.
	Bucket string
	// Limit is the bucket capacity per window.
	Limit int
	// Remaining is the capacity left in the current window.
	Remaining int
	// HasRemaining reports whether Remaining was present; zero is meaningful.
	HasRemaining bool
	// ResetAfter is the time until the window resets.
	ResetAfter time.Duration
	// Global marks a process-wide limit rather than a per-bucket one.
	Global bool
	// Known reports whether any of the fields above were present.
	Known bool
}

// Response is one successful transport reply.
type Response struct {
	Status    int
	Payload   any
	RateLimit RateLimit
}

// Answer is the outcome of one request.
//
// Err is nil on success. On failure it wraps a *RequestError whose Kind tells
// transient, permanent, timeout and canceled outcomes apart.
type Answer struct {
	// Request is the original request.
	Request Request
	// Payload is the decoded success payload.
	Payload any
	// Context echoes Request.Context.
	Context any
	// Attempts counts transport dispatches made for this request.
	Attempts int
	// Err is the failure cause. When only the cache publish of a correlated
	// request failed, Payload is kept.
	Err error
}

// OK reports whether the answer is a success.
func (a Answer) OK() bool {
	return a.Err == nil
}

// Failure returns the classified failure.
func (a Answer) Failure() (*RequestError, bool) {
	return AsRequestError(a.Err)
}
