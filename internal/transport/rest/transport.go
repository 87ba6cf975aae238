// Package rest executes pipeline requests against an HTTP JSON API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ex-kagami/pkg/kagami"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultUserAgent    = "kagami (ex-kagami, 1)"
	maxResponseBodySize = 8 << 20
)

// Rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// Option mutates transport configuration.
type Option func(*Transport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithToken sets the Authorization header value sent with every request.
func WithToken(token string) Option {
	return func(t *Transport) {
		t.token = strings.TrimSpace(token)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(t *Transport) {
		if userAgent != "" {
			t.userAgent = userAgent
		}
	}
}

// WithLogger configures transport logging.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport sends requests over HTTP and classifies failures.
type Transport struct {
	baseURL   string
	client    *http.Client
	token     string
	userAgent string
	logger    *slog.Logger
}

// New creates a transport rooted at baseURL.
func New(baseURL string, options ...Option) (*Transport, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("new rest transport: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("new rest transport: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("new rest transport: missing host")
	}

	transport := &Transport{
		baseURL:   strings.TrimRight(parsed.String(), "/"),
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(transport)
	}

	return transport, nil
}

// Do executes one request.
//
// Failures are *kagami.RequestError values. The returned response carries the
// rate-limit headers even when the call failed.
func (t *Transport) Do(ctx context.Context, request kagami.Request) (kagami.Response, error) {
	httpRequest, err := t.newHTTPRequest(ctx, request)
	if err != nil {
		return kagami.Response{}, &kagami.RequestError{Kind: kagami.FailurePermanent, Cause: err}
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return kagami.Response{}, &kagami.RequestError{Kind: kagami.FailureCanceled, Cause: context.Cause(ctx)}
		}
		return kagami.Response{}, &kagami.RequestError{Kind: kagami.FailureTransient, Cause: err}
	}
	defer func() {
		_ = httpResponse.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodySize))
	if err != nil {
		return kagami.Response{}, &kagami.RequestError{
			Kind:   kagami.FailureTransient,
			Status: httpResponse.StatusCode,
			Cause:  fmt.Errorf("read response body: %w", err),
		}
	}

	response := kagami.Response{
		Status:    httpResponse.StatusCode,
		RateLimit: ParseRateLimit(httpResponse.Header),
	}
	if failure := classifyStatus(httpResponse, body); failure != nil {
		t.logger.DebugContext(ctx, "rest request failed",
			"request_id", request.ID,
			"route", request.Route.Key(),
			"status", httpResponse.StatusCode,
			"kind", failure.Kind,
		)
		return response, failure
	}

	payload, err := decodeBody(request, httpResponse.StatusCode, body)
	if err != nil {
		return response, &kagami.RequestError{
			Kind:   kagami.FailurePermanent,
			Status: httpResponse.StatusCode,
			Cause:  err,
		}
	}
	response.Payload = payload

	return response, nil
}

func (t *Transport) newHTTPRequest(ctx context.Context, request kagami.Request) (*http.Request, error) {
	var body io.Reader
	if request.Body != nil {
		encoded, err := json.Marshal(request.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	path := request.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpRequest, err := http.NewRequestWithContext(ctx, strings.ToUpper(request.Route.Method), t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("new http request: %w", err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", t.userAgent)
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		httpRequest.Header.Set("Authorization", t.token)
	}

	return httpRequest, nil
}

// ParseRateLimit reads the rate-limit headers of one response.
func ParseRateLimit(header http.Header) kagami.RateLimit {
	limit := kagami.RateLimit{
		Bucket: strings.TrimSpace(header.Get(HeaderBucket)),
		Global: strings.EqualFold(strings.TrimSpace(header.Get(HeaderGlobal)), "true"),
	}
	limit.Known = limit.Bucket != "" || limit.Global

	if value, ok := parseInt(header.Get(HeaderLimit)); ok {
		limit.Limit = value
		limit.Known = true
	}
	if value, ok := parseInt(header.Get(HeaderRemaining)); ok {
		limit.Remaining = value
		limit.HasRemaining = true
		limit.Known = true
	}
	if value, ok := parseSeconds(header.Get(HeaderResetAfter)); ok {
		limit.ResetAfter = value
		limit.Known = true
	}

	return limit
}

// classifyStatus maps a non-2xx response to a request error.
func classifyStatus(response *http.Response, body []byte) *kagami.RequestError {
	status := response.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	failure := &kagami.RequestError{
		Status: status,
		Cause:  errors.New(http.StatusText(status)),
	}
	if gjson.ValidBytes(body) {
		fields := gjson.GetManyBytes(body, "code", "message")
		failure.Code = int(fields[0].Int())
		if message := fields[1].String(); message != "" {
			failure.Cause = errors.New(message)
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		failure.Kind = kagami.FailureRateLimited
		failure.RetryAfter, failure.Global = retryHint(response.Header, body)
	case status == http.StatusRequestTimeout || status >= 500:
		failure.Kind = kagami.FailureTransient
	default:
		failure.Kind = kagami.FailurePermanent
	}

	return failure
}

// retryHint prefers the JSON body, which carries sub-second precision.
func retryHint(header http.Header, body []byte) (time.Duration, bool) {
	global := strings.EqualFold(strings.TrimSpace(header.Get(HeaderGlobal)), "true")
	if gjson.ValidBytes(body) {
		fields := gjson.GetManyBytes(body, "retry_after", "global")
		if fields[1].Bool() {
			global = true
		}
		if fields[0].Exists() && fields[0].Float() > 0 {
			return secondsToDuration(fields[0].Float()), global
		}
	}
	if delay, ok := parseSeconds(header.Get(HeaderRetryAfter)); ok {
		return delay, global
	}

	return 0, global
}

func decodeBody(request kagami.Request, status int, body []byte) (any, error) {
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}
	if request.Decode == nil {
		return body, nil
	}

	payload, err := request.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return payload, nil
}

func parseInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}

	return value, true
}

func parseSeconds(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, false
	}

	return secondsToDuration(value), true
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
