package pipeline

import (
	"log/slog"
	"time"

	"ex-kagami/pkg/kagami"
)

const (
	defaultQueueSize         = 32
	defaultMaxInFlight       = 16
	defaultMaxWait           = 2 * time.Minute
	defaultJoinWindow        = 5 * time.Second
	defaultCorrelationBuffer = 64

	defaultMaxAttempts    = 8
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerOpenTime = 10 * time.Second
)

// RetryPolicy bounds how transient failures are resubmitted.
type RetryPolicy struct {
	// MaxAttempts caps transport dispatches per request. Zero means unbounded.
	MaxAttempts int
	// InitialBackoff is the first delay when the failure carries no retry-after hint.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration
}

// BreakerPolicy configures the optional per-bucket circuit breaker.
type BreakerPolicy struct {
	Enabled bool
	// ConsecutiveFailures trips the breaker after this many transient failures in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects calls before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is how many trial calls a half-open breaker admits.
	HalfOpenRequests uint32
}

// config stores resolved pipeline settings after option application.
type config struct {
	queueSize         int
	maxInFlight       int
	maxWait           time.Duration
	joinWindow        time.Duration
	correlationBuffer int
	retry             RetryPolicy
	breaker           BreakerPolicy
	defaultLimit      int
	defaultWindow     time.Duration
	cache             kagami.EventSink
	logger            *slog.Logger
	now               func() time.Time
}

// Option mutates pipeline construction configuration.
type Option func(*config)

func defaultConfig() config {
	return config{
		queueSize:         defaultQueueSize,
		maxInFlight:       defaultMaxInFlight,
		maxWait:           defaultMaxWait,
		joinWindow:        defaultJoinWindow,
		correlationBuffer: defaultCorrelationBuffer,
		retry: RetryPolicy{
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
		breaker: BreakerPolicy{
			ConsecutiveFailures: defaultBreakerFailures,
			OpenTimeout:         defaultBreakerOpenTime,
			HalfOpenRequests:    1,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithQueueSize bounds how many fresh requests may wait for dispatch before Send blocks.
func WithQueueSize(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.queueSize = size
		}
	}
}

// WithMaxInFlight caps concurrently dispatched requests.
func WithMaxInFlight(limit int) Option {
	return func(cfg *config) {
		if limit > 0 {
			cfg.maxInFlight = limit
		}
	}
}

// WithMaxWait bounds how long one attempt may wait for rate capacity.
func WithMaxWait(wait time.Duration) Option {
	return func(cfg *config) {
		if wait > 0 {
			cfg.maxWait = wait
		}
	}
}

// WithJoinWindow bounds how long a correlated send waits for its cache update.
func WithJoinWindow(window time.Duration) Option {
	return func(cfg *config) {
		if window > 0 {
			cfg.joinWindow = window
		}
	}
}

// WithRetryPolicy replaces the retry policy. Zero durations keep their defaults.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(cfg *config) {
		if policy.MaxAttempts < 0 {
			return
		}
		cfg.retry.MaxAttempts = policy.MaxAttempts
		if policy.InitialBackoff > 0 {
			cfg.retry.InitialBackoff = policy.InitialBackoff
		}
		if policy.MaxBackoff > 0 {
			cfg.retry.MaxBackoff = policy.MaxBackoff
		}
	}
}

// WithBreaker enables the per-bucket circuit breaker. Zero fields keep their defaults.
func WithBreaker(policy BreakerPolicy) Option {
	return func(cfg *config) {
		cfg.breaker.Enabled = policy.Enabled
		if policy.ConsecutiveFailures > 0 {
			cfg.breaker.ConsecutiveFailures = policy.ConsecutiveFailures
		}
		if policy.OpenTimeout > 0 {
			cfg.breaker.OpenTimeout = policy.OpenTimeout
		}
		if policy.HalfOpenRequests > 0 {
			cfg.breaker.HalfOpenRequests = policy.HalfOpenRequests
		}
	}
}

// WithDefaultBucket limits routes the server has not described yet to limit calls per window.
func WithDefaultBucket(limit int, window time.Duration) Option {
	return func(cfg *config) {
		if limit > 0 && window > 0 {
			cfg.defaultLimit = limit
			cfg.defaultWindow = window
		}
	}
}

// WithCachePublisher publishes the entity answers of correlated requests into sink.
func WithCachePublisher(sink kagami.EventSink) Option {
	return func(cfg *config) {
		if sink != nil {
			cfg.cache = sink
		}
	}
}

// WithLogger configures the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// withClock replaces the gate clock.
func withClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}
