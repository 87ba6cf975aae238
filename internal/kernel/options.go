package kernel

import (
	"context"
	"log/slog"
	"time"

	"ex-kagami/pkg/kagami"
)

const (
	defaultShutdownTimeout    = 10 * time.Second
	defaultIngressBuffer      = 1024
	defaultSubscriptionBuffer = 256
	defaultFeedBuffer         = 256
	defaultAffinityCapacity   = 65536
)

// config stores resolved kernel runtime settings after option application.
type config struct {
	shutdownTimeout    time.Duration
	ingressBuffer      int
	subscriptionBuffer int
	feedBuffer         int
	affinityCapacity   int
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
	advance            func(*kagami.Snapshot, kagami.Event) *kagami.Snapshot
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for kernel runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		shutdownTimeout:    defaultShutdownTimeout,
		ingressBuffer:      defaultIngressBuffer,
		subscriptionBuffer: defaultSubscriptionBuffer,
		feedBuffer:         defaultFeedBuffer,
		affinityCapacity:   defaultAffinityCapacity,
		logger:             logger,
		onAsyncError:       logAsyncError(logger),
		advance:            kagami.Advance,
	}
}

func logAsyncError(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "kagami async error", "scope", scope, "error", err)
	}
}

// WithShutdownTimeout configures overall kernel shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithIngressBuffer configures how many published events may wait for the pump.
func WithIngressBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.ingressBuffer = size
		}
	}
}

// WithDefaultSubscriptionBuffer configures default subscriber queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithFeedBuffer configures the output depth of partitioned feeds.
func WithFeedBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.feedBuffer = size
		}
	}
}

// WithAffinityCapacity bounds how many channel mappings each router keeps.
func WithAffinityCapacity(capacity int) Option {
	return func(cfg *config) {
		if capacity > 0 {
			cfg.affinityCapacity = capacity
		}
	}
}

// WithLogger configures logger used by kernel and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = logAsyncError(logger)
	}
}

// WithAsyncErrorHandler configures asynchronous failure reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// hubOptions projects kernel settings onto a fresh hub.
func (cfg config) hubOptions() []HubOption {
	return []HubOption{
		WithHubIngressBuffer(cfg.ingressBuffer),
		WithHubSubscriberBuffer(cfg.subscriptionBuffer),
		WithHubAsyncErrorHandler(cfg.onAsyncError),
		withHubAdvance(cfg.advance),
	}
}

// routerOptions projects kernel settings onto a router.
func (cfg config) routerOptions() []RouterOption {
	return []RouterOption{
		WithRouterAffinityCapacity(cfg.affinityCapacity),
		WithRouterFeedBuffer(cfg.feedBuffer),
		WithRouterAsyncErrorHandler(cfg.onAsyncError),
	}
}

// hubConfig stores resolved hub settings.
type hubConfig struct {
	ingressBuffer    int
	subscriberBuffer int
	initial          *kagami.Snapshot
	onAsyncError     func(context.Context, string, error)
	advance          func(*kagami.Snapshot, kagami.Event) *kagami.Snapshot
}

// HubOption mutates hub construction configuration.
type HubOption func(*hubConfig)

func defaultHubConfig() hubConfig {
	return hubConfig{
		ingressBuffer:    defaultIngressBuffer,
		subscriberBuffer: defaultSubscriptionBuffer,
		initial:          kagami.NewSnapshot(),
		onAsyncError:     logAsyncError(slog.Default()),
		advance:          kagami.Advance,
	}
}

// WithHubIngressBuffer configures the publish queue depth.
func WithHubIngressBuffer(size int) HubOption {
	return func(cfg *hubConfig) {
		if size > 0 {
			cfg.ingressBuffer = size
		}
	}
}

// WithHubSubscriberBuffer configures the default subscriber queue depth.
func WithHubSubscriberBuffer(size int) HubOption {
	return func(cfg *hubConfig) {
		if size > 0 {
			cfg.subscriberBuffer = size
		}
	}
}

// WithHubAsyncErrorHandler configures drop and fault reporting.
func WithHubAsyncErrorHandler(handler func(context.Context, string, error)) HubOption {
	return func(cfg *hubConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// withHubAdvance replaces the state transition; tests use it to inject reducer faults.
func withHubAdvance(advance func(*kagami.Snapshot, kagami.Event) *kagami.Snapshot) HubOption {
	return func(cfg *hubConfig) {
		if advance != nil {
			cfg.advance = advance
		}
	}
}

// routerConfig stores resolved router settings.
type routerConfig struct {
	affinityCapacity int
	feedBuffer       int
	onAsyncError     func(context.Context, string, error)
}

// RouterOption mutates router construction configuration.
type RouterOption func(*routerConfig)

func defaultRouterConfig() routerConfig {
	return routerConfig{
		affinityCapacity: defaultAffinityCapacity,
		feedBuffer:       defaultFeedBuffer,
		onAsyncError:     logAsyncError(slog.Default()),
	}
}

// WithRouterAffinityCapacity bounds the per-feed affinity index.
func WithRouterAffinityCapacity(capacity int) RouterOption {
	return func(cfg *routerConfig) {
		if capacity > 0 {
			cfg.affinityCapacity = capacity
		}
	}
}

// WithRouterFeedBuffer configures the partitioned output depth.
func WithRouterFeedBuffer(size int) RouterOption {
	return func(cfg *routerConfig) {
		if size > 0 {
			cfg.feedBuffer = size
		}
	}
}

// WithRouterAsyncErrorHandler configures drop reporting for feeds.
func WithRouterAsyncErrorHandler(handler func(context.Context, string, error)) RouterOption {
	return func(cfg *routerConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// withAdvance replaces the state transition of every hub the kernel builds.
func withAdvance(advance func(*kagami.Snapshot, kagami.Event) *kagami.Snapshot) Option {
	return func(cfg *config) {
		if advance != nil {
			cfg.advance = advance
		}
	}
}
