package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"ex-kagami/internal/diag"
	"ex-kagami/internal/kernel"
	"ex-kagami/internal/pipeline"
	"ex-kagami/internal/source"
	"ex-kagami/internal/transport/rest"
)

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// appOptions assembles the process graph: kernel, sources, request
// pipeline and the diagnostics server.
func appOptions(cfg appConfig, registry *source.Registry, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.StopTimeout(cfg.shutdownTimeout+cfg.diagWriteTimeout),
		fx.Supply(cfg, registry, logger),
		fx.Provide(
			newKernel,
			newSourceRuntimes,
			newRESTTransport,
			newPipeline,
		),
		fx.Invoke(
			registerSources,
			runKernel,
			startDiag,
		),
	)
}

func newKernel(cfg appConfig, logger *slog.Logger) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithIngressBuffer(cfg.ingressBuffer),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithFeedBuffer(cfg.feedBuffer),
		kernel.WithAffinityCapacity(cfg.affinityCapacity),
	)
}

func newSourceRuntimes(
	lc fx.Lifecycle,
	cfg appConfig,
	registry *source.Registry,
	logger *slog.Logger,
) ([]source.Runtime, error) {
	if registry == nil {
		return nil, fmt.Errorf("build sources: nil source registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		cancel()
		return nil
	}})

	runtimes, err := registry.BuildEnabled(ctx, cfg.sources, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build sources: %w", err)
	}

	return runtimes, nil
}

func newRESTTransport(cfg appConfig, logger *slog.Logger) (*rest.Transport, error) {
	options := []rest.Option{
		rest.WithHTTPClient(&http.Client{Timeout: cfg.restTimeout}),
		rest.WithLogger(logger.With("component", "rest")),
	}
	if cfg.restToken != "" {
		options = append(options, rest.WithToken(cfg.restToken))
	}
	if cfg.restUserAgent != "" {
		options = append(options, rest.WithUserAgent(cfg.restUserAgent))
	}

	transport, err := rest.New(cfg.restBaseURL, options...)
	if err != nil {
		return nil, fmt.Errorf("new rest transport: %w", err)
	}

	return transport, nil
}

func newPipeline(
	lc fx.Lifecycle,
	cfg appConfig,
	transport *rest.Transport,
	k *kernel.Kernel,
	logger *slog.Logger,
) (*pipeline.Pipeline, error) {
	options := []pipeline.Option{
		pipeline.WithQueueSize(cfg.queueSize),
		pipeline.WithMaxInFlight(cfg.maxInFlight),
		pipeline.WithMaxWait(cfg.maxWait),
		pipeline.WithJoinWindow(cfg.joinWindow),
		pipeline.WithRetryPolicy(cfg.retry),
		pipeline.WithBreaker(cfg.breaker),
		pipeline.WithCachePublisher(k),
		pipeline.WithLogger(logger.With("component", "pipeline")),
	}
	if cfg.bucketLimit > 0 {
		options = append(options, pipeline.WithDefaultBucket(cfg.bucketLimit, cfg.bucketWindow))
	}

	requests, err := pipeline.New(transport, options...)
	if err != nil {
		return nil, fmt.Errorf("new request pipeline: %w", err)
	}
	lc.Append(fx.Hook{OnStop: requests.Close})

	return requests, nil
}

func registerSources(k *kernel.Kernel, runtimes []source.Runtime) error {
	for _, runtime := range runtimes {
		if err := k.RegisterSource(runtime.Source); err != nil {
			return fmt.Errorf("register source %s: %w", runtime.Name, err)
		}
	}

	return nil
}

// runKernel runs the kernel for the lifetime of the app. A fatal kernel
// error shuts the app down with a non-zero exit code.
func runKernel(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	k *kernel.Kernel,
	logger *slog.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				err := k.Run(runCtx)
				switch {
				case err != nil && !errors.Is(err, context.Canceled):
					logger.Error("kernel stopped", "error", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				case runCtx.Err() == nil:
					logger.Info("kernel stopped without error")
					_ = shutdowner.Shutdown()
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("stop kernel: %w", ctx.Err())
			}
		},
	})
}

func startDiag(
	lc fx.Lifecycle,
	cfg appConfig,
	k *kernel.Kernel,
	requests *pipeline.Pipeline,
	runtimes []source.Runtime,
	logger *slog.Logger,
) error {
	if !cfg.diagEnabled {
		logger.Info("diag server disabled")
		return nil
	}

	server, err := diag.New(cfg.diagAddr, k,
		diag.WithPipeline(requests),
		diag.WithInjectors(source.Injectors(runtimes)),
		diag.WithWriteTimeout(cfg.diagWriteTimeout),
		diag.WithLogger(logger.With("component", "diag")),
	)
	if err != nil {
		return fmt.Errorf("new diag server: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})

	return nil
}
