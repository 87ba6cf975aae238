// Package diag serves read-only diagnostics and partition feed streams over HTTP.
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"ex-kagami/internal/kernel"
	"ex-kagami/internal/pipeline"
	"ex-kagami/internal/source"
	"ex-kagami/pkg/kagami"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxInjectSize  = 1 << 20
	defaultMaxRequestSize = 1 << 20
)

// Kernel is the hub view the server reads.
type Kernel interface {
	Hub() *kernel.Hub
	Rebuilds() int
	FilterFor(ctx context.Context, key kagami.ID) (*kernel.Feed, error)
}

// Pipeline is the request pipeline view the server reads.
type Pipeline interface {
	Stats() pipeline.Stats
	Buckets() pipeline.GateStatus
	Send(ctx context.Context, request kagami.Request) kagami.Answer
}

// Option mutates server configuration.
type Option func(*Server)

// WithPipeline exposes pipeline statistics on /buckets and dispatch on /requests.
func WithPipeline(p Pipeline) Option {
	return func(s *Server) {
		s.pipeline = p
	}
}

// WithInjectors exposes in-process sources on /sources/{name}/events.
func WithInjectors(injectors map[string]source.Injector) Option {
	return func(s *Server) {
		if len(injectors) > 0 {
			s.injectors = injectors
		}
	}
}

// WithLogger configures server logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriteTimeout bounds each websocket frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr         string
	kernel       Kernel
	pipeline     Pipeline
	injectors    map[string]source.Injector
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	router       chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	baseCancel context.CancelFunc
	serveDone  chan struct{}
}

// New creates a server for addr reading from k.
func New(addr string, k Kernel, options ...Option) (*Server, error) {
	if k == nil {
		return nil, fmt.Errorf("new diag server: nil kernel")
	}

	server := &Server{
		addr:         addr,
		kernel:       k,
		injectors:    map[string]source.Injector{},
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, option := range options {
		option(server)
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	server.router = server.routes()

	return server, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/buckets", s.handleBuckets)
	r.Get("/guilds/{guildID}", s.handleGuild)
	r.Get("/feeds/{guildID}", s.handleFeed)
	r.Post("/sources/{name}/events", s.handleInject)
	r.Post("/requests", s.handleRequest)

	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("start diag server: already started")
	}

	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("start diag server: listen %s: %w", s.addr, err)
	}

	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diag server stopped", "error", err)
		}
	}()

	s.httpServer = httpServer
	s.listener = listener
	s.baseCancel = baseCancel
	s.serveDone = done
	s.logger.InfoContext(ctx, "diag server listening", "addr", listener.Addr().String())

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Stop ends feed streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	baseCancel := s.baseCancel
	done := s.serveDone
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	baseCancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop diag server: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop diag server: %w", ctx.Err())
	}

	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.DebugContext(r.Context(), "diag request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
