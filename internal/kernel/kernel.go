package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ex-kagami/pkg/kagami"
)

// Kernel owns the current hub and the event sources feeding it.
//
// When the hub stops on a reducer fault, a running kernel replaces it with a
// fresh version-0 hub; consumers resubscribe after HubChanged fires.
type Kernel struct {
	cfg config

	hubMu      sync.RWMutex
	hub        *Hub
	hubChanged chan struct{}
	rebuilds   int

	mu          sync.RWMutex
	sources     map[string]kagami.Source
	sourceOrder []string

	runMu   sync.Mutex
	running bool
}

// New creates a new kernel runtime with a live hub.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:         cfg,
		hub:         NewHub(cfg.hubOptions()...),
		hubChanged:  make(chan struct{}),
		sources:     make(map[string]kagami.Source),
		sourceOrder: make([]string, 0),
	}
}

// Hub returns the current hub.
func (k *Kernel) Hub() *Hub {
	k.hubMu.RLock()
	defer k.hubMu.RUnlock()

	return k.hub
}

// HubChanged returns a channel closed when the current hub is replaced.
func (k *Kernel) HubChanged() <-chan struct{} {
	k.hubMu.RLock()
	defer k.hubMu.RUnlock()

	return k.hubChanged
}

// Rebuilds returns how many times the hub was replaced after a fault.
func (k *Kernel) Rebuilds() int {
	k.hubMu.RLock()
	defer k.hubMu.RUnlock()

	return k.rebuilds
}

// Publish submits one event to the current hub.
func (k *Kernel) Publish(ctx context.Context, event kagami.Event) error {
	return k.Hub().Publish(ctx, event)
}

// PublishMany submits events to the current hub in order.
func (k *Kernel) PublishMany(ctx context.Context, events []kagami.Event) error {
	return k.Hub().PublishMany(ctx, events)
}

// Subscribe registers a raw feed on the current hub.
func (k *Kernel) Subscribe(ctx context.Context, spec kagami.SubscriptionSpec) (*Subscription, error) {
	return k.Hub().Subscribe(ctx, spec)
}

// Router returns a router bound to the current hub.
func (k *Kernel) Router() *Router {
	return NewRouter(k.Hub(), k.cfg.routerOptions()...)
}

// FilterFor returns a partitioned feed on the current hub.
func (k *Kernel) FilterFor(ctx context.Context, key kagami.ID) (*Feed, error) {
	return k.Router().FilterFor(ctx, key)
}

// RegisterSource registers an upstream event source.
func (k *Kernel) RegisterSource(source kagami.Source) error {
	if source == nil {
		return fmt.Errorf("register source: nil source")
	}
	name := source.Name()
	if name == "" {
		return fmt.Errorf("register source: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.sources[name]; exists {
		return fmt.Errorf("register source %s: %w", name, kagami.ErrSourceAlreadyRegistered)
	}

	k.sources[name] = source
	k.sourceOrder = append(k.sourceOrder, name)

	return nil
}

// Run supervises the hub, runs sources, and blocks until cancellation or fatal source error.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	runCtx, runCancel := context.WithCancel(ctx)
	superviseDone := make(chan struct{})
	go func() {
		defer close(superviseDone)
		k.superviseHub(runCtx)
	}()
	sourceErr, waitSources := k.startSources(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-sourceErr:
		runErr = err
	}

	runCancel()
	waitSources()
	<-superviseDone

	shutdownErr := k.shutdownAll(ctx)

	if isContextCancellation(runErr) {
		runErr = nil
	}
	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	return nil
}

// Close shuts the current hub down without running sources.
func (k *Kernel) Close(ctx context.Context) error {
	if err := k.Hub().Close(ctx); err != nil {
		return fmt.Errorf("close kernel: %w", err)
	}

	return nil
}

// startRun serializes Run invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

// finishRun releases the single-run guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// superviseHub replaces the hub whenever it stops on a reducer fault.
func (k *Kernel) superviseHub(ctx context.Context) {
	for {
		hub := k.Hub()
		select {
		case <-ctx.Done():
			return
		case <-hub.Done():
		}

		fault := hub.Err()
		if fault == nil {
			return
		}
		k.cfg.logger.ErrorContext(ctx, "hub stopped on reducer fault, rebuilding",
			"error", fault,
			"version", hub.State().Current.Version(),
		)
		k.replaceHub(hub)
	}
}

// replaceHub swaps in a fresh hub when failed is still current.
func (k *Kernel) replaceHub(failed *Hub) {
	k.hubMu.Lock()
	defer k.hubMu.Unlock()

	if k.hub != failed {
		return
	}
	k.hub = NewHub(k.cfg.hubOptions()...)
	k.rebuilds++
	close(k.hubChanged)
	k.hubChanged = make(chan struct{})
}

// startSources runs all registered sources concurrently and returns:
// - an error channel delivering the first fatal source error, and
// - a wait function that blocks for source completion up to shutdown timeout.
func (k *Kernel) startSources(ctx context.Context) (<-chan error, func()) {
	errChannel := make(chan error, 1)
	done := make(chan struct{})
	workerWG := &sync.WaitGroup{}

	k.mu.RLock()
	order := append([]string(nil), k.sourceOrder...)
	sources := make(map[string]kagami.Source, len(k.sources))
	for name, source := range k.sources {
		sources[name] = source
	}
	k.mu.RUnlock()

	for _, name := range order {
		source := sources[name]
		if source == nil {
			continue
		}

		workerWG.Add(1)
		go func(sourceName string, adapter kagami.Source) {
			defer workerWG.Done()
			err := runSafely("source "+sourceName+" Start", func() error {
				return adapter.Start(ctx, k)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errChannel <- fmt.Errorf("run source %s: %w", sourceName, err):
			default:
			}
		}(name, source)
	}

	go func() {
		workerWG.Wait()
		close(done)
	}()

	wait := func() {
		select {
		case <-done:
		case <-time.After(k.cfg.shutdownTimeout):
		}
	}

	return errChannel, wait
}

// shutdownAll tears down sources and the hub in a bounded timeout window.
// It uses WithoutCancel to ensure cleanup still runs after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := k.shutdownSources(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := k.Hub().Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownSources executes source Shutdown in reverse registration order.
func (k *Kernel) shutdownSources(ctx context.Context) error {
	k.mu.RLock()
	order := append([]string(nil), k.sourceOrder...)
	sources := make(map[string]kagami.Source, len(k.sources))
	for name, source := range k.sources {
		sources[name] = source
	}
	k.mu.RUnlock()

	var shutdownErr error
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]
		source := sources[name]
		if source == nil {
			continue
		}
		err := runSafely("source "+name+" Shutdown", func() error {
			return source.Shutdown(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown source %s: %w", name, err))
		}
	}

	return shutdownErr
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
