package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"ex-kagami/pkg/kagami"
)

// Transport executes one request against the remote service.
//
// Failures should carry a *kagami.RequestError so the pipeline can tell
// transient from permanent outcomes; unclassified errors count as transient.
// The returned Response carries rate-limit metadata even on failure.
type Transport interface {
	Do(ctx context.Context, request kagami.Request) (kagami.Response, error)
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, request kagami.Request) (kagami.Response, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, request kagami.Request) (kagami.Response, error) {
	return f(ctx, request)
}

// Pipeline dispatches requests through the rate gate and retries transient failures.
//
// One dispatcher loop pulls due retries ahead of fresh requests and hands each
// to a bounded worker group.
type Pipeline struct {
	transport Transport
	cfg       config
	gate      *gate
	breakers  *breakers

	fresh    chan *job
	retries  *retryQueue
	accepted atomic.Uint64
	inFlight atomic.Int64

	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a pipeline over transport and starts its dispatcher.
func New(transport Transport, options ...Option) (*Pipeline, error) {
	if transport == nil {
		return nil, fmt.Errorf("new pipeline: nil transport")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	p := &Pipeline{
		transport: transport,
		cfg:       cfg,
		gate:      newGate(cfg.now, cfg.defaultLimit, cfg.defaultWindow),
		breakers:  newBreakers(cfg.breaker),
		fresh:     make(chan *job, cfg.queueSize),
		retries:   newRetryQueue(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()

	return p, nil
}

// Send submits request and blocks for its answer.
//
// Send itself blocks while the waiting queue is full. Transient failures are
// retried internally; the answer carries the final outcome. A successful
// correlated request has its entity published to the cache publisher before
// Send returns.
func (p *Pipeline) Send(ctx context.Context, request kagami.Request) kagami.Answer {
	return p.send(ctx, request, p.cfg.cache)
}

func (p *Pipeline) send(ctx context.Context, request kagami.Request, cache kagami.EventSink) kagami.Answer {
	if err := request.Validate(); err != nil {
		return failedAnswer(request, 0, &kagami.RequestError{
			Kind:  kagami.FailurePermanent,
			Route: request.Route.Key(),
			Cause: err,
		})
	}
	if request.Correlate && cache == nil {
		return failedAnswer(request, 0, &kagami.RequestError{
			Kind:  kagami.FailurePermanent,
			Route: request.Route.Key(),
			Cause: fmt.Errorf("%w: correlated request without cache publisher", kagami.ErrInvalidRequest),
		})
	}

	if p.ctx.Err() != nil {
		return failedAnswer(request, 0, canceledError(request, kagami.ErrPipelineClosed))
	}

	j := newJob(ctx, p.ctx, request, p.cfg.retry)
	j.cache = cache
	select {
	case p.fresh <- j:
		p.accepted.Add(1)
	case <-ctx.Done():
		j.release()
		return failedAnswer(request, 0, canceledError(request, ctx.Err()))
	case <-p.ctx.Done():
		j.release()
		return failedAnswer(request, 0, canceledError(request, kagami.ErrPipelineClosed))
	}

	select {
	case answer := <-j.answer:
		return answer
	case <-ctx.Done():
		return failedAnswer(request, j.attemptCount(), canceledError(request, ctx.Err()))
	case <-p.done:
		select {
		case answer := <-j.answer:
			return answer
		default:
		}
		return failedAnswer(request, j.attemptCount(), canceledError(request, kagami.ErrPipelineClosed))
	}
}

// Stats summarizes pipeline load for diagnostics.
type Stats struct {
	// Queued counts fresh requests waiting for the dispatcher.
	Queued int `json:"queued"`
	// Accepted counts requests ever admitted to the queue.
	Accepted uint64 `json:"accepted"`
	// InFlight counts requests holding a worker slot.
	InFlight int64 `json:"in_flight"`
	// Retrying counts retries parked or due.
	Retrying int `json:"retrying"`
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:   len(p.fresh),
		Accepted: p.accepted.Load(),
		InFlight: p.inFlight.Load(),
		Retrying: p.retries.len(),
	}
}

// Buckets returns the rate gate state for diagnostics.
func (p *Pipeline) Buckets() GateStatus {
	return p.gate.status()
}

// Close stops dispatching. Pending and parked requests are answered as canceled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.cancel(kagami.ErrPipelineClosed)
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pipeline: %w", ctx.Err())
	}
}

// run is the dispatcher loop.
func (p *Pipeline) run() {
	defer close(p.done)

	group := &errgroup.Group{}
	group.SetLimit(p.cfg.maxInFlight)

	for {
		j, ok := p.next()
		if !ok {
			break
		}
		group.Go(func() error {
			p.execute(j)
			return nil
		})
	}

	_ = group.Wait()
	p.abandon()
}

// next returns the next job to dispatch, preferring due retries.
func (p *Pipeline) next() (*job, bool) {
	for {
		if p.ctx.Err() != nil {
			return nil, false
		}
		if j, ok := p.retries.pop(); ok {
			return j, true
		}

		select {
		case <-p.ctx.Done():
			return nil, false
		case <-p.retries.ready:
		case j := <-p.fresh:
			return j, true
		}
	}
}

// abandon answers every request left behind by shutdown.
func (p *Pipeline) abandon() {
	pending := p.retries.close()
	for drained := false; !drained; {
		select {
		case j := <-p.fresh:
			pending = append(pending, j)
		default:
			drained = true
		}
	}

	for _, j := range pending {
		j.finish(failedAnswer(j.request, j.attemptCount(), canceledError(j.request, kagami.ErrPipelineClosed)))
	}
}

// execute runs one attempt and either answers or reschedules the job.
func (p *Pipeline) execute(j *job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	route := j.request.Route.Key()
	response, failure := p.attempt(j, route)
	if failure == nil {
		answer := kagami.Answer{
			Request:  j.request,
			Payload:  response.Payload,
			Context:  j.request.Context,
			Attempts: j.attemptCount(),
		}
		if j.request.Correlate {
			answer.Err = publishResult(j.ctx, j.cache, j.request, response.Payload)
		}
		j.finish(answer)
		return
	}

	delay, retry := p.shouldRetry(j, failure)
	if !retry {
		if failure.Kind.Transient() {
			p.cfg.logger.WarnContext(j.ctx, "request retries exhausted",
				"request_id", j.request.ID,
				"route", route,
				"attempts", j.attemptCount(),
				"error", failure,
			)
		}
		j.finish(failedAnswer(j.request, j.attemptCount(), failure))
		return
	}

	p.cfg.logger.DebugContext(j.ctx, "request retry scheduled",
		"request_id", j.request.ID,
		"route", route,
		"attempt", j.attemptCount(),
		"delay", delay,
		"error", failure,
	)
	if !p.retries.schedule(j, delay) {
		j.finish(failedAnswer(j.request, j.attemptCount(), canceledError(j.request, kagami.ErrPipelineClosed)))
	}
}

// attempt acquires capacity, dispatches once, and folds rate metadata into the gate.
func (p *Pipeline) attempt(j *job, route string) (kagami.Response, *kagami.RequestError) {
	if err := j.ctx.Err(); err != nil {
		return kagami.Response{}, j.canceled()
	}

	key, err := p.gate.acquire(j.ctx, route, p.cfg.now().Add(p.cfg.maxWait))
	if err != nil {
		if j.ctx.Err() != nil {
			return kagami.Response{}, j.canceled()
		}
		return kagami.Response{}, classify(route, err)
	}

	j.dispatched()
	response, err := p.call(j.ctx, key, j.request)

	var failure *kagami.RequestError
	if err != nil {
		failure = classify(route, err)
		if failure.Kind == kagami.FailureCanceled && j.ctx.Err() != nil {
			failure = j.canceled()
		}
	}
	p.gate.observe(route, response.RateLimit, failure)

	return response, failure
}

// call dispatches through the bucket's breaker when one is configured.
func (p *Pipeline) call(ctx context.Context, key string, request kagami.Request) (kagami.Response, error) {
	if p.breakers == nil {
		return p.transport.Do(ctx, request)
	}

	result, err := p.breakers.forKey(key).Execute(func() (interface{}, error) {
		return p.transport.Do(ctx, request)
	})
	response, _ := result.(kagami.Response)

	return response, err
}

// shouldRetry reports whether failure is resubmitted and after which delay.
func (p *Pipeline) shouldRetry(j *job, failure *kagami.RequestError) (time.Duration, bool) {
	if !failure.Kind.Transient() || j.ctx.Err() != nil {
		return 0, false
	}
	if limit := p.cfg.retry.MaxAttempts; limit > 0 && j.attemptCount() >= limit {
		return 0, false
	}

	return retryDelay(failure, j.backoff)
}

// job is one request travelling through the pipeline, across retries.
type job struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	stop    func() bool
	request kagami.Request
	cache   kagami.EventSink
	backoff backoff.BackOff
	answer  chan kagami.Answer

	mu       sync.Mutex
	attempts int
	once     sync.Once
}

// newJob binds the job lifetime to both the caller and the pipeline.
func newJob(callerCtx context.Context, pipelineCtx context.Context, request kagami.Request, policy RetryPolicy) *job {
	ctx, cancel := context.WithCancelCause(callerCtx)
	stop := context.AfterFunc(pipelineCtx, func() {
		cancel(kagami.ErrPipelineClosed)
	})

	return &job{
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
		request: request,
		backoff: newBackOff(policy),
		answer:  make(chan kagami.Answer, 1),
	}
}

func (j *job) dispatched() {
	j.mu.Lock()
	j.attempts++
	j.mu.Unlock()
}

func (j *job) attemptCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.attempts
}

// finish delivers the answer exactly once and releases the job context.
func (j *job) finish(answer kagami.Answer) {
	j.once.Do(func() {
		j.answer <- answer
		j.release()
	})
}

func (j *job) release() {
	j.stop()
	j.cancel(nil)
}

func (j *job) canceled() *kagami.RequestError {
	cause := context.Cause(j.ctx)
	if cause == nil {
		cause = context.Canceled
	}

	return canceledError(j.request, cause)
}

func canceledError(request kagami.Request, cause error) *kagami.RequestError {
	return &kagami.RequestError{Kind: kagami.FailureCanceled, Route: request.Route.Key(), Cause: cause}
}

func failedAnswer(request kagami.Request, attempts int, failure *kagami.RequestError) kagami.Answer {
	var err error
	if failure != nil {
		err = failure
	}

	return kagami.Answer{
		Request:  request,
		Context:  request.Context,
		Attempts: attempts,
		Err:      err,
	}
}
