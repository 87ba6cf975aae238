package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"ex-kagami/pkg/kagami"
)

// retryQueue holds retries that are due, ahead of fresh requests.
//
// Retries still waiting out their delay are parked on timers.
type retryQueue struct {
	mu     sync.Mutex
	due    []*job
	parked map[*job]*time.Timer
	closed bool
	ready  chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		parked: make(map[*job]*time.Timer),
		ready:  make(chan struct{}, 1),
	}
}

// schedule parks j for delay, then makes it due.
// It reports false when the queue is already closed.
func (q *retryQueue) schedule(j *job, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if delay <= 0 {
		q.pushLocked(j)
		return true
	}

	q.parked[j] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		if _, still := q.parked[j]; !still {
			return
		}
		delete(q.parked, j)
		q.pushLocked(j)
	})

	return true
}

func (q *retryQueue) pushLocked(j *job) {
	q.due = append(q.due, j)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest due retry.
func (q *retryQueue) pop() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.due) == 0 {
		return nil, false
	}
	j := q.due[0]
	q.due[0] = nil
	q.due = q.due[1:]

	return j, true
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.due) + len(q.parked)
}

// close stops accepting retries and returns every retry not yet dispatched.
func (q *retryQueue) close() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	pending := q.due
	q.due = nil
	for j, timer := range q.parked {
		timer.Stop()
		pending = append(pending, j)
	}
	q.parked = make(map[*job]*time.Timer)

	return pending
}

func newBackOff(policy RetryPolicy) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(policy.InitialBackoff),
		backoff.WithMaxInterval(policy.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
}

// retryDelay picks the server hint when present, otherwise the next backoff step.
func retryDelay(failure *kagami.RequestError, schedule backoff.BackOff) (time.Duration, bool) {
	next := schedule.NextBackOff()
	if failure.RetryAfter > 0 {
		return failure.RetryAfter, true
	}
	if next == backoff.Stop {
		return 0, false
	}

	return next, true
}

// classify turns any dispatch error into a RequestError for route.
//
// Errors that carry no classification are treated as transient network failures.
func classify(route string, err error) *kagami.RequestError {
	if requestErr, ok := kagami.AsRequestError(err); ok {
		classified := *requestErr
		if classified.Route == "" {
			classified.Route = route
		}
		if classified.Kind == "" {
			classified.Kind = kagami.FailureTransient
		}
		return &classified
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &kagami.RequestError{Kind: kagami.FailureCanceled, Route: route, Cause: err}
	}

	return &kagami.RequestError{Kind: kagami.FailureTransient, Route: route, Cause: err}
}

// breakers lazily creates one circuit breaker per bucket key.
type breakers struct {
	policy BreakerPolicy

	mu    sync.Mutex
	byKey map[string]*gobreaker.CircuitBreaker
}

func newBreakers(policy BreakerPolicy) *breakers {
	if !policy.Enabled {
		return nil
	}

	return &breakers{policy: policy, byKey: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) forKey(key string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	breaker, exists := b.byKey[key]
	if exists {
		return breaker
	}

	threshold := b.policy.ConsecutiveFailures
	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: b.policy.HalfOpenRequests,
		Timeout:     b.policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || classify(key, err).Kind != kagami.FailureTransient
		},
	})
	b.byKey[key] = breaker

	return breaker
}
