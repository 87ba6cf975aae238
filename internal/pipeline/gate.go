package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ex-kagami/pkg/kagami"
)

// BucketStatus is a read-only view of one rate bucket.
type BucketStatus struct {
	Key       string    `json:"key"`
	Routes    []string  `json:"routes,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
}

// GateStatus is a read-only view of the rate gate.
type GateStatus struct {
	GlobalUntil time.Time      `json:"global_until,omitzero"`
	Buckets     []BucketStatus `json:"buckets"`
}

type bucket struct {
	key       string
	limit     int
	remaining int
	window    time.Duration
	resetAt   time.Time
}

// gate owns every rate bucket. Only the pipeline mutates it.
type gate struct {
	mu          sync.Mutex
	now         func() time.Time
	routes      map[string]string
	buckets     map[string]*bucket
	globalUntil time.Time
	limit       int
	window      time.Duration
	changed     chan struct{}
}

func newGate(now func() time.Time, limit int, window time.Duration) *gate {
	return &gate{
		now:     now,
		routes:  make(map[string]string),
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		changed: make(chan struct{}),
	}
}

// acquire waits for one unit of capacity on route until deadline.
//
// It returns the bucket key the capacity was taken from.
func (g *gate) acquire(ctx context.Context, route string, deadline time.Time) (string, error) {
	for {
		key, wait, changed := g.reserve(route)
		if wait <= 0 {
			return key, nil
		}

		left := deadline.Sub(g.now())
		if left <= 0 {
			return key, &kagami.RequestError{
				Kind:       kagami.FailureTimeout,
				Route:      route,
				RetryAfter: wait,
				Cause:      fmt.Errorf("rate bucket %s exhausted past max wait", key),
			}
		}

		timer := time.NewTimer(min(wait, left))
		select {
		case <-ctx.Done():
			timer.Stop()
			return key, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reserve takes capacity when available, or reports how long to wait.
func (g *gate) reserve(route string) (string, time.Duration, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b := g.bucketLocked(route)
	if now.Before(g.globalUntil) {
		return b.key, g.globalUntil.Sub(now), g.changed
	}

	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = time.Time{}
	}
	if b.limit <= 0 {
		return b.key, 0, g.changed
	}
	if b.remaining > 0 {
		b.remaining--
		if b.resetAt.IsZero() && b.window > 0 {
			b.resetAt = now.Add(b.window)
		}
		return b.key, 0, g.changed
	}
	if b.resetAt.IsZero() {
		// Exhausted without a known reset: the next response will describe the window.
		return b.key, 0, g.changed
	}

	return b.key, b.resetAt.Sub(now), g.changed
}

// observe folds rate-limit metadata from one dispatch into the bucket of route.
func (g *gate) observe(route string, limit kagami.RateLimit, failure *kagami.RequestError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if limit.Known && limit.Bucket != "" {
		g.remapLocked(route, limit.Bucket)
	}
	b := g.bucketLocked(route)

	// Only reported fields overwrite the bucket; a partial header set must
	// not lift a limit already in force.
	if limit.Known && !limit.Global {
		if limit.Limit > 0 {
			b.limit = limit.Limit
		}
		if limit.HasRemaining {
			b.remaining = limit.Remaining
		}
		if limit.ResetAfter > 0 {
			b.window = limit.ResetAfter
			b.resetAt = now.Add(limit.ResetAfter)
		}
	}

	if failure != nil && failure.Kind == kagami.FailureRateLimited && failure.RetryAfter > 0 {
		until := now.Add(failure.RetryAfter)
		if failure.Global || limit.Global {
			if until.After(g.globalUntil) {
				g.globalUntil = until
			}
		} else {
			if b.limit <= 0 {
				b.limit = 1
			}
			b.remaining = 0
			if until.After(b.resetAt) {
				b.resetAt = until
			}
		}
	}

	close(g.changed)
	g.changed = make(chan struct{})
}

// remapLocked points route at the server-reported bucket hash.
func (g *gate) remapLocked(route string, hash string) {
	if g.routes[route] == hash {
		return
	}
	g.routes[route] = hash
	if _, exists := g.buckets[hash]; exists {
		return
	}
	if local, exists := g.buckets[route]; exists {
		local.key = hash
		g.buckets[hash] = local
		delete(g.buckets, route)
	}
}

func (g *gate) bucketLocked(route string) *bucket {
	key := route
	if hash, mapped := g.routes[route]; mapped {
		key = hash
	}

	b, exists := g.buckets[key]
	if !exists {
		b = &bucket{key: key, limit: g.limit, remaining: g.limit, window: g.window}
		g.buckets[key] = b
	}

	return b
}

// status returns a sorted diagnostics snapshot.
func (g *gate) status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	routesByKey := make(map[string][]string, len(g.routes))
	for route, key := range g.routes {
		routesByKey[key] = append(routesByKey[key], route)
	}

	buckets := make([]BucketStatus, 0, len(g.buckets))
	for key, b := range g.buckets {
		routes := routesByKey[key]
		sort.Strings(routes)
		buckets = append(buckets, BucketStatus{
			Key:       key,
			Routes:    routes,
			Limit:     b.limit,
			Remaining: b.remaining,
			ResetAt:   b.resetAt,
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Key < buckets[j].Key
	})

	return GateStatus{GlobalUntil: g.globalUntil, Buckets: buckets}
}
