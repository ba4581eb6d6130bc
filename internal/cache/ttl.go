// Package cache provides a single-entry TTL cache whose refreshes are
// coalesced across concurrent callers.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

const flightKey = "value"

// FetchFunc produces a fresh value. It runs on a context detached from any
// single caller so one caller giving up does not fail the others.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// TTL holds at most one value. Failed fetches are never stored.
type TTL[T any] struct {
	ttl   time.Duration
	fetch FetchFunc[T]
	clock clock.Clock
	group singleflight.Group

	mu        sync.RWMutex
	value     T
	expiresAt time.Time
	valid     bool
	fetches   int64
}

type Option[T any] func(*TTL[T])

// WithClock replaces the wall clock, mainly for tests.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(t *TTL[T]) { t.clock = c }
}

func NewTTL[T any](ttl time.Duration, fetch FetchFunc[T], opts ...Option[T]) *TTL[T] {
	t := &TTL[T]{ttl: ttl, fetch: fetch, clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the cached value while it is fresh, otherwise joins or starts
// the single in-flight refresh. ctx bounds only the wait.
func (t *TTL[T]) Get(ctx context.Context) (T, error) {
	if v, ok := t.cached(); ok {
		return v, nil
	}

	ch := t.group.DoChan(flightKey, func() (interface{}, error) {
		// A caller that lost the race may arrive after the value was stored.
		if v, ok := t.cached(); ok {
			return v, nil
		}
		t.mu.Lock()
		t.fetches++
		t.mu.Unlock()

		v, err := t.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		t.store(v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (t *TTL[T]) cached() (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.valid && t.clock.Now().Before(t.expiresAt) {
		return t.value, true
	}
	var zero T
	return zero, false
}

func (t *TTL[T]) store(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = v
	t.expiresAt = t.clock.Now().Add(t.ttl)
	t.valid = true
}

// Fetches reports how many times the fetch function has been started.
func (t *TTL[T]) Fetches() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fetches
}
