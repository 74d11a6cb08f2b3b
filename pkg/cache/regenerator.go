// Package cache provides the single-flight regeneration cache and the on-disk report slot.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// State is the freshness of a Regenerator's value.
type State string

// Regenerator states. Freshness is derived from the clock on every access.
const (
	StateEmpty State = "empty"
	StateFresh State = "fresh"
	StateStale State = "stale"
)

// Entry is a value together with the time it was generated.
type Entry[V any] struct {
	GeneratedAt time.Time
	Value       V
}

// Status is a point-in-time view of a Regenerator.
type Status struct {
	GeneratedAt time.Time
	State       State
	Refreshing  bool
}

// RefreshFunc produces a new value or fails.
type RefreshFunc[V any] func(ctx context.Context) (V, error)

// flight is one in-progress refresh. done is closed once entry/err are final.
type flight[V any] struct {
	done    chan struct{}
	err     error
	entry   Entry[V]
	waiters int
	epoch   uint64
}

// Regenerator holds one value with a TTL and collapses concurrent refreshes of it
// into a single call. All state below mu changes only inside short critical
// sections; refresh work runs outside the lock.
type Regenerator[V any] struct {
	now      func() time.Time
	inflight *flight[V]
	current  Entry[V]
	ttl      time.Duration
	epoch    uint64
	mu       sync.Mutex
	has      bool
	expired  bool
}

// Option configures a Regenerator.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewRegenerator creates an empty Regenerator whose values stay fresh for ttl.
func NewRegenerator[V any](ttl time.Duration, opts ...Option) *Regenerator[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Regenerator[V]{ttl: ttl, now: o.now}
}

// TTL returns the freshness window.
func (r *Regenerator[V]) TTL() time.Duration {
	return r.ttl
}

// stateLocked derives the current state. r.mu must be held.
func (r *Regenerator[V]) stateLocked(now time.Time) State {
	switch {
	case !r.has:
		return StateEmpty
	case !r.expired && now.Sub(r.current.GeneratedAt) < r.ttl:
		return StateFresh
	default:
		return StateStale
	}
}

// GetOrRefresh returns the cached value if it is fresh. Otherwise it joins the
// refresh already in flight, or starts one by calling refresh. Every caller that
// joins a flight receives that flight's value or error.
//
// The refresh runs detached from ctx cancellation and always finishes. If ctx ends
// first, this caller stops waiting and gets ctx.Err(); the result is still stored.
func (r *Regenerator[V]) GetOrRefresh(ctx context.Context, refresh RefreshFunc[V]) (Entry[V], error) {
	r.mu.Lock()
	if r.stateLocked(r.now()) == StateFresh {
		e := r.current
		r.mu.Unlock()
		return e, nil
	}

	f := r.inflight
	if f == nil {
		f = &flight[V]{done: make(chan struct{}), epoch: r.epoch}
		r.inflight = f
		slog.Debug("Starting refresh", "component", "cache")
		go r.run(context.WithoutCancel(ctx), f, refresh)
	} else {
		f.waiters++
		slog.Debug("Joining in-flight refresh", "component", "cache", "waiters", f.waiters)
	}
	r.mu.Unlock()

	select {
	case <-f.done:
		return f.entry, f.err
	case <-ctx.Done():
		return Entry[V]{}, ctx.Err()
	}
}

// run executes refresh for flight f and publishes the outcome. The in-flight token
// is cleared before done is closed, on every exit path.
func (r *Regenerator[V]) run(ctx context.Context, f *flight[V], refresh RefreshFunc[V]) {
	var (
		value V
		err   error
	)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Refresh panicked", "component", "cache", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("refresh panicked: %v", p)
		}
		r.finish(f, value, err)
	}()
	value, err = refresh(ctx)
}

func (r *Regenerator[V]) finish(f *flight[V], value V, err error) {
	r.mu.Lock()
	if err == nil {
		r.current = Entry[V]{Value: value, GeneratedAt: r.now()}
		r.has = true
		// An Expire that landed mid-flight may postdate the data just fetched.
		r.expired = r.epoch != f.epoch
		f.entry = r.current
	} else {
		f.err = err
	}
	r.inflight = nil
	r.mu.Unlock()

	close(f.done)
}

// Seed installs a previously generated value, typically loaded from disk at start-up.
// It is ignored unless the Regenerator is empty and idle.
func (r *Regenerator[V]) Seed(value V, generatedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has || r.inflight != nil {
		return false
	}
	r.current = Entry[V]{Value: value, GeneratedAt: generatedAt}
	r.has = true
	return true
}

// Expire marks the current value stale so that the next caller regenerates it.
// The value itself stays in place until a refresh succeeds. A refresh already
// in flight still delivers its value, but that value is stored as stale.
func (r *Regenerator[V]) Expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = true
	r.epoch++
}

// Peek returns the stored value regardless of freshness.
func (r *Regenerator[V]) Peek() (Entry[V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.has
}

// Status reports the current state and whether a refresh is running.
func (r *Regenerator[V]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:       r.stateLocked(r.now()),
		GeneratedAt: r.current.GeneratedAt,
		Refreshing:  r.inflight != nil,
	}
}

// Remaining returns how long an entry generated at generatedAt stays fresh, floored at zero.
func (r *Regenerator[V]) Remaining(generatedAt time.Time) time.Duration {
	left := r.ttl - r.now().Sub(generatedAt)
	if left < 0 {
		return 0
	}
	return left
}
