// Package cache implements the stale-TTL cache cells shared by the status,
// ranking and company services. Each Store owns a set of keyed cells holding
// a value, its fetch timestamp and an optional in-flight refresh. Lookups
// never trigger a refresh on their own; refresh policy belongs to the caller.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Options configures a Store.
type Options[T any] struct {
	// TTL is the freshness window. A value older than TTL is stale but
	// still returned by Get; staleness only affects the Fresh flag.
	TTL time.Duration

	// EvictAfter is the age past which the sweep drops an entry entirely.
	// Zero means 10x TTL.
	EvictAfter time.Duration

	// SweepEvery is the sweep cadence for Run. Zero means 5 minutes.
	SweepEvery time.Duration

	// Len reports the record count of a value for diagnostics. Optional.
	Len func(T) int
}

type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

type cell[T any] struct {
	value     T
	hasValue  bool
	fetchedAt time.Time
	inflight  *flight[T]
}

// Store is a set of single-slot cache cells sharing one TTL policy.
// All methods are safe for concurrent use.
type Store[T any] struct {
	name    string
	opts    Options[T]
	metrics *Metrics

	mu    sync.Mutex
	cells map[string]*cell[T]
}

// New creates a Store. A nil metrics uses a throwaway registry.
func New[T any](name string, opts Options[T], m *Metrics) *Store[T] {
	if opts.EvictAfter == 0 {
		opts.EvictAfter = 10 * opts.TTL
	}
	if opts.SweepEvery == 0 {
		opts.SweepEvery = 5 * time.Minute
	}
	if m == nil {
		m = NopMetrics()
	}
	return &Store[T]{
		name:    name,
		opts:    opts,
		metrics: m,
		cells:   make(map[string]*cell[T]),
	}
}

// Get returns the cached value for key. fresh reports whether the value is
// within its TTL. A stale value is still returned with ok=true; deciding
// whether to refresh is the caller's concern.
func (s *Store[T]) Get(key string) (val T, ok, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[key]
	if c == nil || !c.hasValue {
		s.metrics.Misses.WithLabelValues(s.name).Inc()
		return val, false, false
	}
	s.metrics.Hits.WithLabelValues(s.name).Inc()
	return c.value, true, time.Since(c.fetchedAt) < s.opts.TTL
}

// Set stores a value for key, stamping it as fetched now.
func (s *Store[T]) Set(key string, val T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cell(key).store(val, time.Now())
	s.metrics.Sets.WithLabelValues(s.name).Inc()
}

// Refresh runs fn for key with single-flight semantics: if a refresh for the
// same key is already in flight, the caller waits for it and receives its
// exact result instead of starting another one. The in-flight slot is
// cleared before waiters are released, so a call arriving right after
// completion starts a new fetch rather than replaying a finished one.
// On success the result is stored in the cell.
func (s *Store[T]) Refresh(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	s.mu.Lock()
	c := s.cell(key)
	if f := c.inflight; f != nil {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	f := &flight[T]{done: make(chan struct{})}
	c.inflight = f
	s.mu.Unlock()

	val, err := fn(ctx)

	s.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.store(val, time.Now())
		s.metrics.Sets.WithLabelValues(s.name).Inc()
	} else {
		s.metrics.Failures.WithLabelValues(s.name).Inc()
	}
	s.mu.Unlock()

	f.val, f.err = val, err
	close(f.done)
	return val, err
}

// RefreshOrStale is Refresh with the serve-stale failure policy applied:
// if the refresh fails and a previous value exists, that value is returned;
// otherwise the zero value. The refresh error is returned alongside so the
// caller can feed backoff and logging, but the value is always usable.
func (s *Store[T]) RefreshOrStale(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	val, err := s.Refresh(ctx, key, fn)
	if err == nil {
		return val, nil
	}
	if stale, ok, _ := s.Get(key); ok {
		return stale, err
	}
	var zero T
	return zero, err
}

// Clear drops the cached value for key. A cell with a refresh in flight
// keeps its slot so waiters are not orphaned; only the value is dropped.
func (s *Store[T]) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[key]
	if c == nil {
		return
	}
	if c.inflight != nil {
		var zero T
		c.value, c.hasValue = zero, false
		return
	}
	delete(s.cells, key)
}

// ClearAll drops every cached value.
func (s *Store[T]) ClearAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.cells))
	for k := range s.cells {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.Clear(k)
	}
}

// CellInfo describes one cell for the diagnostic surface.
type CellInfo struct {
	Cache     string    `json:"cache"`
	Key       string    `json:"key"`
	Fresh     bool      `json:"fresh"`
	Fetching  bool      `json:"fetching"`
	FetchedAt time.Time `json:"fetched_at"`
	AgeMs     int64     `json:"age_ms"`
	Records   int       `json:"records"`
}

// Snapshot returns diagnostic info for every cell.
func (s *Store[T]) Snapshot() []CellInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CellInfo, 0, len(s.cells))
	for k, c := range s.cells {
		info := CellInfo{
			Cache:    s.name,
			Key:      k,
			Fetching: c.inflight != nil,
		}
		if c.hasValue {
			info.FetchedAt = c.fetchedAt
			info.AgeMs = time.Since(c.fetchedAt).Milliseconds()
			info.Fresh = time.Since(c.fetchedAt) < s.opts.TTL
			if s.opts.Len != nil {
				info.Records = s.opts.Len(c.value)
			}
		}
		out = append(out, info)
	}
	return out
}

// Run sweeps expired entries until the context is cancelled. The sweep only
// bounds memory; it never evicts a cell with a refresh in flight.
func (s *Store[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(time.Now()); n > 0 {
				slog.Debug("cache sweep", "cache", s.name, "evicted", n)
			}
		}
	}
}

func (s *Store[T]) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted int
	for k, c := range s.cells {
		if c.inflight != nil {
			continue
		}
		if !c.hasValue || now.Sub(c.fetchedAt) > s.opts.EvictAfter {
			delete(s.cells, k)
			evicted++
		}
	}
	if evicted > 0 {
		s.metrics.Evictions.WithLabelValues(s.name).Add(float64(evicted))
	}
	return evicted
}

// cell returns the cell for key, creating it lazily. Caller holds s.mu.
func (s *Store[T]) cell(key string) *cell[T] {
	c := s.cells[key]
	if c == nil {
		c = &cell[T]{}
		s.cells[key] = c
	}
	return c
}

func (c *cell[T]) store(val T, at time.Time) {
	c.value = val
	c.hasValue = true
	c.fetchedAt = at
}
