// Package cache holds the time-boxed result store shared by the request
// client and fetch queries.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/telemetry"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Entry is an immutable cached result. Refreshing a key replaces the entry.
type Entry[V any] struct {
	Key      string
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// FreshAt reports whether the entry is still inside its TTL window at now
func (e Entry[V]) FreshAt(now time.Time) bool {
	return now.Sub(e.StoredAt) <= e.TTL
}

// Store maps request signatures to timestamped results. Expiry is lazy: an
// expired entry is dropped by the Get that observes it.
type Store[V any] struct {
	name    string
	mu      sync.RWMutex
	entries map[string]Entry[V]
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
}

// Option configures a Store
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
}

// WithClock sets the time source
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger for the store
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records hits and misses on m
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty store. name labels its log lines and metrics.
func New[V any](name string, opts ...Option) *Store[V] {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[V]{
		name:    name,
		entries: make(map[string]Entry[V]),
		clock:   o.clock,
		logger:  o.logger.Named("cache").With(zap.String("store", name)),
		metrics: o.metrics,
	}
}

// Get returns the entry for key if it is still fresh
func (s *Store[V]) Get(key string) (Entry[V], bool) {
	now := s.clock.Now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && e.FreshAt(now) {
		s.metrics.CacheHit(context.Background(), s.name)
		return e, true
	}

	if ok {
		s.mu.Lock()
		// Another writer may have refreshed the key since the read lock was released.
		if cur, still := s.entries[key]; still && !cur.FreshAt(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		s.logger.Debug("cache entry expired", zap.String("key", key))
	}

	s.metrics.CacheMiss(context.Background(), s.name)
	var zero Entry[V]
	return zero, false
}

// Set stores value under key, replacing any previous entry
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	e := Entry[V]{Key: key, Value: value, StoredAt: s.clock.Now(), TTL: ttl}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	s.logger.Debug("cached", zap.String("key", key), zap.Duration("ttl", ttl))
}

// Invalidate removes the entry stored under exactly key
func (s *Store[V]) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateByPrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (s *Store[V]) InvalidateByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("invalidated by prefix", zap.String("prefix", prefix), zap.Int("removed", removed))
	}
	return removed
}

// Clear drops every entry, e.g. on logout
func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]Entry[V])
	s.mu.Unlock()
}

// Len returns the number of stored entries, fresh or not
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
