// Package fetch binds a view to a data source with stale-while-revalidate
// semantics: a cached value is shown at once, then replaced by the network
// result.
package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/dashsync/internal/client"
	"github.com/erp/dashsync/internal/infrastructure/cache"
	"go.uber.org/zap"
)

// DefaultCacheTTL is used when Options.CacheTTL is zero
const DefaultCacheTTL = 5 * time.Minute

// ErrFetchRequired is returned by New when Options.Fetch is nil
var ErrFetchRequired = errors.New("fetch function is required")

// Func loads the value of a query
type Func[T any] func(ctx context.Context) (T, error)

// Options configures a Query. The zero value of the flags means enabled
// with stale-while-revalidate on.
type Options[T any] struct {
	Fetch    Func[T]
	CacheKey string // empty disables caching
	CacheTTL time.Duration

	// Disabled gates fetching behind a prerequisite; the state stays loading
	Disabled bool
	// NoStaleWhileRevalidate skips the immediate cached render
	NoStaleWhileRevalidate bool

	Logger *zap.Logger
}

// State is what a view renders
type State[T any] struct {
	Data    T
	HasData bool
	Loading bool
	Err     error
	IsStale bool
}

// Query holds the state of one view-level binding. Only the most recently
// dispatched fetch may apply its result.
type Query[T any] struct {
	opts   Options[T]
	store  *cache.Store[T]
	logger *zap.Logger

	generation atomic.Uint64
	closed     atomic.Bool

	mu     sync.RWMutex
	state  State[T]
	subs   map[int]func(State[T])
	nextID int
}

// New creates a query backed by store. store may be nil, which disables
// caching.
func New[T any](store *cache.Store[T], opts Options[T]) (*Query[T], error) {
	if opts.Fetch == nil {
		return nil, ErrFetchRequired
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Query[T]{
		opts:   opts,
		store:  store,
		logger: log.Named("fetch").With(zap.String("cache_key", opts.CacheKey)),
		state:  State[T]{Loading: true},
		subs:   make(map[int]func(State[T])),
	}, nil
}

// State returns the current state
func (q *Query[T]) State() State[T] {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Subscribe registers fn to be called with every state change. The returned
// function removes the subscription.
func (q *Query[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Activate renders a cached value when one exists, then dispatches a fetch.
// The returned channel is closed once that fetch has settled. A disabled or
// closed query does nothing and returns a closed channel.
func (q *Query[T]) Activate(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if q.opts.Disabled || q.closed.Load() {
		close(done)
		return done
	}

	if !q.opts.NoStaleWhileRevalidate {
		if e, ok := q.cached(); ok {
			q.update(func(s *State[T]) bool {
				// never fall back from applied network data to a cached copy
				if s.HasData && !s.IsStale {
					return false
				}
				s.Data, s.HasData = e, true
				s.Loading, s.IsStale = false, true
				return true
			})
		}
	}

	gen := q.generation.Add(1)
	go func() {
		defer close(done)
		q.run(ctx, gen)
	}()
	return done
}

// Refetch drops the cached value and fetches again, returning once the
// result has been applied or discarded.
func (q *Query[T]) Refetch(ctx context.Context) {
	if q.opts.Disabled || q.closed.Load() {
		return
	}
	if q.store != nil && q.opts.CacheKey != "" {
		q.store.Invalidate(q.opts.CacheKey)
	}
	q.run(ctx, q.generation.Add(1))
}

// Close detaches the query from its view. Results that settle afterwards
// are discarded and subscribers are no longer called.
func (q *Query[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.subs = make(map[int]func(State[T]))
	q.mu.Unlock()
}

func (q *Query[T]) cached() (T, bool) {
	var zero T
	if q.store == nil || q.opts.CacheKey == "" {
		return zero, false
	}
	e, ok := q.store.Get(q.opts.CacheKey)
	if !ok {
		return zero, false
	}
	return e.Value, true
}

func (q *Query[T]) run(ctx context.Context, gen uint64) {
	v, err := q.opts.Fetch(ctx)

	current := func() bool {
		if q.closed.Load() || gen != q.generation.Load() {
			q.logger.Debug("Discarding superseded fetch result", zap.Uint64("generation", gen))
			return false
		}
		return true
	}
	if !current() {
		return
	}

	if err != nil {
		q.logger.Debug("Fetch failed", zap.Error(err))
		q.update(func(s *State[T]) bool {
			if !current() {
				return false
			}
			s.Err = err
			s.Loading = false
			return true
		})
		return
	}

	if q.store != nil && q.opts.CacheKey != "" {
		q.store.Set(q.opts.CacheKey, v, q.opts.CacheTTL)
	}
	q.update(func(s *State[T]) bool {
		if !current() {
			return false
		}
		s.Data, s.HasData = v, true
		s.Loading, s.IsStale, s.Err = false, false, nil
		return true
	})
}

// update applies fn under the lock and notifies subscribers when fn reports
// a change.
func (q *Query[T]) update(fn func(*State[T]) bool) {
	q.mu.Lock()
	if !fn(&q.state) {
		q.mu.Unlock()
		return
	}
	snapshot := q.state
	subs := make([]func(State[T]), 0, len(q.subs))
	for _, s := range q.subs {
		subs = append(subs, s)
	}
	q.mu.Unlock()

	for _, s := range subs {
		s(snapshot)
	}
}

// FromClient adapts a GET on endpoint into a fetch function that decodes the
// envelope payload into T.
func FromClient[T any](c *client.Client, endpoint string) Func[T] {
	return FromRequest[T](c, endpoint, client.RequestOptions{})
}

// FromRequest is FromClient with explicit request options, e.g. a CacheTTL
// so that views opened close together share one response.
func FromRequest[T any](c *client.Client, endpoint string, opts client.RequestOptions) Func[T] {
	return func(ctx context.Context) (T, error) {
		return client.Decode[T](c.Request(ctx, endpoint, opts))
	}
}
