// Package notification keeps the per-category unseen counters shown as
// dashboard badges in step with the server.
package notification

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/erp/dashsync/internal/client"
	"github.com/erp/dashsync/internal/infrastructure/scheduler"
	"github.com/erp/dashsync/internal/infrastructure/telemetry"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const pollerName = "notifications"

// Requester is the part of the request client the poller needs
type Requester interface {
	Request(ctx context.Context, endpoint string, opts client.RequestOptions) client.Envelope
}

// ErrRequesterRequired is returned by New without a Requester
var ErrRequesterRequired = errors.New("requester is required")

// Config holds poller settings
type Config struct {
	Interval           time.Duration
	MinGap             time.Duration
	CountsEndpoint     string
	MarkViewedEndpoint string // {category} is replaced by the category path
}

// DefaultConfig returns the default poller configuration
func DefaultConfig() Config {
	return Config{
		Interval:           120 * time.Second,
		MinGap:             30 * time.Second,
		CountsEndpoint:     "/notifications/counts",
		MarkViewedEndpoint: "/notifications/{category}/mark-viewed",
	}
}

// Poller owns the process-wide notification counters. Refreshes closer
// together than MinGap are skipped, not rescheduled.
type Poller struct {
	cfg     Config
	api     Requester
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
	loop    *scheduler.Periodic

	guardMu   sync.Mutex
	lastFetch time.Time
	fetched   bool

	mu      sync.RWMutex
	counts  Counts
	loading bool
	subs    map[int]func(Counts)
	nextID  int
}

// Option configures a Poller
type Option func(*Poller)

// WithClock sets the clock used by the guard and the ticker
func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithMetrics records refresh outcomes on m
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a stopped poller. Zero fields of cfg take their defaults.
func New(api Requester, cfg Config, opts ...Option) (*Poller, error) {
	if api == nil {
		return nil, ErrRequesterRequired
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinGap < 0 {
		cfg.MinGap = 0
	}
	if cfg.CountsEndpoint == "" {
		cfg.CountsEndpoint = def.CountsEndpoint
	}
	if cfg.MarkViewedEndpoint == "" {
		cfg.MarkViewedEndpoint = def.MarkViewedEndpoint
	}

	p := &Poller{
		cfg:    cfg,
		api:    api,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		subs:   make(map[int]func(Counts)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("notifications")

	loop, err := scheduler.NewPeriodic(pollerName, cfg.Interval,
		func(ctx context.Context) { p.RefreshCounts(ctx) },
		scheduler.WithClock(p.clock), scheduler.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	p.loop = loop
	return p, nil
}

// Start refreshes immediately and then on every interval
func (p *Poller) Start(ctx context.Context) error {
	return p.loop.Start(ctx)
}

// Stop ends the polling loop
func (p *Poller) Stop(ctx context.Context) error {
	return p.loop.Stop(ctx)
}

// Counts returns a snapshot of the counters
func (p *Poller) Counts() Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts
}

// IsLoading reports whether a refresh is in flight
func (p *Poller) IsLoading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loading
}

// Subscribe registers fn to be called with the counters after every change.
// The returned function removes the subscription.
func (p *Poller) Subscribe(fn func(Counts)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// UpdateCount sets the counter of cat. Negative values are stored as zero.
func (p *Poller) UpdateCount(cat Category, n int) {
	p.mutate(func(c *Counts) { c.set(cat, n) })
}

// IncrementCount adds one to the counter of cat
func (p *Poller) IncrementCount(cat Category) {
	p.mutate(func(c *Counts) { c.set(cat, c.Get(cat)+1) })
}

// DecrementCount subtracts one from the counter of cat, never going below zero
func (p *Poller) DecrementCount(cat Category) {
	p.mutate(func(c *Counts) { c.set(cat, c.Get(cat)-1) })
}

// ClearCount zeroes the counter of cat at once and then tells the server the
// category was viewed. The local zero stays even when the server call fails;
// the next successful refresh brings the counter back in line. It reports
// whether the server acknowledged.
func (p *Poller) ClearCount(ctx context.Context, cat Category) bool {
	p.mutate(func(c *Counts) { c.set(cat, 0) })

	endpoint := strings.ReplaceAll(p.cfg.MarkViewedEndpoint, "{category}", cat.Path())
	env := p.api.Request(ctx, endpoint, client.RequestOptions{
		Method:      http.MethodPost,
		Invalidates: []string{p.cfg.CountsEndpoint},
	})
	if !env.Success {
		p.logger.Warn("Failed to mark notifications as viewed",
			zap.Stringer("category", cat), zap.String("error", env.Error))
		return false
	}
	return true
}

// RefreshCounts fetches the counters unless the last fetch happened less
// than MinGap ago. It reports whether the counters were replaced.
func (p *Poller) RefreshCounts(ctx context.Context) bool {
	if !p.claimFetch() {
		p.logger.Debug("Skipping refresh inside guard window", zap.Duration("min_gap", p.cfg.MinGap))
		p.metrics.Poll(ctx, pollerName, "throttled")
		return false
	}

	p.setLoading(true)
	env := p.api.Request(ctx, p.cfg.CountsEndpoint, client.RequestOptions{Method: http.MethodGet})
	p.setLoading(false)

	if !env.Success {
		if env.RateLimited() {
			p.logger.Debug("Notification refresh rate limited")
			p.metrics.Poll(ctx, pollerName, "rate_limited")
		} else {
			p.logger.Warn("Notification refresh failed", zap.String("error", env.Error))
			p.metrics.Poll(ctx, pollerName, "failed")
		}
		return false
	}

	counts, err := client.Decode[Counts](env)
	if err != nil {
		p.logger.Warn("Unreadable notification counts", zap.Error(err))
		p.metrics.Poll(ctx, pollerName, "failed")
		return false
	}

	p.mutate(func(c *Counts) { *c = counts.Normalized() })
	p.metrics.Poll(ctx, pollerName, "fetched")
	return true
}

// claimFetch checks and records the guard window in one step so that
// concurrent callers cannot both pass it.
func (p *Poller) claimFetch() bool {
	p.guardMu.Lock()
	defer p.guardMu.Unlock()

	now := p.clock.Now()
	if p.fetched && now.Sub(p.lastFetch) < p.cfg.MinGap {
		return false
	}
	p.lastFetch, p.fetched = now, true
	return true
}

func (p *Poller) setLoading(v bool) {
	p.mu.Lock()
	p.loading = v
	p.mu.Unlock()
}

func (p *Poller) mutate(fn func(*Counts)) {
	p.mu.Lock()
	fn(&p.counts)
	snapshot := p.counts
	subs := make([]func(Counts), 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s(snapshot)
	}
}
