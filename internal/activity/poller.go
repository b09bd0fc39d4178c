// Package activity derives per-resource "has new activity" flags by
// comparing server modification times with locally persisted view times.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/erp/dashsync/internal/client"
	"github.com/erp/dashsync/internal/infrastructure/scheduler"
	"github.com/erp/dashsync/internal/infrastructure/storage"
	"github.com/erp/dashsync/internal/infrastructure/telemetry"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const pollerName = "activity"

// Requester is the part of the request client the poller needs
type Requester interface {
	Request(ctx context.Context, endpoint string, opts client.RequestOptions) client.Envelope
}

var (
	// ErrRequesterRequired is returned by New without a Requester
	ErrRequesterRequired = errors.New("requester is required")
	// ErrStoreRequired is returned by New without a storage.Store
	ErrStoreRequired = errors.New("store is required")
)

// Config holds poller settings
type Config struct {
	Interval time.Duration
	Endpoint string
	// TrackedKeys limits the flags to these resources; empty tracks every
	// key the server reports
	TrackedKeys []string
}

// DefaultConfig returns the default poller configuration
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Endpoint: "/activity/last-updated",
	}
}

// Poller tracks when each resource last changed on the server and when the
// user last looked at it.
type Poller struct {
	cfg     Config
	tracked map[string]struct{}
	api     Requester
	store   storage.Store
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
	loop    *scheduler.Periodic

	// persistMu orders writes of the last-seen record so that the stored
	// copy always matches the newest snapshot
	persistMu sync.Mutex

	mu          sync.RWMutex
	lastUpdated map[string]time.Time
	lastSeen    map[string]time.Time
	subs        map[int]func(map[string]bool)
	nextID      int
}

// Option configures a Poller
type Option func(*Poller)

// WithClock sets the clock used to stamp views and drive the ticker
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

// New creates a stopped poller and restores the persisted view times. A
// missing or unreadable record starts from an empty map.
func New(ctx context.Context, api Requester, store storage.Store, cfg Config, opts ...Option) (*Poller, error) {
	if api == nil {
		return nil, ErrRequesterRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}

	p := &Poller{
		cfg:         cfg,
		api:         api,
		store:       store,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		lastUpdated: make(map[string]time.Time),
		lastSeen:    make(map[string]time.Time),
		subs:        make(map[int]func(map[string]bool)),
	}
	if len(cfg.TrackedKeys) > 0 {
		p.tracked = make(map[string]struct{}, len(cfg.TrackedKeys))
		for _, k := range cfg.TrackedKeys {
			p.tracked[k] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("activity")

	loop, err := scheduler.NewPeriodic(pollerName, cfg.Interval,
		func(ctx context.Context) { p.Refresh(ctx) },
		scheduler.WithClock(p.clock), scheduler.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	p.loop = loop

	p.rehydrate(ctx)
	return p, nil
}

func (p *Poller) rehydrate(ctx context.Context) {
	var seen map[string]time.Time
	ok, err := storage.LoadJSON(ctx, p.store, storage.KeyActivityLastSeen, &seen)
	if err != nil {
		p.logger.Warn("Discarding unreadable last-seen record", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	for k, t := range seen {
		p.lastSeen[k] = t
	}
	p.logger.Debug("Restored last-seen record", zap.Int("keys", len(p.lastSeen)))
}

// Start refreshes immediately and then on every interval
func (p *Poller) Start(ctx context.Context) error {
	return p.loop.Start(ctx)
}

// Stop ends the polling loop
func (p *Poller) Stop(ctx context.Context) error {
	return p.loop.Stop(ctx)
}

// Refresh fetches the server modification times. Entries with unreadable
// timestamps are ignored. It reports whether the times were replaced.
func (p *Poller) Refresh(ctx context.Context) bool {
	env := p.api.Request(ctx, p.cfg.Endpoint, client.RequestOptions{Method: http.MethodGet})
	if !env.Success {
		if env.RateLimited() {
			p.logger.Debug("Activity refresh rate limited")
			p.metrics.Poll(ctx, pollerName, "rate_limited")
		} else {
			p.logger.Warn("Activity refresh failed", zap.String("error", env.Error))
			p.metrics.Poll(ctx, pollerName, "failed")
		}
		return false
	}

	raw, err := client.Decode[map[string]json.RawMessage](env)
	if err != nil {
		p.logger.Warn("Unreadable activity response", zap.Error(err))
		p.metrics.Poll(ctx, pollerName, "failed")
		return false
	}

	updated := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		if !p.isTracked(k) {
			continue
		}
		t, ok := parseTimestamp(v)
		if !ok {
			p.logger.Debug("Ignoring unreadable timestamp", zap.String("key", k), zap.ByteString("value", v))
			continue
		}
		updated[k] = t
	}

	p.mu.Lock()
	p.lastUpdated = updated
	p.mu.Unlock()

	p.metrics.Poll(ctx, pollerName, "fetched")
	p.publish()
	return true
}

// HasNew returns the flag of every tracked or server-reported resource
func (p *Poller) HasNew() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flagsLocked()
}

// HasNewFor reports whether key changed on the server since it was last seen
func (p *Poller) HasNewFor(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasNewLocked(key)
}

// LastSeen returns a copy of the view times
func (p *Poller) LastSeen() map[string]time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]time.Time, len(p.lastSeen))
	for k, t := range p.lastSeen {
		out[k] = t
	}
	return out
}

// Keys returns the resources with a known server modification time, sorted
func (p *Poller) Keys() []string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.lastUpdated))
	for k := range p.lastUpdated {
		keys = append(keys, k)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// MarkSeen stamps key as viewed now and persists the whole record at once.
// A storage failure is logged and otherwise ignored.
func (p *Poller) MarkSeen(ctx context.Context, key string) {
	p.persistMu.Lock()
	p.mu.Lock()
	p.lastSeen[key] = p.clock.Now().UTC()
	snapshot := make(map[string]time.Time, len(p.lastSeen))
	for k, t := range p.lastSeen {
		snapshot[k] = t
	}
	p.mu.Unlock()

	err := storage.SaveJSON(ctx, p.store, storage.KeyActivityLastSeen, snapshot)
	p.persistMu.Unlock()
	if err != nil {
		p.logger.Warn("Failed to persist last-seen record", zap.String("key", key), zap.Error(err))
	}
	p.publish()
}

// Subscribe registers fn to be called with the flags after every change.
// The returned function removes the subscription.
func (p *Poller) Subscribe(fn func(map[string]bool)) (unsubscribe func()) {
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

func (p *Poller) isTracked(key string) bool {
	if p.tracked == nil {
		return true
	}
	_, ok := p.tracked[key]
	return ok
}

func (p *Poller) hasNewLocked(key string) bool {
	updated, ok := p.lastUpdated[key]
	if !ok {
		return false
	}
	seen, ok := p.lastSeen[key]
	return !ok || seen.Before(updated)
}

func (p *Poller) flagsLocked() map[string]bool {
	flags := make(map[string]bool, len(p.lastUpdated)+len(p.tracked))
	for k := range p.tracked {
		flags[k] = false
	}
	for k := range p.lastUpdated {
		flags[k] = p.hasNewLocked(k)
	}
	return flags
}

func (p *Poller) publish() {
	p.mu.RLock()
	flags := p.flagsLocked()
	subs := make([]func(map[string]bool), 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	for _, s := range subs {
		s(flags)
	}
}

// parseTimestamp accepts an RFC 3339 string or a number of milliseconds
// since the epoch.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
