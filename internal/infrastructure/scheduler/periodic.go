// Package scheduler runs background refresh loops with an explicit
// start/stop lifecycle.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrInvalidInterval is returned by NewPeriodic for a non-positive interval
var ErrInvalidInterval = errors.New("interval must be positive")

// Task is one run of a periodic job
type Task func(ctx context.Context)

// Periodic runs a task once on Start and then on every tick until Stop.
// Runs never overlap.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	clock    clockwork.Clock
	logger   *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	isRunning bool
}

// Option configures a Periodic
type Option func(*Periodic)

// WithClock sets the clock driving the ticker
func WithClock(c clockwork.Clock) Option {
	return func(p *Periodic) { p.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Periodic) { p.logger = l }
}

// NewPeriodic creates a stopped loop
func NewPeriodic(name string, interval time.Duration, task Task, opts ...Option) (*Periodic, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	p := &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("loop", name))
	return p, nil
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return nil
	}
	p.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	ticker := p.clock.NewTicker(p.interval)
	go p.loop(ctx, ticker, p.done)

	p.logger.Info("Periodic loop started", zap.Duration("interval", p.interval))
	return nil
}

// Stop cancels the loop and waits for an in-progress run to finish, or for
// ctx to end. Calling Stop on a stopped loop is a no-op.
func (p *Periodic) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		p.logger.Info("Periodic loop stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Periodic loop stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the loop has been started and not stopped
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

func (p *Periodic) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	p.task(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.task(ctx)
		}
	}
}
