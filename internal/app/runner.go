package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/config"
	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/erp/dashsync/internal/interfaces/http/stubapi"
	"github.com/erp/dashsync/internal/notification"
	"go.uber.org/zap"
)

// ErrLoginFailed is returned by Runner.Login when the server rejects the
// credentials
var ErrLoginFailed = errors.New("login failed")

// WatchOptions controls Runner.Watch
type WatchOptions struct {
	ConfigPath string
	Once       bool // refresh once, print, and exit
}

// LoginOptions controls Runner.Login
type LoginOptions struct {
	ConfigPath string
	Username   string
	Password   string
}

// Runner executes the CLI use cases against a freshly built Session
type Runner struct {
	Out  io.Writer
	opts []Option
}

// NewRunner creates a runner printing to out. opts are applied to every
// Session it builds.
func NewRunner(out io.Writer, opts ...Option) *Runner {
	return &Runner{Out: out, opts: opts}
}

func (r *Runner) session(ctx context.Context, configPath string) (*Session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, r.opts...)
}

// Login signs in and persists the token for later runs
func (r *Runner) Login(ctx context.Context, opts LoginOptions) error {
	s, err := r.session(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	defer s.Stop(context.WithoutCancel(ctx))

	env := s.Login(ctx, opts.Username, opts.Password)
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrLoginFailed, env.Error)
	}
	if exp, ok := s.Client.TokenExpiresAt(); ok {
		_, _ = fmt.Fprintf(r.Out, "logged in as %s (token expires %s)\n", opts.Username, exp.Format(time.RFC3339))
	} else {
		_, _ = fmt.Fprintf(r.Out, "logged in as %s\n", opts.Username)
	}
	return nil
}

// Logout removes the persisted token
func (r *Runner) Logout(ctx context.Context, configPath string) error {
	s, err := r.session(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.Stop(context.WithoutCancel(ctx))

	s.Logout(ctx)
	_, _ = fmt.Fprintln(r.Out, "logged out")
	return nil
}

// Watch polls counts and activity and prints every change until ctx ends
func (r *Runner) Watch(ctx context.Context, opts WatchOptions) error {
	s, err := r.session(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	defer s.Stop(context.WithoutCancel(ctx))

	if opts.Once {
		view, err := s.CountsView()
		if err != nil {
			return err
		}
		defer view.Close()

		<-view.Activate(ctx)
		state := view.State()
		if state.Err != nil {
			s.Logger.Warn("Failed to fetch notification counts", zap.Error(state.Err))
		}
		r.printCounts(state.Data)

		s.Activity.Refresh(ctx)
		r.printActivity(s.Activity.HasNew())
		return nil
	}

	var mu sync.Mutex
	unsubCounts := s.Notifications.Subscribe(func(c notification.Counts) {
		mu.Lock()
		defer mu.Unlock()
		r.printCounts(c)
	})
	defer unsubCounts()
	unsubActivity := s.Activity.Subscribe(func(flags map[string]bool) {
		mu.Lock()
		defer mu.Unlock()
		r.printActivity(flags)
	})
	defer unsubActivity()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// ServeStub runs the local stub API until ctx ends
func (r *Runner) ServeStub(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync(log) }()

	if cfg.StubAPI.Username == "admin" && cfg.StubAPI.Password == "admin" {
		log.Warn("Stub API is using the default credentials")
	}
	return stubapi.Serve(ctx, stubapi.Config{
		Addr:               cfg.StubAPI.Addr,
		Prefix:             cfg.API.Prefix,
		JWTSecret:          cfg.StubAPI.JWTSecret,
		TokenTTL:           cfg.StubAPI.TokenTTL,
		RateLimitPerMinute: cfg.StubAPI.RateLimitPerMinute,
		Username:           cfg.StubAPI.Username,
		Password:           cfg.StubAPI.Password,
		ReleaseMode:        cfg.IsProduction(),
	}, stubapi.NewState(nil), log.With(zap.String("component", "stub-api")))
}

func (r *Runner) printCounts(c notification.Counts) {
	parts := make([]string, 0, len(notification.AllCategories())+1)
	for _, cat := range notification.AllCategories() {
		parts = append(parts, fmt.Sprintf("%s=%d", cat.Key(), c.Get(cat)))
	}
	parts = append(parts, fmt.Sprintf("total=%d", c.Total()))
	_, _ = fmt.Fprintf(r.Out, "counts %s\n", strings.Join(parts, " "))
}

func (r *Runner) printActivity(flags map[string]bool) {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%t", k, flags[k]))
	}
	_, _ = fmt.Fprintf(r.Out, "activity %s\n", strings.Join(parts, " "))
}

func loadConfig(path string) (*config.Config, error) {
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
