// Package app assembles the sync layer from configuration. A Session owns
// every process-wide singleton: the response cache, the request client and
// both pollers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/erp/dashsync/internal/activity"
	"github.com/erp/dashsync/internal/client"
	"github.com/erp/dashsync/internal/fetch"
	"github.com/erp/dashsync/internal/infrastructure/cache"
	"github.com/erp/dashsync/internal/infrastructure/config"
	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/erp/dashsync/internal/infrastructure/storage"
	"github.com/erp/dashsync/internal/infrastructure/telemetry"
	"github.com/erp/dashsync/internal/notification"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/erp/dashsync"

// Session is one signed-in dashboard session
type Session struct {
	Config        *config.Config
	Logger        *zap.Logger
	Telemetry     *telemetry.Provider
	Store         storage.Store
	Responses     *cache.Store[client.Envelope]
	Views         *cache.Store[notification.Counts]
	Client        *client.Client
	Notifications *notification.Poller
	Activity      *activity.Poller

	clock      clockwork.Clock
	httpClient *http.Client
}

// Option configures a Session
type Option func(*Session)

// WithLogger uses l instead of building one from the log config
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.Logger = l }
}

// WithClock sets the clock shared by the cache, client and pollers
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithStore uses store instead of opening the configured backend
func WithStore(store storage.Store) Option {
	return func(s *Session) { s.Store = store }
}

// WithHTTPClient replaces the client's underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Session) { s.httpClient = hc }
}

// New builds a session. Nothing polls until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	s := &Session{Config: cfg, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}

	if s.Logger == nil {
		l, err := logger.New(&logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		s.Logger = l
	}
	log := s.Logger

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		ExportInterval:    cfg.Telemetry.ExportInterval,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.Telemetry = tp

	metrics, err := telemetry.NewSyncMetrics(tp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if s.Store == nil {
		store, err := storage.Open(ctx, cfg.Storage, cfg.Log.Level, log)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		s.Store = store
	}

	s.Responses = cache.New[client.Envelope]("responses",
		cache.WithClock(s.clock), cache.WithLogger(log), cache.WithMetrics(metrics))
	s.Views = cache.New[notification.Counts]("views",
		cache.WithClock(s.clock), cache.WithLogger(log), cache.WithMetrics(metrics))

	clientOpts := []client.Option{
		client.WithResponseCache(s.Responses),
		client.WithStore(s.Store),
		client.WithClock(s.clock),
		client.WithLogger(log),
		client.WithMetrics(metrics),
		client.WithTracer(tp.Tracer(instrumentationName)),
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(s.httpClient))
	}
	s.Client, err = client.New(client.Config{
		BaseURL:           cfg.API.BaseURL,
		Prefix:            cfg.API.Prefix,
		Timeout:           cfg.API.Timeout,
		RateLimitBackoff:  cfg.API.RateLimitBackoff,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
	}, clientOpts...)
	if err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s.Notifications, err = notification.New(s.Client, notification.Config{
		Interval:           cfg.Notifications.Interval,
		MinGap:             cfg.Notifications.MinGap,
		CountsEndpoint:     cfg.Notifications.CountsEndpoint,
		MarkViewedEndpoint: cfg.Notifications.MarkViewedEndpoint,
	}, notification.WithClock(s.clock), notification.WithLogger(log), notification.WithMetrics(metrics))
	if err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to create notification poller: %w", err)
	}

	// every counter change, optimistic ones included, becomes the cached copy
	// the next counts view renders first
	s.Notifications.Subscribe(func(c notification.Counts) {
		s.Views.Set(cfg.Notifications.CountsEndpoint, c, cfg.Cache.DefaultTTL)
	})

	s.Activity, err = activity.New(ctx, s.Client, s.Store, activity.Config{
		Interval:    cfg.Activity.Interval,
		Endpoint:    cfg.Activity.Endpoint,
		TrackedKeys: cfg.Activity.TrackedKeys,
	}, activity.WithClock(s.clock), activity.WithLogger(log), activity.WithMetrics(metrics))
	if err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to create activity poller: %w", err)
	}

	log.Info("Session ready",
		zap.String("api", cfg.API.BaseURL),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("signed_in", s.Client.Token() != ""),
	)
	return s, nil
}

// CountsView returns a query over the notification counters. Views share one
// cache, so a view opened after an earlier fetch or poll renders the last
// known counts at once and revalidates them in the background.
func (s *Session) CountsView() (*fetch.Query[notification.Counts], error) {
	endpoint := s.Config.Notifications.CountsEndpoint
	fetchCounts := fetch.FromRequest[notification.Counts](s.Client, endpoint,
		client.RequestOptions{CacheTTL: s.Config.Cache.ResponseTTL})

	return fetch.New(s.Views, fetch.Options[notification.Counts]{
		CacheKey: endpoint,
		CacheTTL: s.Config.Cache.DefaultTTL,
		Fetch: func(ctx context.Context) (notification.Counts, error) {
			c, err := fetchCounts(ctx)
			return c.Normalized(), err
		},
		Logger: s.Logger,
	})
}

// Login signs in with the configured login endpoint
func (s *Session) Login(ctx context.Context, username, password string) client.Envelope {
	return s.Client.Login(ctx, s.Config.API.LoginEndpoint, map[string]string{
		"username": username,
		"password": password,
	})
}

// Logout drops the token and every cached response
func (s *Session) Logout(ctx context.Context) {
	s.Client.ClearToken(ctx)
}

// Start launches the enabled pollers
func (s *Session) Start(ctx context.Context) error {
	if s.Config.Notifications.Enabled {
		if err := s.Notifications.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification poller: %w", err)
		}
	}
	if s.Config.Activity.Enabled {
		if err := s.Activity.Start(ctx); err != nil {
			return fmt.Errorf("failed to start activity poller: %w", err)
		}
	}
	return nil
}

// Stop halts the pollers and releases storage and telemetry
func (s *Session) Stop(ctx context.Context) error {
	err := errors.Join(
		s.Notifications.Stop(ctx),
		s.Activity.Stop(ctx),
	)
	err = errors.Join(err, s.closeResources(ctx))
	if err != nil {
		s.Logger.Warn("Session stopped with errors", zap.Error(err))
		return err
	}
	s.Logger.Info("Session stopped")
	return nil
}

func (s *Session) closeResources(ctx context.Context) error {
	var errs []error
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = logger.Sync(s.Logger)
	return errors.Join(errs...)
}
