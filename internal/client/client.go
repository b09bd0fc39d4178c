// Package client is the single point through which the dashboard talks to
// the remote API. Every call resolves to an Envelope; concurrent identical
// calls share one network round-trip.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/cache"
	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/erp/dashsync/internal/infrastructure/storage"
	"github.com/erp/dashsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitBackoff is the fixed wait applied before a 429 is reported
	DefaultRateLimitBackoff = time.Second

	maxBodyBytes = 10 << 20
	userAgent    = "dashsync/1.0"
)

// ErrBaseURLRequired is returned by New when Config.BaseURL is empty
var ErrBaseURLRequired = errors.New("base URL is required")

// Config holds the connection settings of a Client
type Config struct {
	BaseURL           string
	Prefix            string
	Timeout           time.Duration
	RateLimitBackoff  time.Duration
	RequestsPerSecond float64
}

// RequestOptions describes a single call
type RequestOptions struct {
	Method  string // defaults to GET
	Body    any    // encoded as JSON when non-nil
	Headers map[string]string

	// CacheTTL opts a GET into the response cache
	CacheTTL time.Duration
	// Invalidates lists cache key prefixes dropped after a successful mutation
	Invalidates []string
}

// Client executes requests against the remote API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	prefix     string
	backoff    time.Duration
	limiter    *rate.Limiter

	group   singleflight.Group
	waiters atomic.Int64

	responses *cache.Store[Envelope]
	store     storage.Store
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *telemetry.SyncMetrics
	tracer    trace.Tracer

	// persistMu orders token writes to the store with the in-memory updates
	persistMu sync.Mutex
	mu        sync.RWMutex
	token     string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithResponseCache enables opt-in caching of GET responses
func WithResponseCache(s *cache.Store[Envelope]) Option {
	return func(c *Client) { c.responses = s }
}

// WithStore sets where the bearer token is persisted
func WithStore(s storage.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithClock sets the time source used for the 429 backoff
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request outcomes on m
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer sets the tracer used for request spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client. A token previously persisted in the store is
// restored; an unreadable one is ignored.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.RateLimitBackoff
	if backoff <= 0 {
		backoff = DefaultRateLimitBackoff
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		prefix:     "/" + strings.Trim(cfg.Prefix, "/"),
		backoff:    backoff,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/erp/dashsync/internal/client"),
	}
	if c.prefix == "/" {
		c.prefix = ""
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")

	c.restoreToken(context.Background())
	return c, nil
}

// Request performs a call and never fails: transport problems, rate limiting
// and application errors all come back as unsuccessful envelopes.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) Envelope {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	cacheable := method == http.MethodGet && opts.CacheTTL > 0 && c.responses != nil
	if cacheable {
		if e, ok := c.responses.Get(endpoint); ok {
			return e.Value
		}
	}

	var body []byte
	if opts.Body != nil {
		var err error
		if body, err = json.Marshal(opts.Body); err != nil {
			c.logger.Error("Failed to encode request body",
				zap.String("method", method), zap.String("endpoint", endpoint), zap.Error(err))
			return failure(KindInvalid, 0, ErrMsgInvalidBody)
		}
	}

	env := c.shared(ctx, method, endpoint, body, opts.Headers)

	if env.Success {
		if cacheable {
			c.responses.Set(endpoint, env, opts.CacheTTL)
		}
		if method != http.MethodGet && c.responses != nil {
			for _, prefix := range opts.Invalidates {
				c.responses.InvalidateByPrefix(prefix)
			}
		}
	}
	return env
}

// shared collapses concurrent identical calls into one network round-trip.
// The round-trip runs detached from the caller's cancellation so that one
// caller going away does not fail the others; that caller stops waiting.
func (c *Client) shared(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) Envelope {
	key := pendingKey(method, endpoint, body, headers)
	detached := context.WithoutCancel(ctx)

	led := false
	c.waiters.Add(1)
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		return c.execute(detached, method, endpoint, body, headers), nil
	})

	select {
	case res := <-ch:
		c.waiters.Add(-1)
		if !led {
			c.metrics.DedupJoined(ctx)
			c.logger.Debug("Joined in-flight request", zap.String("key", key))
		}
		return res.Val.(Envelope)
	case <-ctx.Done():
		c.waiters.Add(-1)
		return failure(KindCancelled, 0, ErrMsgCancelled)
	}
}

// Pending returns how many callers are currently waiting on the network
func (c *Client) Pending() int {
	return int(c.waiters.Load())
}

// execute performs one network round-trip and classifies its outcome
func (c *Client) execute(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) Envelope {
	requestID := uuid.NewString()
	ctx = logger.WithRequestID(ctx, requestID)
	log := logger.For(ctx, c.logger).With(zap.String("method", method), zap.String("endpoint", endpoint))

	ctx, span := c.tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("dashsync.endpoint", endpoint),
		))
	defer span.End()

	start := time.Now()
	env := c.roundTrip(ctx, log, requestID, method, endpoint, body, headers)
	elapsed := time.Since(start)

	if env.Status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", env.Status))
	}
	if !env.Success {
		span.SetStatus(codes.Error, env.Error)
	}
	c.metrics.RequestCompleted(ctx, method, env.Kind.Outcome(), elapsed)
	log.Debug("Request settled",
		zap.String("outcome", env.Kind.Outcome()),
		zap.Int("status", env.Status),
		zap.Duration("elapsed", elapsed))
	return env
}

func (c *Client) roundTrip(ctx context.Context, log *zap.Logger, requestID, method, endpoint string, body []byte, headers map[string]string) Envelope {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			log.Warn("Client-side pacing failed", zap.Error(err))
			return failure(KindNetwork, 0, ErrMsgNetwork)
		}
	}

	target, err := c.resolve(endpoint)
	if err != nil {
		log.Error("Invalid endpoint", zap.Error(err))
		return failure(KindInvalid, 0, ErrMsgInvalidBody)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		log.Error("Failed to build request", zap.Error(err))
		return failure(KindInvalid, 0, ErrMsgInvalidBody)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("Network error", zap.Error(err))
		return failure(KindNetwork, 0, ErrMsgNetwork)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		log.Warn("Failed to read response body", zap.Error(err))
		return failure(KindNetwork, resp.StatusCode, ErrMsgNetwork)
	}

	return c.classify(log, resp.StatusCode, raw)
}

func (c *Client) classify(log *zap.Logger, status int, raw []byte) Envelope {
	switch {
	case status == http.StatusTooManyRequests:
		log.Info("Rate limited by server, backing off", zap.Duration("backoff", c.backoff))
		<-c.clock.After(c.backoff)
		return failure(KindRateLimited, status, ErrMsgRateLimited)

	case status < 200 || status > 299:
		msg, ok := errorMessage(raw)
		if !ok {
			msg = fmt.Sprintf("Request failed with status %d", status)
		}
		return failure(KindApplication, status, msg)

	case len(bytes.TrimSpace(raw)) == 0:
		return Envelope{Success: true, Status: status}

	case !json.Valid(raw):
		log.Warn("Malformed response body", zap.Int("bytes", len(raw)))
		return failure(KindMalformed, status, ErrMsgMalformed)
	}

	if msg, failed := businessFailure(raw); failed {
		return failure(KindApplication, status, msg)
	}
	return Envelope{Success: true, Data: json.RawMessage(raw), Status: status}
}

// resolve joins base URL, prefix and endpoint. The endpoint may carry a query.
func (c *Client) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + c.prefix + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, endpoint string) Envelope {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodGet})
}

// Post performs a POST request
func (c *Client) Post(ctx context.Context, endpoint string, body any, invalidates ...string) Envelope {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPost, Body: body, Invalidates: invalidates})
}

// Put performs a PUT request
func (c *Client) Put(ctx context.Context, endpoint string, body any, invalidates ...string) Envelope {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPut, Body: body, Invalidates: invalidates})
}

// Delete performs a DELETE request
func (c *Client) Delete(ctx context.Context, endpoint string, invalidates ...string) Envelope {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodDelete, Invalidates: invalidates})
}
