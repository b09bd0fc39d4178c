package stubapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erp/dashsync/internal/activity"
	"github.com/erp/dashsync/internal/client"
	"github.com/erp/dashsync/internal/infrastructure/storage"
	"github.com/erp/dashsync/internal/notification"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() Config {
	return Config{
		Prefix:    "/api",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Username:  "ops",
		Password:  "pw",
	}
}

func newStub(t *testing.T, cfg Config, clock clockwork.Clock) (*httptest.Server, *State) {
	t.Helper()
	state := NewState(clock)
	engine, err := NewRouter(cfg, state, zap.NewNop(), clock)
	require.NoError(t, err)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, state
}

func loggedInClient(t *testing.T, srv *httptest.Server, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{BaseURL: srv.URL, Prefix: "/api", RateLimitBackoff: 10 * time.Millisecond}, opts...)
	require.NoError(t, err)
	env := c.Login(context.Background(), "/auth/login", map[string]string{"username": "ops", "password": "pw"})
	require.True(t, env.Success, env.Error)
	require.NotEmpty(t, c.Token())
	return c
}

func TestNewRouter_RequiresSecret(t *testing.T) {
	_, err := NewRouter(Config{}, NewState(nil), nil, nil)
	assert.ErrorIs(t, err, ErrSecretRequired)
}

func TestLogin(t *testing.T) {
	srv, _ := newStub(t, testConfig(), clockwork.NewRealClock())

	c, err := client.New(client.Config{BaseURL: srv.URL, Prefix: "/api"})
	require.NoError(t, err)

	env := c.Login(context.Background(), "/auth/login", map[string]string{"username": "ops", "password": "wrong"})
	assert.False(t, env.Success)
	assert.Equal(t, "Invalid username or password", env.Error)
	assert.Equal(t, http.StatusUnauthorized, env.Status)

	env = c.Login(context.Background(), "/auth/login", map[string]string{"username": "ops"})
	assert.False(t, env.Success)
	assert.Equal(t, http.StatusBadRequest, env.Status)

	c = loggedInClient(t, srv)
	exp, ok := c.TokenExpiresAt()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)
}

func TestAuth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, _ := newStub(t, testConfig(), clock)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "Authentication required"},
		{"not bearer", "Basic abc", "Authentication required"},
		{"garbage token", "Bearer abc.def.ghi", "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/notifications/counts", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	c := loggedInClient(t, srv)
	require.True(t, c.Get(context.Background(), "/notifications/counts").Success)

	clock.Advance(2 * time.Hour)
	env := c.Get(context.Background(), "/notifications/counts")
	assert.False(t, env.Success)
	assert.Equal(t, "Token has expired", env.Error)
}

func TestRequestID(t *testing.T) {
	srv, _ := newStub(t, testConfig(), clockwork.NewRealClock())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 3
	srv, _ := newStub(t, cfg, clockwork.NewRealClock())

	c := loggedInClient(t, srv)
	ctx := context.Background()
	assert.True(t, c.Get(ctx, "/notifications/counts").Success)
	assert.True(t, c.Get(ctx, "/notifications/counts").Success)

	env := c.Get(ctx, "/notifications/counts")
	assert.False(t, env.Success)
	assert.True(t, env.RateLimited())
	assert.Equal(t, client.ErrMsgRateLimited, env.Error)
}

func TestNotificationPollerAgainstStub(t *testing.T) {
	srv, state := newStub(t, testConfig(), clockwork.NewRealClock())
	c := loggedInClient(t, srv)
	ctx := context.Background()

	require.True(t, c.Post(ctx, "/dev/notifications/invoices/bump", map[string]int{"by": 3}).Success)
	require.True(t, c.Post(ctx, "/dev/notifications/invoice-requests/bump", nil).Success)

	p, err := notification.New(c, notification.DefaultConfig())
	require.NoError(t, err)
	require.True(t, p.RefreshCounts(ctx))
	assert.Equal(t, notification.Counts{Invoices: 3, InvoiceRequests: 1}, p.Counts())

	assert.True(t, p.ClearCount(ctx, notification.CategoryInvoices))
	assert.Equal(t, 0, state.Counts().Invoices)
	assert.Equal(t, 1, state.Counts().InvoiceRequests)

	env := c.Post(ctx, "/notifications/payroll/mark-viewed", nil)
	assert.False(t, env.Success)
	assert.Equal(t, "Unknown notification category", env.Error)
}

func TestActivityPollerAgainstStub(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, state := newStub(t, testConfig(), clock)
	c := loggedInClient(t, srv)
	ctx := context.Background()

	state.Touch("tickets")
	p, err := activity.New(ctx, c, storage.NewMemoryStore(), activity.DefaultConfig(), activity.WithClock(clock))
	require.NoError(t, err)

	require.True(t, p.Refresh(ctx))
	assert.True(t, p.HasNewFor("tickets"))

	clock.Advance(time.Minute)
	p.MarkSeen(ctx, "tickets")
	assert.False(t, p.HasNewFor("tickets"))

	clock.Advance(time.Minute)
	require.True(t, c.Post(ctx, "/dev/activity/tickets/touch", nil).Success)
	require.True(t, p.Refresh(ctx))
	assert.True(t, p.HasNewFor("tickets"))
}

func TestClientLimiter_PerClient(t *testing.T) {
	l := NewClientLimiter(2, clockwork.NewFakeClock())
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewClientLimiter(2, clock)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		assert.True(t, l.Allow(ip))
	}
	assert.Equal(t, 3, l.Len())

	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.Equal(t, 3, l.Len(), "nobody has been idle for a minute yet")

	clock.Advance(45 * time.Second)
	assert.True(t, l.Allow("10.0.0.4"))
	assert.Equal(t, 2, l.Len(), "only the recently seen client and the new one remain")

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "a tracked bucket keeps its state")
}

func TestTokenIssuer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer := NewTokenIssuer("s3cret", time.Minute, clock)

	tok, _, err := issuer.Issue("u-1", "ops")
	require.NoError(t, err)

	claims, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)

	_, err = NewTokenIssuer("other", time.Minute, clock).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(2 * time.Minute)
	_, err = issuer.Validate(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = issuer.Validate(strings.Repeat("x", 20))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
