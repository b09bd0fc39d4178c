// Package stubapi is a local stand-in for the dashboard's remote API. It
// serves login, notification counts, mark-viewed and activity endpoints so
// the sync layer can run end to end without the real backend.
package stubapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ErrSecretRequired is returned by NewRouter without a JWT secret
var ErrSecretRequired = errors.New("jwt secret is required")

// Config configures the stub
type Config struct {
	Addr               string
	Prefix             string
	JWTSecret          string
	TokenTTL           time.Duration
	RateLimitPerMinute int // 0 disables the limiter
	Username           string
	Password           string
	ServiceName        string
	ReleaseMode        bool
}

// NewRouter builds the gin engine serving the stub API
func NewRouter(cfg Config, state *State, log *zap.Logger, clock clockwork.Clock) (*gin.Engine, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrSecretRequired
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dashsync-stub-api"
	}
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	log = logger.OrNop(log).Named("stubapi")

	engine := gin.New()
	engine.Use(RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(logger.GinMiddleware(log))
	if cfg.RateLimitPerMinute > 0 {
		engine.Use(RateLimit(NewClientLimiter(cfg.RateLimitPerMinute, clock)))
		log.Info("Rate limiting enabled", zap.Int("per_minute", cfg.RateLimitPerMinute))
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tokens := NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, clock)
	h := newHandlers(cfg, state, tokens)

	api := engine.Group("/" + strings.Trim(cfg.Prefix, "/"))
	api.POST("/auth/login", h.login)

	authed := api.Group("", Auth(tokens, log))
	authed.GET("/notifications/counts", h.counts)
	authed.POST("/notifications/:category/mark-viewed", h.markViewed)
	authed.GET("/activity/last-updated", h.lastUpdated)

	dev := authed.Group("/dev")
	dev.POST("/notifications/:category/bump", h.bump)
	dev.POST("/activity/:key/touch", h.touch)

	return engine, nil
}

// Serve runs the stub on cfg.Addr until ctx ends, then shuts down gracefully
func Serve(ctx context.Context, cfg Config, state *State, log *zap.Logger) error {
	log = logger.OrNop(log)
	engine, err := NewRouter(cfg, state, log, clockwork.NewRealClock())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Stub API starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down stub API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
