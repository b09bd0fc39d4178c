package stubapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	claimsKey       = "jwt_claims"
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128

	// a bucket idle this long has refilled completely and is dropped
	limiterIdleAfter = time.Minute
)

// RequestID propagates the caller's X-Request-ID or generates one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client IP. Buckets of clients
// idle for a minute are evicted, so the map only holds recent clients.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	clock clockwork.Clock

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

// NewClientLimiter allows perMinute requests per client per minute
func NewClientLimiter(perMinute int, clock clockwork.Clock) *ClientLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClientLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		clock:   clock,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether a request from key may proceed
func (l *ClientLimiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterIdleAfter {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) >= limiterIdleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of clients currently tracked
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit answers 429 once a client exhausts its budget
func RateLimit(limiter *ClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			abortWithError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				"Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}

// Auth rejects requests without a valid bearer token
func Auth(issuer *TokenIssuer, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tok, found := strings.CutPrefix(header, "Bearer ")
		if !found || tok == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}

		claims, err := issuer.Validate(tok)
		if err != nil {
			logger.GetGinLogger(c).Debug("Rejected bearer token", zap.Error(err))
			code, msg := "INVALID_TOKEN", "Invalid token"
			if errors.Is(err, ErrExpiredToken) {
				code, msg = "TOKEN_EXPIRED", "Token has expired"
			}
			abortWithError(c, http.StatusUnauthorized, code, msg)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
