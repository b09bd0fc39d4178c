package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/storage"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Token returns the bearer token currently held, or ""
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken holds tok for subsequent requests and persists it. A persistence
// failure is logged; the in-memory token is still set.
func (c *Client) SetToken(ctx context.Context, tok string) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := storage.SaveJSON(ctx, c.store, storage.KeyAuthToken, tok); err != nil {
		c.logger.Warn("Failed to persist auth token", zap.Error(err))
	}
}

// ClearToken drops the held token, its persisted copy, and any cached
// responses fetched with it.
func (c *Client) ClearToken(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if c.responses != nil {
		c.responses.Clear()
	}
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, storage.KeyAuthToken); err != nil {
		c.logger.Warn("Failed to remove persisted auth token", zap.Error(err))
	}
}

// TokenExpiresAt returns the expiry of the held token when it is a JWT with
// an exp claim. The signature is not verified; the server remains the judge.
func (c *Client) TokenExpiresAt() (time.Time, bool) {
	tok := c.Token()
	if tok == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Login posts credentials to endpoint and, on success, holds the token found
// in the response.
func (c *Client) Login(ctx context.Context, endpoint string, credentials any) Envelope {
	env := c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPost, Body: credentials})
	if !env.Success {
		return env
	}

	tok, ok := extractToken(env.Data, 0)
	if !ok {
		c.logger.Warn("Login succeeded but no token was found in the response")
		return env
	}
	c.SetToken(ctx, tok)

	if exp, ok := c.TokenExpiresAt(); ok {
		c.logger.Info("Logged in", zap.Time("token_expires_at", exp))
	} else {
		c.logger.Info("Logged in")
	}
	return env
}

func (c *Client) restoreToken(ctx context.Context) {
	if c.store == nil {
		return
	}
	var tok string
	ok, err := storage.LoadJSON(ctx, c.store, storage.KeyAuthToken, &tok)
	if err != nil {
		c.logger.Warn("Ignoring unreadable persisted auth token", zap.Error(err))
		return
	}
	if ok {
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
	}
}

var tokenFields = []string{"token", "accessToken", "access_token"}

// extractToken finds a token string in a login response. It looks at the
// well-known field names, descending into "data" and into a "token" object.
func extractToken(raw json.RawMessage, depth int) (string, bool) {
	if depth > 3 || len(raw) == 0 {
		return "", false
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return "", false
	}

	for _, field := range tokenFields {
		v, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s, true
		}
		if tok, ok := extractToken(v, depth+1); ok {
			return tok, true
		}
	}
	if data, ok := obj["data"]; ok {
		return extractToken(data, depth+1)
	}
	return "", false
}
