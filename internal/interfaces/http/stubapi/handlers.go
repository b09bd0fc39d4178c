package stubapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/erp/dashsync/internal/infrastructure/logger"
	"github.com/erp/dashsync/internal/notification"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type bumpRequest struct {
	By int `json:"by"`
}

type handlers struct {
	cfg    Config
	state  *State
	tokens *TokenIssuer
	userID string
}

func newHandlers(cfg Config, state *State, tokens *TokenIssuer) *handlers {
	return &handlers{
		cfg:    cfg,
		state:  state,
		tokens: tokens,
		userID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.Username)).String(),
	}
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Password)) == 1
	if !userOK || !passOK {
		abortWithError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		return
	}

	tok, expires, err := h.tokens.Issue(h.userID, req.Username)
	if err != nil {
		logger.GetGinLogger(c).Error("Failed to sign token", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	respond(c, gin.H{
		"token":      tok,
		"expires_at": expires.Format(time.RFC3339),
		"user":       gin.H{"id": h.userID, "username": req.Username},
	})
}

func (h *handlers) counts(c *gin.Context) {
	respond(c, h.state.Counts())
}

func (h *handlers) markViewed(c *gin.Context) {
	cat, ok := h.category(c)
	if !ok {
		return
	}
	h.state.MarkViewed(cat)
	respond(c, gin.H{"category": cat.Key()})
}

func (h *handlers) lastUpdated(c *gin.Context) {
	out := make(map[string]string)
	for k, t := range h.state.LastUpdated() {
		out[k] = t.Format(time.RFC3339Nano)
	}
	respond(c, out)
}

func (h *handlers) bump(c *gin.Context) {
	cat, ok := h.category(c)
	if !ok {
		return
	}
	req := bumpRequest{By: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
			return
		}
	}
	respond(c, h.state.Bump(cat, req.By))
}

func (h *handlers) touch(c *gin.Context) {
	at := h.state.Touch(c.Param("key"))
	respond(c, gin.H{c.Param("key"): at.Format(time.RFC3339Nano)})
}

func (h *handlers) category(c *gin.Context) (notification.Category, bool) {
	cat, err := notification.ParseCategory(c.Param("category"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Unknown notification category")
		return 0, false
	}
	return cat, true
}
