package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// haltClearer is satisfied by ledger.Coordinator.
type haltClearer interface {
	ClearHalt(ctx context.Context, scope string) error
}

// AdminHandler exposes operator-only routes. Every route is guarded by a
// shared secret sent in the X-Admin-Secret header; with no secret configured
// the routes answer 403.
type AdminHandler struct {
	halts  haltClearer
	secret string
	logger *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(halts haltClearer, secret string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{halts: halts, secret: secret, logger: logger}
}

// Register registers the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.Use(h.requireSecret())
	{
		admin.DELETE("/scopes/:scope/halt", h.ClearHalt)
	}
}

func (h *AdminHandler) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin routes are disabled"})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
			return
		}
		c.Next()
	}
}

// ClearHalt handles DELETE /admin/scopes/:scope/halt. The operator is
// expected to have reconciled the scope's chain first.
func (h *AdminHandler) ClearHalt(c *gin.Context) {
	scope := c.Param("scope")
	if err := h.halts.ClearHalt(c.Request.Context(), scope); err != nil {
		h.logger.Error("clear halt", zap.String("scope", scope), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear halt"})
		return
	}
	h.logger.Warn("scope halt cleared by operator",
		zap.String("scope", scope),
		zap.String("client_ip", c.ClientIP()),
		zap.Bool("security_event", true),
	)
	c.Status(http.StatusNoContent)
}
