package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/security"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store         Store
	allowInsecure bool
	logger        *slog.Logger
}

// NewHandler creates a new webhook handler. allowInsecure permits plain
// http URLs, for local development.
func NewHandler(store Store, allowInsecure bool, logger *slog.Logger) *Handler {
	return &Handler{store: store, allowInsecure: allowInsecure, logger: logger}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/webhooks", h.CreateWebhook)
	r.GET("/users/:id/webhooks", h.ListWebhooks)
	r.DELETE("/users/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required,url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /users/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "https" && !(h.allowInsecure && u.Scheme == "http")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": "Webhook URL must use https"})
		return
	}
	if !h.allowInsecure {
		if err := security.ValidateEndpointURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
			return
		}
	}

	secret, err := generateSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    c.Param("id"),
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("create webhook failed", "user_id", sub.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(secret, timestamp + \".\" + body))",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /users/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /users/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
