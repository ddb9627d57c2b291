package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxWebhookBody caps the size of a provider delivery.
const MaxWebhookBody = 1 << 20

// Decoder verifies and decodes one provider's webhook deliveries.
type Decoder interface {
	Provider() string
	Decode(body []byte, h http.Header) (Event, error)
}

// Dispatcher applies decoded events. *Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) (Outcome, error)
}

// Handler receives provider webhooks.
type Handler struct {
	decoders   []Decoder
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewHandler creates a webhook handler for the given providers.
func NewHandler(d Dispatcher, logger *slog.Logger, decoders ...Decoder) *Handler {
	return &Handler{decoders: decoders, dispatcher: d, logger: logger}
}

// RegisterRoutes mounts POST /webhooks/<provider> for each decoder.
// These routes authenticate by signature, not by service token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	for _, d := range h.decoders {
		r.POST("/webhooks/"+d.Provider(), h.receive(d))
	}
}

func (h *Handler) receive(d Decoder) gin.HandlerFunc {
	provider := d.Provider()
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
		if err != nil {
			webhookRejections.WithLabelValues(provider, "body").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large", "message": "Webhook body too large"})
			return
		}

		ev, err := d.Decode(body, c.Request.Header)
		if errors.Is(err, ErrInvalidSignature) {
			webhookRejections.WithLabelValues(provider, "signature").Inc()
			h.logger.Warn("webhook signature rejected", "provider", provider, "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Invalid webhook signature"})
			return
		}
		if err != nil {
			webhookRejections.WithLabelValues(provider, "payload").Inc()
			h.logger.Warn("webhook payload rejected", "provider", provider, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": err.Error()})
			return
		}

		outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
		if err != nil && IsRetryable(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable", "outcome": outcome})
			return
		}
		// Anything else is acknowledged so the provider stops redelivering.
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	}
}
