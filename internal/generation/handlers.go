package generation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/ledger"
)

// Handler exposes generation submission.
type Handler struct {
	submitter *Submitter
	logger    *slog.Logger
}

// NewHandler creates a generation handler.
func NewHandler(s *Submitter, logger *slog.Logger) *Handler {
	return &Handler{submitter: s, logger: logger}
}

// RegisterRoutes sets up generation routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/generations", h.Submit)
	r.POST("/generations/quote", h.Quote)
}

// SubmitRequest is the body of POST /generations.
type SubmitRequest struct {
	UserID string `json:"userId" binding:"required"`
	Params
}

// Submit handles POST /generations
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sub, err := h.submitter.Submit(c.Request.Context(), req.UserID, req.Params)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"submission": sub})
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_params", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Not enough credits"})
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	default:
		h.logger.Error("generation submit failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Could not submit generation"})
	}
}

// Quote handles POST /generations/quote
func (h *Handler) Quote(c *gin.Context) {
	var p Params
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cost, err := Cost(p)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_params", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cost": cost})
}
