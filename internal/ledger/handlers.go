package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/pagination"
	"github.com/mbd888/creditledger/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/entries", h.GetEntries)
	r.POST("/users/:id/deductions", h.Deduct)
	r.POST("/users/:id/refunds", h.Refund)
}

// MutationRequest is the body of deduction and refund calls.
type MutationRequest struct {
	Amount      int64             `json:"amount" binding:"required,gt=0"`
	Kind        Kind              `json:"kind"`
	Reference   string            `json:"reference"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetEntries handles GET /users/:id/entries?limit=&kind=&status=&cursor=
func (h *Handler) GetEntries(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be 1-500"})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	f := EntryFilter{
		UserID: c.Param("id"),
		Kind:   Kind(c.Query("kind")),
		Status: Status(c.Query("status")),
		Limit:  limit + 1,
	}
	if cursor != nil {
		f.After = cursor.ID
	}
	entries, err := h.ledger.FindEntries(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}

	page := pagination.Paginate(entries, limit, func(e *Entry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID, CreatedAt: e.CreatedAt}
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// Deduct handles POST /users/:id/deductions
func (h *Handler) Deduct(c *gin.Context) {
	req, ok := h.bind(c, KindGenerationSpend)
	if !ok {
		return
	}
	res, err := h.ledger.Deduct(c.Request.Context(), req)
	if errors.Is(err, ErrInsufficientFunds) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Not enough credits",
			"result":  res,
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Refund handles POST /users/:id/refunds. Refunds credit back work that
// did not happen; deposits only come from payment events.
func (h *Handler) Refund(c *gin.Context) {
	req, ok := h.bind(c, KindGenerationRefund)
	if !ok {
		return
	}
	res, err := h.ledger.Deposit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) bind(c *gin.Context, defaultKind Kind) (Request, bool) {
	var body MutationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return Request{}, false
	}
	if err := validation.Metadata(body.Metadata); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_metadata", "message": err.Error()})
		return Request{}, false
	}
	if body.Kind == "" {
		body.Kind = defaultKind
	}
	if body.Kind != defaultKind && body.Kind != KindOther {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be " + string(defaultKind) + " or other",
		})
		return Request{}, false
	}
	return Request{
		UserID:      c.Param("id"),
		Amount:      body.Amount,
		Kind:        body.Kind,
		Reference:   body.Reference,
		Description: validation.SanitizeString(body.Description, 500),
		Metadata:    body.Metadata,
	}, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	default:
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Ledger temporarily unavailable",
		})
	}
}
