package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
)

// AccountOpener creates a user's balance. *ledger.Ledger satisfies it.
type AccountOpener interface {
	Open(ctx context.Context, userID string) (*ledger.Balance, error)
}

// Handler provides HTTP endpoints for the user directory.
type Handler struct {
	dir    Directory
	ledger AccountOpener
	logger *slog.Logger
}

// NewHandler creates a new users handler.
func NewHandler(dir Directory, l AccountOpener, logger *slog.Logger) *Handler {
	return &Handler{dir: dir, ledger: l, logger: logger}
}

// RegisterRoutes sets up user routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUser)
	r.POST("/users/:id/customers", h.LinkCustomer)
}

// CreateUserRequest is the body of POST /users.
type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CreateUser handles POST /users. The user's balance is opened with zero credits.
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("usr_")
	}

	u := &User{ID: req.ID, Email: req.Email}
	if err := h.dir.Create(c.Request.Context(), u); err != nil {
		h.logger.Error("create user failed", "user_id", req.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable", "message": "Failed to create user"})
		return
	}
	bal, err := h.ledger.Open(c.Request.Context(), u.ID)
	if err != nil {
		h.logger.Error("open balance failed", "user_id", u.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Failed to open balance"})
		return
	}

	h.logger.Info("user created", "user_id", u.ID)
	c.JSON(http.StatusCreated, gin.H{"user": u, "balance": bal})
}

// GetUser handles GET /users/:id
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.dir.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable", "message": "Failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// LinkCustomerRequest is the body of POST /users/:id/customers.
type LinkCustomerRequest struct {
	Provider   string `json:"provider" binding:"required,oneof=razorpay stripe"`
	CustomerID string `json:"customerId" binding:"required"`
}

// LinkCustomer handles POST /users/:id/customers
func (h *Handler) LinkCustomer(c *gin.Context) {
	var req LinkCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "provider and customerId are required"})
		return
	}
	err := h.dir.LinkCustomer(c.Request.Context(), req.Provider, req.CustomerID, c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrAlreadyLinked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_linked", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable", "message": "Failed to link customer"})
	default:
		c.JSON(http.StatusOK, gin.H{"linked": true})
	}
}
