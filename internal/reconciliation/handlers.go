package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/ledger"
)

// Handler exposes on-demand reconciliation to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up admin routes. The group must already be
// admin-authenticated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
	r.GET("/admin/reconcile/users/:id", h.ReconcileUser)
}

// Reconcile handles GET /admin/reconcile. ?cached=true returns the last
// report without running a new pass.
func (h *Handler) Reconcile(c *gin.Context) {
	if c.Query("cached") == "true" {
		last := h.runner.Last()
		if last == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "No reconciliation has run yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": last, "clean": last.Clean()})
		return
	}

	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

// ReconcileUser handles GET /admin/reconcile/users/:id
func (h *Handler) ReconcileUser(c *gin.Context) {
	m, err := h.runner.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ledger.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "check_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m == nil, "mismatch": m})
}
