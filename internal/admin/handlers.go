package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/disputes"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/spend"
	"github.com/mbd888/creditledger/internal/syncutil"
	"github.com/mbd888/creditledger/internal/validation"
)

// Handler serves admin-only endpoints.
type Handler struct {
	ledger   *ledger.Ledger
	disputes *disputes.Machine
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
}

// NewHandler creates an admin handler.
func NewHandler(l *ledger.Ledger, d *disputes.Machine, logger *slog.Logger) *Handler {
	return &Handler{
		ledger:   l,
		disputes: d,
		locks:    syncutil.NewKeyedMutex(),
		logger:   logger,
	}
}

// RegisterRoutes sets up admin routes. Callers wrap the group with admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes/:disputeId", h.getDispute)
	r.POST("/admin/users/:id/reservations/:reservationId/release", h.releaseReservation)
}

func (h *Handler) getDispute(c *gin.Context) {
	id := c.Param("disputeId")
	ctx := c.Request.Context()

	entries, err := h.ledger.FindEntries(ctx, ledger.EntryFilter{MetaKey: ledger.MetaDisputeID, MetaValue: id})
	if err != nil {
		h.unavailable(c, err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No entries for dispute"})
		return
	}
	state, err := h.disputes.State(ctx, id)
	if err != nil {
		h.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, DisputeView{DisputeID: id, State: state, Entries: entries})
}

// releaseReservation refunds a generation_spend whose job was lost, for
// example when a worker crashed past its final attempt.
func (h *Handler) releaseReservation(c *gin.Context) {
	userID, rsvID := c.Param("id"), c.Param("reservationId")
	ctx := c.Request.Context()

	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	reason := validation.SanitizeString(req.Reason, 200)
	if reason == "" {
		reason = "released by operator"
	}

	unlock, err := h.locks.Lock(ctx, rsvID)
	if err != nil {
		h.unavailable(c, err)
		return
	}
	defer unlock()

	spent, err := h.ledger.FindEntries(ctx, ledger.EntryFilter{
		UserID:    userID,
		Kind:      ledger.KindGenerationSpend,
		Status:    ledger.StatusSuccess,
		MetaKey:   ledger.MetaReservationID,
		MetaValue: rsvID,
		Limit:     1,
	})
	if err != nil {
		h.unavailable(c, err)
		return
	}
	if len(spent) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Reservation not found"})
		return
	}

	released, err := spend.Released(ctx, h.ledger, userID, rsvID)
	if err != nil {
		h.unavailable(c, err)
		return
	}
	if released {
		c.JSON(http.StatusConflict, gin.H{"error": "already_released", "message": "Reservation was already refunded"})
		return
	}

	entry := spent[0]
	rsv := spend.Resume(h.ledger, rsvID, userID, -entry.AmountDelta, entry.Description, entry.Metadata)
	res, err := rsv.Release(ctx, reason)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
			return
		}
		h.unavailable(c, err)
		return
	}
	if res.AlreadyProcessed {
		c.JSON(http.StatusConflict, gin.H{"error": "already_released", "message": "Reservation was already refunded"})
		return
	}

	h.logger.Warn("reservation released by operator",
		"user_id", userID, "reservation_id", rsvID, "refunded", rsv.Cost, "reason", reason)
	c.JSON(http.StatusOK, ReleaseResult{
		ReservationID: rsvID,
		UserID:        userID,
		Refunded:      rsv.Cost,
		NewBalance:    res.NewBalance,
		ReleasedAt:    time.Now().UTC(),
	})
}

func (h *Handler) unavailable(c *gin.Context, err error) {
	h.logger.Error("admin request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Ledger temporarily unavailable"})
}
