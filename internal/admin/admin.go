// Package admin provides operator endpoints for inspecting disputes and
// resolving reservations whose work never settled.
package admin

import (
	"time"

	"github.com/mbd888/creditledger/internal/disputes"
	"github.com/mbd888/creditledger/internal/ledger"
)

// DisputeView is the derived state of one dispute plus the entries it was
// folded from.
type DisputeView struct {
	DisputeID string          `json:"disputeId"`
	State     disputes.State  `json:"state"`
	Entries   []*ledger.Entry `json:"entries"`
}

// ReleaseRequest is the body of a manual reservation release.
type ReleaseRequest struct {
	Reason string `json:"reason"`
}

// ReleaseResult reports a manual release.
type ReleaseResult struct {
	ReservationID string    `json:"reservationId"`
	UserID        string    `json:"userId"`
	Refunded      int64     `json:"refunded"`
	NewBalance    int64     `json:"newBalance"`
	ReleasedAt    time.Time `json:"releasedAt"`
}
