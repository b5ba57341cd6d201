package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingState is one of the five (six, counting VOIDED) lifecycle
// states of a BillingEntry.
type BillingState string

const (
	StateReserveHeld      BillingState = "RESERVE_HELD"
	StateFinalizePending  BillingState = "FINALIZE_PENDING"
	StateFinalized        BillingState = "FINALIZED"
	StateFinalizeFailed   BillingState = "FINALIZE_FAILED"
	StateReleased         BillingState = "RELEASED"
	StateVoided           BillingState = "VOIDED"
)

// IsTerminal reports whether no further transition is possible from this state.
func (s BillingState) IsTerminal() bool {
	switch s {
	case StateFinalized, StateReleased, StateVoided:
		return true
	default:
		return false
	}
}

// BillingEntry is the durable record of one request's reserve/commit/
// finalize lifecycle.
type BillingEntry struct {
	BillingEntryID        string       `json:"billing_entry_id"`
	CorrelationID         string       `json:"correlation_id"`
	AccountID             string       `json:"account_id"`
	State                 BillingState `json:"state"`
	EstimatedCost         MicroUSD     `json:"estimated_cost"`
	ActualCost            *MicroUSD    `json:"actual_cost,omitempty"`
	ExchangeRateSnapshot  decimal.Decimal `json:"exchange_rate_snapshot"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
	WALOffset             int64        `json:"wal_offset"`
	FinalizeAttempts      int          `json:"finalize_attempts"`
	VoidReason            string       `json:"void_reason,omitempty"`
	VoidActor             string       `json:"void_actor,omitempty"`
	ReleaseReason          string      `json:"release_reason,omitempty"`
	FinalizeLatencyMillis int64        `json:"finalize_latency_millis,omitempty"`
}

// Clone returns a deep-enough copy safe for callers to mutate without
// affecting the machine's internal state.
func (e BillingEntry) Clone() BillingEntry {
	clone := e
	if e.ActualCost != nil {
		v := *e.ActualCost
		clone.ActualCost = &v
	}
	return clone
}
