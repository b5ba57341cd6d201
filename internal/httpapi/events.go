package httpapi

import (
	"time"

	"gateway/internal/types"
)

// DashboardEvent is the wrapper for everything pushed to a connected
// websocket client.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "billing", "credit", "credit_note", "wal_status"
	Timestamp time.Time   `json:"timestamp"`
	AccountID string      `json:"account_id,omitempty"`
	Data      interface{} `json:"data"`
}

// BillingEvent mirrors a BillingEntry state transition.
type BillingEvent struct {
	BillingEntryID string  `json:"billing_entry_id"`
	AccountID      string  `json:"account_id"`
	State          string  `json:"state"`
	EstimatedCost  int64   `json:"estimated_cost_micro"`
	ActualCost     *int64  `json:"actual_cost_micro,omitempty"`
}

// CreditEvent mirrors a credit account's balances after a ledger move.
type CreditEvent struct {
	AccountID string           `json:"account_id"`
	Balances  map[string]int64 `json:"balances"`
}

// CreditNoteEvent mirrors a compensation credit note.
type CreditNoteEvent struct {
	NoteID      string `json:"note_id"`
	Wallet      string `json:"wallet"`
	AmountMicro int64  `json:"amount_micro"`
	Reason      string `json:"reason"`
}

// NewBillingEvent builds a BillingEvent from a BillingEntry.
func NewBillingEvent(entry types.BillingEntry) BillingEvent {
	evt := BillingEvent{
		BillingEntryID: entry.BillingEntryID,
		AccountID:      entry.AccountID,
		State:          string(entry.State),
		EstimatedCost:  int64(entry.EstimatedCost),
	}
	if entry.ActualCost != nil {
		v := int64(*entry.ActualCost)
		evt.ActualCost = &v
	}
	return evt
}

// NewCreditEvent builds a CreditEvent from a CreditAccount.
func NewCreditEvent(account types.CreditAccount) CreditEvent {
	balances := make(map[string]int64, len(account.Balances))
	for k, v := range account.Balances {
		balances[string(k)] = v
	}
	return CreditEvent{AccountID: account.AccountID, Balances: balances}
}

// NewCreditNoteEvent builds a CreditNoteEvent from a CreditNote.
func NewCreditNoteEvent(n types.CreditNote) CreditNoteEvent {
	return CreditNoteEvent{
		NoteID:      n.NoteID,
		Wallet:      n.Wallet,
		AmountMicro: int64(n.AmountMicro),
		Reason:      n.Reason,
	}
}
