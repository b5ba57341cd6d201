package types

import "time"

// BalanceKind is one of the five partitions of a credit account's mass.
type BalanceKind string

const (
	BalanceAllocated BalanceKind = "ALLOCATED"
	BalanceUnlocked  BalanceKind = "UNLOCKED"
	BalanceReserved  BalanceKind = "RESERVED"
	BalanceConsumed  BalanceKind = "CONSUMED"
	BalanceExpired   BalanceKind = "EXPIRED"
)

// AllBalanceKinds lists the five balances in a fixed order, used when
// iterating for conservation checks or serialization.
var AllBalanceKinds = [5]BalanceKind{
	BalanceAllocated, BalanceUnlocked, BalanceReserved, BalanceConsumed, BalanceExpired,
}

// CreditAccount is the five-balance conservation record for one account.
type CreditAccount struct {
	AccountID         string                 `json:"account_id"`
	InitialAllocation int64                  `json:"initial_allocation"`
	Balances          map[BalanceKind]int64  `json:"balances"`
}

// NewCreditAccount creates an account with its full mass in ALLOCATED.
func NewCreditAccount(accountID string, initialAllocation int64) CreditAccount {
	return CreditAccount{
		AccountID:         accountID,
		InitialAllocation: initialAllocation,
		Balances: map[BalanceKind]int64{
			BalanceAllocated: initialAllocation,
			BalanceUnlocked:  0,
			BalanceReserved:  0,
			BalanceConsumed:  0,
			BalanceExpired:   0,
		},
	}
}

// Sum returns the sum of all five balances.
func (a CreditAccount) Sum() int64 {
	var total int64
	for _, k := range AllBalanceKinds {
		total += a.Balances[k]
	}
	return total
}

// ConservationHolds reports whether the five balances sum to the initial allocation.
func (a CreditAccount) ConservationHolds() bool {
	return a.Sum() == a.InitialAllocation
}

// CreditNote is a compensation record issued when a commit has already
// moved money but downstream inference failed, returning the (possibly
// partial) amount to the wallet's available balance.
type CreditNote struct {
	NoteID    string    `json:"note_id"`
	Wallet    string    `json:"wallet"`
	AmountMicro MicroUSD `json:"amount_micro"`
	Reason    string    `json:"reason"`
	EntryID   string    `json:"billing_entry_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}
