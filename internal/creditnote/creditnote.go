// Package creditnote implements the compensation path: when a commit has
// already moved money but downstream inference failed, it issues a
// credit note for the full (or residual) amount, gated by a per-wallet
// daily cap enforced atomically before any note is persisted.
package creditnote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/creditledger"
	"gateway/internal/eventstream"
	"gateway/internal/idgen"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

// DailyCapWindowSeconds is the daily-cap window (Open Question
// decision: the spec names "daily" without a configurable reset
// parameter, so this is hardcoded rather than threaded through Config).
// Every accepted note restarts the window, so a wallet's running total
// resets this many seconds after its most recent accepted note.
const DailyCapWindowSeconds = 86400

func dailyKey(wallet string) string { return "cn:wallet:" + wallet + ":daily" }
func noteKey(noteID string) string  { return "cn:note:" + noteID }

// Issuer issues credit notes against a per-wallet daily cap and restores
// the note amount to the account's UNLOCKED balance once the cap check
// passes.
type Issuer struct {
	store   sharedstore.Store
	ledger  *creditledger.Ledger
	events  *eventstream.Store
	ids     *idgen.Generator
	clk     clock.Clock
	logger  *slog.Logger
	capMicro types.MicroUSD
}

// New creates an Issuer enforcing capMicro as the per-wallet daily cap.
func New(store sharedstore.Store, ledger *creditledger.Ledger, events *eventstream.Store, ids *idgen.Generator, clk clock.Clock, logger *slog.Logger, capMicro types.MicroUSD) *Issuer {
	return &Issuer{
		store:    store,
		ledger:   ledger,
		events:   events,
		ids:      ids,
		clk:      clk,
		logger:   logger.With("component", "creditnote"),
		capMicro: capMicro,
	}
}

// Issue credits wallet with amount as compensation for entryID, rejecting
// with CAP_EXCEEDED before any mutation if the wallet's running daily
// total (see DailyCapWindowSeconds) would exceed the configured cap. Note ids embed a random suffix
// so concurrent issuance for the same wallet never collides.
func (i *Issuer) Issue(ctx context.Context, wallet string, amount types.MicroUSD, reason, entryID string) (types.CreditNote, error) {
	if amount <= 0 {
		return types.CreditNote{}, fmt.Errorf("%w: credit note amount must be positive", billingerr.ErrInvalidState)
	}

	note := types.CreditNote{
		NoteID:      i.ids.NewWithSuffix("cn"),
		Wallet:      wallet,
		AmountMicro: amount,
		Reason:      reason,
		EntryID:     entryID,
		IssuedAt:    i.clk.Now(),
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return types.CreditNote{}, fmt.Errorf("creditnote: marshal: %w", err)
	}

	res, err := i.store.Eval(ctx, sharedstore.ScriptCreditNoteIssue,
		[]string{dailyKey(wallet), noteKey(note.NoteID)},
		int64(amount), int64(i.capMicro), DailyCapWindowSeconds, string(payload))
	if err != nil {
		return types.CreditNote{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	ok, err := parseIssueResult(res)
	if err != nil {
		return types.CreditNote{}, err
	}
	if !ok {
		return types.CreditNote{}, billingerr.ErrCapExceeded
	}

	if _, err := i.ledger.Unlock(ctx, wallet, int64(amount), note.NoteID); err != nil {
		i.logger.Error("credit note issued but ledger unlock failed", "wallet", wallet, "note_id", note.NoteID, "error", err)
		return types.CreditNote{}, fmt.Errorf("creditnote: restore balance: %w", err)
	}

	i.emit(ctx, note)
	return note, nil
}

func (i *Issuer) emit(ctx context.Context, note types.CreditNote) {
	if i.events != nil {
		if _, err := i.events.Append(ctx, "credit", "credit_note_issued", note, note.NoteID); err != nil {
			i.logger.Warn("failed to emit credit_note_issued event", "note_id", note.NoteID, "error", err)
		}
	}
	i.ledger.EmitCreditNoteDashboard(note)
}

func parseIssueResult(res interface{}) (bool, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, fmt.Errorf("creditnote: malformed script result")
	}
	n, _ := arr[0].(int64)
	return n == 1, nil
}
