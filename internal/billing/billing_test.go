package billing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/eventstream"
	"gateway/internal/httpapi"
	"gateway/internal/idgen"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
	"gateway/internal/wal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestMachine(t *testing.T) (*Machine, *sharedstore.MemStore, clock.Clock) {
	t.Helper()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	w, err := wal.Open(context.Background(), t.TempDir(), 1<<20, store, clk, ids, "instance-a", discardLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	events := eventstream.NewStore(t.TempDir(), 1<<20, clk, ids, discardLogger())
	return New(w, events, store, ids, clk, discardLogger()), store, clk
}

// TestReserveCommitFinalizeLifecycle covers the happy-path scenario: Reserve,
// Commit with an actual cost under the estimate, then an external
// FinalizeAck, with one event emitted on the billing stream per transition.
func TestReserveCommitFinalizeLifecycle(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	const correlationID = "corr-1"

	entry, err := m.Reserve(ctx, "0xabc", correlationID, 1_000_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if entry.State != types.StateReserveHeld {
		t.Fatalf("state = %s, want RESERVE_HELD", entry.State)
	}

	committed, err := m.Commit(ctx, entry.BillingEntryID, 800_000, correlationID)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.State != types.StateFinalizePending {
		t.Fatalf("state = %s, want FINALIZE_PENDING", committed.State)
	}
	if committed.ActualCost == nil || *committed.ActualCost != 800_000 {
		t.Fatalf("actual_cost = %v, want 800000", committed.ActualCost)
	}

	finalized, err := m.FinalizeAck(ctx, entry.BillingEntryID, 42)
	if err != nil {
		t.Fatalf("FinalizeAck: %v", err)
	}
	if finalized.State != types.StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", finalized.State)
	}

	var events []types.EventEnvelope
	if err := m.events.Replay("billing", 0, func(env types.EventEnvelope) error {
		events = append(events, env)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d billing events, want 3", len(events))
	}
	want := []string{"billing_reserve", "billing_commit", "billing_finalize_ack"}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.EventType, want[i])
		}
	}
}

// TestCommitRejectsActualExceedingEstimate enforces the actual_cost <=
// estimated_cost invariant.
func TestCommitRejectsActualExceedingEstimate(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 500, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err = m.Commit(ctx, entry.BillingEntryID, 600, "corr-1")
	if !errors.Is(err, billingerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// TestConcurrentCommitLockContention ensures that when the per-entry lock
// is already held, a second Commit call fails lock_contention and never
// appends to the WAL.
func TestConcurrentCommitLockContention(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ok, err := store.SetNX(ctx, lockKey(entry.BillingEntryID), "holder", entryLockTTL)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}

	statusBefore, err := m.wal.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	_, err = m.Commit(ctx, entry.BillingEntryID, 500, "corr-1")
	if !errors.Is(err, billingerr.ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}

	statusAfter, err := m.wal.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if statusAfter.Sequence != statusBefore.Sequence {
		t.Fatalf("wal sequence advanced during lock contention: before=%d after=%d", statusBefore.Sequence, statusAfter.Sequence)
	}
}

// TestCommitCorrelationMismatch ensures a different correlation id against
// an existing entry fails CORRELATION_MISMATCH rather than silently
// re-applying or replaying.
func TestCommitCorrelationMismatch(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err = m.Commit(ctx, entry.BillingEntryID, 500, "corr-2")
	if !errors.Is(err, billingerr.ErrCorrelationMismatch) {
		t.Fatalf("expected ErrCorrelationMismatch, got %v", err)
	}
}

// TestCommitReplayReturnsCachedResult ensures a retried Commit with the
// same correlation id against an already-transitioned entry returns the
// prior result instead of erroring or double-applying.
func TestCommitReplayReturnsCachedResult(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	first, err := m.Commit(ctx, entry.BillingEntryID, 500, "corr-1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	second, err := m.Commit(ctx, entry.BillingEntryID, 999, "corr-1")
	if err != nil {
		t.Fatalf("Commit replay: %v", err)
	}
	if *second.ActualCost != *first.ActualCost {
		t.Fatalf("replay applied a different actual_cost: first=%d second=%d", *first.ActualCost, *second.ActualCost)
	}
}

// TestVoidRequiresReasonAndActor covers the operator-action guard on Void.
func TestVoidRequiresReasonAndActor(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := m.Commit(ctx, entry.BillingEntryID, 500, "corr-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := m.FinalizeAck(ctx, entry.BillingEntryID, 10); err != nil {
		t.Fatalf("FinalizeAck: %v", err)
	}

	if _, err := m.Void(ctx, entry.BillingEntryID, "corr-1", "", "ops"); !errors.Is(err, billingerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for missing reason, got %v", err)
	}

	voided, err := m.Void(ctx, entry.BillingEntryID, "corr-1", "refund requested", "ops-lead")
	if err != nil {
		t.Fatalf("Void: %v", err)
	}
	if voided.State != types.StateVoided || voided.VoidActor != "ops-lead" {
		t.Fatalf("unexpected voided entry: %+v", voided)
	}
}

// TestReleaseFromReserveHeld covers the RESERVE_HELD -> RELEASED path.
func TestReleaseFromReserveHeld(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	released, err := m.Release(ctx, entry.BillingEntryID, "corr-1", "user_cancelled")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.State != types.StateReleased || released.ReleaseReason != "user_cancelled" {
		t.Fatalf("unexpected released entry: %+v", released)
	}
}

// TestReplayFromWALRebuildsProjection simulates a shared-store restart by
// constructing a fresh MemStore and rebuilding entry state purely from the
// WAL, the crash-recovery path.
func TestReplayFromWALRebuildsProjection(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := m.Commit(ctx, entry.BillingEntryID, 500, "corr-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Wipe the hot-state projection to simulate a shared-store restart.
	fresh := sharedstore.NewMemStore(clock.NewMock(time.Unix(1_700_000_000, 0)))
	m.store = fresh

	if err := m.ReplayFromWAL(ctx); err != nil {
		t.Fatalf("ReplayFromWAL: %v", err)
	}

	rebuilt, err := m.GetEntry(ctx, entry.BillingEntryID)
	if err != nil {
		t.Fatalf("GetEntry after replay: %v", err)
	}
	if rebuilt.State != types.StateFinalizePending {
		t.Fatalf("rebuilt state = %s, want FINALIZE_PENDING", rebuilt.State)
	}
}

// TestDashboardEventsMirrorTransitions covers the optional live feed:
// once enabled, every Reserve/Commit transition must produce one
// DashboardEvent on the returned channel, each carrying the entry's
// current state.
func TestDashboardEventsMirrorTransitions(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	feed := m.EnableDashboardEvents()

	entry, err := m.Reserve(ctx, "0xabc", "corr-1", 1_000, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := m.Commit(ctx, entry.BillingEntryID, 500, "corr-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var seen []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-feed:
			if evt.Type != "billing" {
				t.Fatalf("event type = %s, want billing", evt.Type)
			}
			if evt.AccountID != "0xabc" {
				t.Fatalf("event account = %s, want 0xabc", evt.AccountID)
			}
			billingEvt, ok := evt.Data.(httpapi.BillingEvent)
			if !ok {
				t.Fatalf("event data type = %T, want httpapi.BillingEvent", evt.Data)
			}
			seen = append(seen, billingEvt.State)
		default:
			t.Fatalf("expected a dashboard event after transition %d, got none", i)
		}
	}
	if len(seen) != 2 || seen[0] != string(types.StateReserveHeld) || seen[1] != string(types.StateFinalizePending) {
		t.Fatalf("unexpected dashboard event states: %v", seen)
	}

	// A second call returns the same channel rather than creating a new one.
	if again := m.EnableDashboardEvents(); again != feed {
		t.Fatalf("EnableDashboardEvents returned a different channel on second call")
	}
}
