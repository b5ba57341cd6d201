// Package billing implements the per-request reserve/commit/finalize
// state machine: entry-level mutual exclusion via the shared store,
// crash-safe durability via the WAL, and fire-and-forget events on the
// billing stream. The WAL is the durable record; event-store failures
// are logged and swallowed rather than rolling back a transition.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
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

const entryLockTTL = 30 * time.Second

func entryKey(id string) string { return "billing:entry:" + id }
func lockKey(id string) string  { return "billing:lock:" + id }

// Machine is the billing state machine. One Machine serves every entry;
// per-entry exclusion comes from the shared-store lock, not an
// in-process mutex, so it is safe to run behind multiple processes
// sharing one store (only one of which holds the WAL writer lock).
type Machine struct {
	wal    *wal.Writer
	events *eventstream.Store
	store  sharedstore.Store
	ids    *idgen.Generator
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	costAcc *types.CostAccumulator

	dashboardEvents chan httpapi.DashboardEvent
}

// New creates a Machine wired to its WAL writer, event stream, and shared
// store.
func New(w *wal.Writer, events *eventstream.Store, store sharedstore.Store, ids *idgen.Generator, clk clock.Clock, logger *slog.Logger) *Machine {
	return &Machine{
		wal:     w,
		events:  events,
		store:   store,
		ids:     ids,
		clk:     clk,
		logger:  logger.With("component", "billing"),
		costAcc: types.NewCostAccumulator(),
	}
}

// ComputeCost converts a token count and per-million-token price into a
// MicroUSD cost, carrying any fractional remainder forward per account.
func (m *Machine) ComputeCost(accountID string, tokens int64, pricePerMillion types.MicroUSD) types.MicroUSD {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costAcc.Compute(accountID, tokens, pricePerMillion)
}

// Reserve opens a new billing entry in RESERVE_HELD. exchangeRate is frozen
// onto the entry as a decimal.Decimal rather than a float64 so the rate a
// caller enters (from a quote, a config literal) round-trips through the
// WAL and event stream exactly, with no binary-float drift.
func (m *Machine) Reserve(ctx context.Context, accountID, correlationID string, estimatedCost types.MicroUSD, exchangeRate decimal.Decimal) (types.BillingEntry, error) {
	if accountID == "" {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: account required", billingerr.ErrInvalidState)
	}
	if estimatedCost < 0 {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: estimated_cost must be >= 0", billingerr.ErrInvalidState)
	}

	now := m.clk.Now()
	entry := types.BillingEntry{
		BillingEntryID:       m.ids.New26(),
		CorrelationID:        correlationID,
		AccountID:            accountID,
		State:                types.StateReserveHeld,
		EstimatedCost:        estimatedCost,
		ExchangeRateSnapshot: exchangeRate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := m.appendAndSave(ctx, "billing_reserve", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_reserve")
	return entry, nil
}

// Commit locks entryID, verifies actualCost <= estimated, and transitions
// RESERVE_HELD -> FINALIZE_PENDING. Replays with the same correlationID
// return the prior result; a different correlationID against an
// already-transitioned entry fails CORRELATION_MISMATCH.
func (m *Machine) Commit(ctx context.Context, entryID string, actualCost types.MicroUSD, correlationID string) (types.BillingEntry, error) {
	release, err := m.acquireLock(ctx, entryID, correlationID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	defer release()

	entry, err := m.loadEntry(ctx, entryID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	if entry.CorrelationID != correlationID {
		return types.BillingEntry{}, billingerr.ErrCorrelationMismatch
	}
	if entry.State != types.StateReserveHeld {
		return entry, nil // idempotent replay of an already-applied commit
	}
	if actualCost > entry.EstimatedCost {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: actual_cost exceeds estimated_cost", billingerr.ErrInvalidState)
	}

	entry.ActualCost = &actualCost
	entry.State = types.StateFinalizePending
	entry.UpdatedAt = m.clk.Now()

	if err := m.appendAndSave(ctx, "billing_commit", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_commit")
	return entry, nil
}

// Release locks entryID and transitions RESERVE_HELD -> RELEASED.
func (m *Machine) Release(ctx context.Context, entryID, correlationID, reason string) (types.BillingEntry, error) {
	release, err := m.acquireLock(ctx, entryID, correlationID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	defer release()

	entry, err := m.loadEntry(ctx, entryID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	if entry.CorrelationID != correlationID {
		return types.BillingEntry{}, billingerr.ErrCorrelationMismatch
	}
	if entry.State != types.StateReserveHeld {
		if entry.State == types.StateReleased {
			return entry, nil
		}
		return types.BillingEntry{}, fmt.Errorf("billing: %w: cannot release from %s", billingerr.ErrInvalidState, entry.State)
	}

	entry.ReleaseReason = reason
	entry.State = types.StateReleased
	entry.UpdatedAt = m.clk.Now()

	if err := m.appendAndSave(ctx, "billing_release", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_release")
	return entry, nil
}

// FinalizeAck transitions FINALIZE_PENDING -> FINALIZED once the external
// settlement confirms. Not entry-locked per the concurrency model: the
// external confirmation is the sole writer of this transition.
func (m *Machine) FinalizeAck(ctx context.Context, entryID string, latencyMillis int64) (types.BillingEntry, error) {
	entry, err := m.loadEntry(ctx, entryID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	if entry.State == types.StateFinalized {
		return entry, nil
	}
	if entry.State != types.StateFinalizePending {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: cannot finalize-ack from %s", billingerr.ErrInvalidState, entry.State)
	}

	entry.State = types.StateFinalized
	entry.FinalizeLatencyMillis = latencyMillis
	entry.UpdatedAt = m.clk.Now()

	if err := m.appendAndSave(ctx, "billing_finalize_ack", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_finalize_ack")
	return entry, nil
}

// FinalizeFail transitions FINALIZE_PENDING -> FINALIZE_FAILED, bumping
// finalize_attempts.
func (m *Machine) FinalizeFail(ctx context.Context, entryID string) (types.BillingEntry, error) {
	entry, err := m.loadEntry(ctx, entryID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	if entry.State != types.StateFinalizePending {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: cannot finalize-fail from %s", billingerr.ErrInvalidState, entry.State)
	}

	entry.FinalizeAttempts++
	entry.State = types.StateFinalizeFailed
	entry.UpdatedAt = m.clk.Now()

	if err := m.appendAndSave(ctx, "billing_finalize_fail", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_finalize_fail")
	return entry, nil
}

// Void locks entryID and transitions FINALIZED or FINALIZE_FAILED ->
// VOIDED. Requires an operator reason and actor for the audit trail.
func (m *Machine) Void(ctx context.Context, entryID, correlationID, reason, actor string) (types.BillingEntry, error) {
	if reason == "" || actor == "" {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: void requires a reason and actor", billingerr.ErrInvalidState)
	}

	release, err := m.acquireLock(ctx, entryID, correlationID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	defer release()

	entry, err := m.loadEntry(ctx, entryID)
	if err != nil {
		return types.BillingEntry{}, err
	}
	if entry.CorrelationID != correlationID {
		return types.BillingEntry{}, billingerr.ErrCorrelationMismatch
	}
	if entry.State == types.StateVoided {
		return entry, nil
	}
	if entry.State != types.StateFinalized && entry.State != types.StateFinalizeFailed {
		return types.BillingEntry{}, fmt.Errorf("billing: %w: cannot void from %s", billingerr.ErrInvalidState, entry.State)
	}

	entry.VoidReason = reason
	entry.VoidActor = actor
	entry.State = types.StateVoided
	entry.UpdatedAt = m.clk.Now()

	if err := m.appendAndSave(ctx, "billing_void", &entry); err != nil {
		return types.BillingEntry{}, err
	}
	m.emit(ctx, entry, "billing_void")
	return entry, nil
}

// GetEntry returns the current projection of entryID.
func (m *Machine) GetEntry(ctx context.Context, entryID string) (types.BillingEntry, error) {
	return m.loadEntry(ctx, entryID)
}

func (m *Machine) acquireLock(ctx context.Context, entryID, correlationID string) (func(), error) {
	ok, err := m.store.SetNX(ctx, lockKey(entryID), correlationID, entryLockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: entry %s", billingerr.ErrLockContention, entryID)
	}
	return func() {
		if _, err := m.store.Del(ctx, lockKey(entryID)); err != nil {
			m.logger.Warn("failed to release billing lock", "entry", entryID, "error", err)
		}
	}, nil
}

// appendAndSave writes the WAL envelope BEFORE the entry becomes visible
// in the hot-state store, matching the durability ordering the WAL
// package requires.
func (m *Machine) appendAndSave(ctx context.Context, eventType string, entry *types.BillingEntry) error {
	seq, err := m.wal.Append(ctx, eventType, entry.BillingEntryID, entry.CorrelationID, entry.BillingEntryID, entry)
	if err != nil {
		return fmt.Errorf("billing: wal append: %w", err)
	}
	entry.WALOffset = seq
	return m.saveEntry(ctx, *entry)
}

func (m *Machine) saveEntry(ctx context.Context, entry types.BillingEntry) error {
	data, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("billing: marshal entry: %w", err)
	}
	if err := m.store.Set(ctx, entryKey(entry.BillingEntryID), data, 0); err != nil {
		return fmt.Errorf("billing: persist entry: %w", err)
	}
	return nil
}

func (m *Machine) loadEntry(ctx context.Context, entryID string) (types.BillingEntry, error) {
	raw, ok, err := m.store.Get(ctx, entryKey(entryID))
	if err != nil {
		return types.BillingEntry{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if !ok {
		return types.BillingEntry{}, fmt.Errorf("billing: entry %s not found", entryID)
	}
	return unmarshalEntry(raw)
}

// emit is fire-and-forget: the WAL write above is the durable record, so
// an event-store failure here is logged and dropped, never surfaced.
func (m *Machine) emit(ctx context.Context, entry types.BillingEntry, eventType string) {
	if m.events != nil {
		if _, err := m.events.Append(ctx, "billing", eventType, entry, entry.CorrelationID); err != nil {
			m.logger.Warn("failed to emit billing event", "entry", entry.BillingEntryID, "event_type", eventType, "error", err)
		}
	}
	m.emitDashboard(entry)
}

// EnableDashboardEvents lazily creates the channel every billing
// transition is mirrored onto for the optional dashboard feed and
// returns it. Calling it more than once returns the same channel. Must
// be called during process wiring, before any transition runs
// concurrently with it.
func (m *Machine) EnableDashboardEvents() <-chan httpapi.DashboardEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dashboardEvents == nil {
		m.dashboardEvents = make(chan httpapi.DashboardEvent, 100)
	}
	return m.dashboardEvents
}

// emitDashboard mirrors entry onto the dashboard feed, if enabled,
// dropping the event rather than blocking when the dashboard can't keep
// up.
func (m *Machine) emitDashboard(entry types.BillingEntry) {
	if m.dashboardEvents == nil {
		return
	}
	evt := httpapi.DashboardEvent{
		Type:      "billing",
		Timestamp: m.clk.Now(),
		AccountID: entry.AccountID,
		Data:      httpapi.NewBillingEvent(entry),
	}
	select {
	case m.dashboardEvents <- evt:
	default:
	}
}

// ReplayFromWAL rebuilds the in-store entry projection from the WAL,
// applying envelopes strictly in wal_sequence order. Used on startup to
// recover hot state that a shared-store restart may have lost.
func (m *Machine) ReplayFromWAL(ctx context.Context) error {
	return m.wal.Replay(0, func(env types.WALEnvelope) error {
		entry, err := unmarshalEntry(string(env.Payload))
		if err != nil {
			m.logger.Warn("billing: skipping unparsable WAL payload during replay", "sequence", env.WALSequence)
			return nil
		}
		entry.WALOffset = env.WALSequence
		return m.saveEntry(ctx, entry)
	})
}

func marshalEntry(entry types.BillingEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalEntry(raw string) (types.BillingEntry, error) {
	var entry types.BillingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return types.BillingEntry{}, fmt.Errorf("billing: unmarshal entry: %w", err)
	}
	return entry, nil
}

// FenceStatus reports whether the underlying WAL writer has gone stale,
// so callers can stop accepting new Reserve calls fail-closed.
func (m *Machine) FenceStatus() bool {
	return m.wal.IsStale()
}
