// Package creditledger implements the credit sub-ledger: a five-balance
// conservation state machine per account (ALLOCATED, UNLOCKED, RESERVED,
// CONSUMED, EXPIRED). Every transition is a conservative re-partitioning
// of account mass, executed as a single atomic script against the shared
// store so concurrent callers against one account never double-spend.
package creditledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/eventstream"
	"gateway/internal/httpapi"
	"gateway/internal/idemcache"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

func balanceKey(account string) string { return "credits:" + account + ":balance" }
func stateKey(account string) string   { return "credits:" + account + ":state" }

// Ledger is the credit sub-ledger. One Ledger instance serves all accounts;
// per-account serialization comes from the atomic reserve script, not from
// an in-process lock.
type Ledger struct {
	store  sharedstore.Store
	events *eventstream.Store
	cache  *idemcache.Cache
	clk    clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]bool

	dashboardEvents chan httpapi.DashboardEvent
}

// New creates a Ledger backed by store for balances and events for the
// credit stream.
func New(store sharedstore.Store, events *eventstream.Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		events:   events,
		cache:    idemcache.New(idemcache.DefaultCapacity),
		clk:      clk,
		logger:   logger.With("component", "creditledger"),
		accounts: make(map[string]bool),
	}
}

// TrackedAccounts returns every account this Ledger has created in this
// process's lifetime, the same in-process tracking idiom
// marketplace.Settlement uses for wallets, consumed by the dashboard
// snapshot to know which accounts to summarize.
func (l *Ledger) TrackedAccounts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.accounts))
	for a := range l.accounts {
		out = append(out, a)
	}
	return out
}

func (l *Ledger) trackAccount(accountID string) {
	l.mu.Lock()
	l.accounts[accountID] = true
	l.mu.Unlock()
}

func idemKey(op, account, idempotencyKey string) string {
	return op + ":" + account + ":" + idempotencyKey
}

// CreateAccount opens a new account with its full mass in ALLOCATED. Fails
// with ErrAccountExists if the account is already present.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string, initialAllocation int64, idempotencyKey string) (types.CreditAccount, error) {
	key := idemKey("create", accountID, idempotencyKey)
	if cached, ok := l.cache.Get(key); ok {
		return cached.(types.CreditAccount), nil
	}

	exists, err := l.store.Exists(ctx, stateKey(accountID))
	if err != nil {
		return types.CreditAccount{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if exists {
		return types.CreditAccount{}, billingerr.ErrAccountExists
	}

	account := types.NewCreditAccount(accountID, initialAllocation)
	if err := l.store.Set(ctx, stateKey(accountID), strconv.FormatInt(initialAllocation, 10), 0); err != nil {
		return types.CreditAccount{}, fmt.Errorf("creditledger: persist state: %w", err)
	}
	for _, k := range types.AllBalanceKinds {
		if account.Balances[k] == 0 {
			continue
		}
		if _, err := l.store.HIncrBy(ctx, balanceKey(accountID), string(k), account.Balances[k]); err != nil {
			return types.CreditAccount{}, fmt.Errorf("creditledger: seed balance: %w", err)
		}
	}

	l.cache.Put(key, account)
	l.trackAccount(accountID)
	l.emit(ctx, accountID, "credit_create", account)
	return account, nil
}

// Unlock moves n units from ALLOCATED to UNLOCKED.
func (l *Ledger) Unlock(ctx context.Context, accountID string, n int64, idempotencyKey string) (types.CreditAccount, error) {
	return l.transition(ctx, "unlock", accountID, types.BalanceAllocated, types.BalanceUnlocked, n, idempotencyKey)
}

// Reserve moves n units from UNLOCKED to RESERVED.
func (l *Ledger) Reserve(ctx context.Context, accountID string, n int64, idempotencyKey string) (types.CreditAccount, error) {
	return l.transition(ctx, "reserve", accountID, types.BalanceUnlocked, types.BalanceReserved, n, idempotencyKey)
}

// Consume moves n units from RESERVED to CONSUMED.
func (l *Ledger) Consume(ctx context.Context, accountID string, n int64, idempotencyKey string) (types.CreditAccount, error) {
	return l.transition(ctx, "consume", accountID, types.BalanceReserved, types.BalanceConsumed, n, idempotencyKey)
}

// Release moves n units from RESERVED back to UNLOCKED.
func (l *Ledger) Release(ctx context.Context, accountID string, n int64, idempotencyKey string) (types.CreditAccount, error) {
	return l.transition(ctx, "release", accountID, types.BalanceReserved, types.BalanceUnlocked, n, idempotencyKey)
}

// Expire moves n units to EXPIRED. Policy decision (recorded in this
// module's design ledger): draws from UNLOCKED first, falling back to
// ALLOCATED only if UNLOCKED is insufficient.
func (l *Ledger) Expire(ctx context.Context, accountID string, n int64, idempotencyKey string) (types.CreditAccount, error) {
	key := idemKey("expire", accountID, idempotencyKey)
	if cached, ok := l.cache.Get(key); ok {
		return cached.(types.CreditAccount), nil
	}

	account, err := l.move(ctx, accountID, types.BalanceUnlocked, types.BalanceExpired, n)
	if errors.Is(err, billingerr.ErrInsufficientCredits) {
		account, err = l.move(ctx, accountID, types.BalanceAllocated, types.BalanceExpired, n)
	}
	if err != nil {
		return types.CreditAccount{}, err
	}

	l.cache.Put(key, account)
	l.emit(ctx, accountID, "credit_expire", account)
	return account, nil
}

func (l *Ledger) transition(ctx context.Context, op, accountID string, src, dst types.BalanceKind, n int64, idempotencyKey string) (types.CreditAccount, error) {
	key := idemKey(op, accountID, idempotencyKey)
	if cached, ok := l.cache.Get(key); ok {
		return cached.(types.CreditAccount), nil
	}
	account, err := l.move(ctx, accountID, src, dst, n)
	if err != nil {
		return types.CreditAccount{}, err
	}
	l.cache.Put(key, account)
	l.emit(ctx, accountID, "credit_"+op, account)
	return account, nil
}

func (l *Ledger) move(ctx context.Context, accountID string, src, dst types.BalanceKind, n int64) (types.CreditAccount, error) {
	res, err := l.store.Eval(ctx, sharedstore.ScriptCreditReserve, []string{balanceKey(accountID)}, string(src), string(dst), n)
	if err != nil {
		return types.CreditAccount{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	ok, err := parseMoveResult(res)
	if err != nil {
		return types.CreditAccount{}, err
	}
	if !ok {
		return types.CreditAccount{}, fmt.Errorf("%w: insufficient %s", billingerr.ErrInsufficientCredits, src)
	}

	account, err := l.loadAccount(ctx, accountID)
	if err != nil {
		return types.CreditAccount{}, err
	}
	if !account.ConservationHolds() {
		l.logger.Error("conservation invariant broken", "account", accountID, "sum", account.Sum(), "initial_allocation", account.InitialAllocation)
		return types.CreditAccount{}, billingerr.ErrConservationBroken
	}
	return account, nil
}

func parseMoveResult(res interface{}) (bool, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return false, fmt.Errorf("creditledger: malformed script result")
	}
	okN, _ := arr[0].(int64)
	return okN == 1, nil
}

func (l *Ledger) loadAccount(ctx context.Context, accountID string) (types.CreditAccount, error) {
	raw, ok, err := l.store.Get(ctx, stateKey(accountID))
	if err != nil {
		return types.CreditAccount{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if !ok {
		return types.CreditAccount{}, billingerr.ErrAccountMissing
	}
	initial, _ := strconv.ParseInt(raw, 10, 64)

	bal, err := l.store.HGetAll(ctx, balanceKey(accountID))
	if err != nil {
		return types.CreditAccount{}, fmt.Errorf("creditledger: load balances: %w", err)
	}
	account := types.CreditAccount{AccountID: accountID, InitialAllocation: initial, Balances: make(map[types.BalanceKind]int64)}
	for _, k := range types.AllBalanceKinds {
		v, _ := strconv.ParseInt(bal[string(k)], 10, 64)
		account.Balances[k] = v
	}
	return account, nil
}

// GetAccount returns the current balances for accountID.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (types.CreditAccount, error) {
	return l.loadAccount(ctx, accountID)
}

// VerifyConservation recomputes the invariant for accountID.
func (l *Ledger) VerifyConservation(ctx context.Context, accountID string) (bool, error) {
	account, err := l.loadAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return account.ConservationHolds(), nil
}

// emit is fire-and-forget: failures are logged and swallowed, never
// propagated to the caller, since the shared-store mutation above is the
// durable record.
func (l *Ledger) emit(ctx context.Context, accountID, eventType string, account types.CreditAccount) {
	if l.events != nil {
		if _, err := l.events.Append(ctx, "credit", eventType, account, accountID); err != nil {
			l.logger.Warn("failed to emit credit event", "account", accountID, "event_type", eventType, "error", err)
		}
	}
	l.emitDashboard(account)
}

// EnableDashboardEvents lazily creates the channel every credit mutation is
// mirrored onto for the optional dashboard feed and returns it. Calling it
// more than once returns the same channel. Must be called during process
// wiring, before any transition runs concurrently with it.
func (l *Ledger) EnableDashboardEvents() <-chan httpapi.DashboardEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dashboardEvents == nil {
		l.dashboardEvents = make(chan httpapi.DashboardEvent, 100)
	}
	return l.dashboardEvents
}

// emitDashboard mirrors account onto the dashboard feed, if enabled,
// dropping the event rather than blocking when the dashboard can't keep up.
func (l *Ledger) emitDashboard(account types.CreditAccount) {
	if l.dashboardEvents == nil {
		return
	}
	evt := httpapi.DashboardEvent{
		Type:      "credit",
		Timestamp: l.clk.Now(),
		AccountID: account.AccountID,
		Data:      httpapi.NewCreditEvent(account),
	}
	select {
	case l.dashboardEvents <- evt:
	default:
	}
}

// EmitCreditNoteDashboard mirrors an issued credit note onto the dashboard
// feed. Credit notes are issued by the creditnote package, which restores
// balances through this Ledger, so it shares this Ledger's dashboard
// channel rather than opening its own.
func (l *Ledger) EmitCreditNoteDashboard(note types.CreditNote) {
	if l.dashboardEvents == nil {
		return
	}
	evt := httpapi.DashboardEvent{
		Type:      "credit_note",
		Timestamp: l.clk.Now(),
		AccountID: note.Wallet,
		Data:      httpapi.NewCreditNoteEvent(note),
	}
	select {
	case l.dashboardEvents <- evt:
	default:
	}
}
