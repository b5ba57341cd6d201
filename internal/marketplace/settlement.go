package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/idemcache"
	"gateway/internal/idgen"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

const feeSinkKey = "marketplace:usdc:fees"

func creditsBalanceKey(wallet string) string { return "marketplace:credits:" + wallet }
func usdcBalanceKey(wallet string) string    { return "marketplace:usdc:" + wallet }
func escrowKey(escrowID string) string       { return "marketplace:escrow:" + escrowID }
func escrowByOrderKey(orderID string) string { return "marketplace:escrow_by_order:" + orderID }
func settleMarkerKey(matchID string) string  { return "marketplace:settled:" + matchID }

// Result codes returned by sharedstore.ScriptMarketplaceSettle.
const (
	settleInsufficient = int64(0)
	settleCommitted    = int64(1)
	settleReplayed     = int64(2)
)

const (
	fieldAvailable = "available"
	fieldEscrowed  = "escrowed"
)

// SettleResult is the outcome of one Settle call.
type SettleResult struct {
	Match              types.Match  `json:"match"`
	Escrow             types.Escrow `json:"escrow"`
	CreditsTransferred int64        `json:"credits_transferred"`
}

// Settlement turns Matches into balance movements against a credits pool
// and a USDC pool, both held in the shared store, with escrow-backed
// idempotent settlement and rollback.
type Settlement struct {
	store  sharedstore.Store
	ids    *idgen.Generator
	clk    clock.Clock
	cache  *idemcache.Cache
	logger *slog.Logger

	mu      sync.Mutex
	wallets map[string]bool
}

// NewSettlement creates a Settlement engine backed by store.
func NewSettlement(store sharedstore.Store, ids *idgen.Generator, clk clock.Clock, logger *slog.Logger) *Settlement {
	return &Settlement{
		store:   store,
		ids:     ids,
		clk:     clk,
		cache:   idemcache.New(idemcache.DefaultCapacity),
		logger:  logger.With("component", "marketplace.settlement"),
		wallets: make(map[string]bool),
	}
}

// SeedCredits grants wallet amount of available marketplace
// credit supply, tracked for VerifyConservation. Used once per wallet at
// onboarding, analogous to creditledger.CreateAccount.
func (s *Settlement) SeedCredits(ctx context.Context, wallet string, amount int64) error {
	s.trackWallet(wallet)
	if _, err := s.store.HIncrBy(ctx, creditsBalanceKey(wallet), fieldAvailable, amount); err != nil {
		return fmt.Errorf("marketplace: seed credits: %w", err)
	}
	return nil
}

// SeedUSDC credits wallet's USDC balance by amount. Used for test/funding
// setup, analogous to an on-chain deposit being reflected in hot state.
func (s *Settlement) SeedUSDC(ctx context.Context, wallet string, amount types.MicroUSD) error {
	s.trackWallet(wallet)
	if _, err := s.store.IncrBy(ctx, usdcBalanceKey(wallet), int64(amount)); err != nil {
		return fmt.Errorf("marketplace: seed usdc: %w", err)
	}
	return nil
}

func (s *Settlement) trackWallet(wallet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[wallet] = true
}

// TrackedWallets returns every wallet this Settlement has seen, the same
// list VerifyConservation scans, consumed by the dashboard snapshot.
func (s *Settlement) TrackedWallets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.wallets))
	for w := range s.wallets {
		out = append(out, w)
	}
	return out
}

// LockCredits debits askOrder's wallet by lots*LOT_SIZE from available
// into escrowed, creating a locked Escrow. Only ask orders require
// escrow.
func (s *Settlement) LockCredits(ctx context.Context, askOrder types.Order, lotSize int64) (types.Escrow, error) {
	if askOrder.Side != types.SideAsk {
		return types.Escrow{}, billingerr.ErrOnlyAskEscrow
	}
	s.trackWallet(askOrder.Wallet)

	amount := askOrder.Lots * lotSize
	res, err := s.store.Eval(ctx, sharedstore.ScriptCreditReserve, []string{creditsBalanceKey(askOrder.Wallet)}, fieldAvailable, fieldEscrowed, amount)
	if err != nil {
		return types.Escrow{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	ok, err := parseBoolResult(res)
	if err != nil {
		return types.Escrow{}, err
	}
	if !ok {
		return types.Escrow{}, billingerr.ErrInsufficientCredits
	}

	escrow := types.Escrow{
		ID:               s.ids.New26(),
		OrderID:          askOrder.ID,
		Wallet:           askOrder.Wallet,
		CreditsLocked:    amount,
		CreditsRemaining: amount,
		Status:           types.EscrowLocked,
	}
	if err := s.saveEscrow(ctx, escrow); err != nil {
		return types.Escrow{}, err
	}
	if err := s.store.Set(ctx, escrowByOrderKey(askOrder.ID), escrow.ID, 0); err != nil {
		return types.Escrow{}, fmt.Errorf("marketplace: index escrow: %w", err)
	}
	return escrow, nil
}

// Settle applies match under an idempotency cache keyed by match.ID:
// verifies escrow, then atomically debits the buyer, credits the seller
// and the fee sink, and moves creditsToTransfer from the seller's
// escrowed balance into the buyer's available one in a single EVAL round
// trip (sharedstore.ScriptMarketplaceSettle). The script persists its own
// result behind the match ID, so a Settle retried after a crash between
// the atomic step and saveEscrow below replays that stored result instead
// of re-debiting the buyer: Settle(m); Settle(m) moves every balance
// exactly once even if the first call never returns.
func (s *Settlement) Settle(ctx context.Context, match types.Match, creditsToTransfer int64) (SettleResult, error) {
	if cached, ok := s.cache.Get(match.ID); ok {
		return cached.(SettleResult), nil
	}

	escrow, err := s.loadEscrow(ctx, match.Settlement.EscrowID)
	if err != nil {
		return SettleResult{}, err
	}
	if escrow.CreditsRemaining < creditsToTransfer {
		return SettleResult{}, billingerr.ErrEscrowInsufficient
	}

	escrow.CreditsRemaining -= creditsToTransfer
	if escrow.CreditsRemaining == 0 {
		escrow.Status = types.EscrowSettled
	}
	attempt := SettleResult{Match: match, Escrow: escrow, CreditsTransferred: creditsToTransfer}
	payload, err := json.Marshal(attempt)
	if err != nil {
		return SettleResult{}, fmt.Errorf("marketplace: marshal settle payload: %w", err)
	}

	res, err := s.store.Eval(ctx, sharedstore.ScriptMarketplaceSettle,
		[]string{
			settleMarkerKey(match.ID),
			usdcBalanceKey(match.BuyerWallet),
			usdcBalanceKey(match.SellerWallet),
			feeSinkKey,
			creditsBalanceKey(match.BuyerWallet),
			creditsBalanceKey(match.SellerWallet),
		},
		int64(match.TotalMicro), int64(match.FeeMicro), creditsToTransfer, string(payload))
	if err != nil {
		return SettleResult{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	code, raw, err := parseSettleResult(res)
	if err != nil {
		return SettleResult{}, err
	}
	if code == settleInsufficient {
		return SettleResult{}, billingerr.ErrInsufficientUSDC
	}

	result := attempt
	if code == settleReplayed {
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return SettleResult{}, fmt.Errorf("marketplace: unmarshal replayed settle result: %w", err)
		}
	}

	if err := s.saveEscrow(ctx, result.Escrow); err != nil {
		return SettleResult{}, err
	}

	s.cache.Put(match.ID, result)
	return result, nil
}

// Rollback reverses a prior Settle: restores the escrow and balances.
// Idempotent on matches that were never settled. Only a Settle whose
// result is in this Settlement's in-process cache is reversed; for any
// other match, including one settled by another Settlement on the same
// store, Rollback returns nil and changes nothing.
func (s *Settlement) Rollback(ctx context.Context, match types.Match) error {
	cached, ok := s.cache.Get(match.ID)
	if !ok {
		return nil // nothing to reverse
	}
	result := cached.(SettleResult)
	n := result.CreditsTransferred

	escrow, err := s.loadEscrow(ctx, match.Settlement.EscrowID)
	if err != nil {
		return err
	}
	escrow.CreditsRemaining += n
	escrow.Status = types.EscrowLocked
	if err := s.saveEscrow(ctx, escrow); err != nil {
		return err
	}

	if _, err := s.store.HIncrBy(ctx, creditsBalanceKey(match.BuyerWallet), fieldAvailable, -n); err != nil {
		return fmt.Errorf("marketplace: rollback buyer credits: %w", err)
	}
	if _, err := s.store.HIncrBy(ctx, creditsBalanceKey(match.SellerWallet), fieldEscrowed, n); err != nil {
		return fmt.Errorf("marketplace: rollback seller escrow: %w", err)
	}
	if _, err := s.store.IncrBy(ctx, usdcBalanceKey(match.BuyerWallet), int64(match.TotalMicro)); err != nil {
		return fmt.Errorf("marketplace: rollback buyer usdc: %w", err)
	}
	if _, err := s.store.IncrBy(ctx, usdcBalanceKey(match.SellerWallet), -int64(match.SellerProceedsMicro)); err != nil {
		return fmt.Errorf("marketplace: rollback seller usdc: %w", err)
	}
	if _, err := s.store.IncrBy(ctx, feeSinkKey, -int64(match.FeeMicro)); err != nil {
		return fmt.Errorf("marketplace: rollback fee sink: %w", err)
	}
	if _, err := s.store.Del(ctx, settleMarkerKey(match.ID)); err != nil {
		return fmt.Errorf("marketplace: rollback settle marker: %w", err)
	}

	s.cache.Delete(match.ID)
	return nil
}

// ReleaseEscrow returns an ask order's remaining escrowed credits to the
// seller on cancellation. Idempotent: returns 0 if already released.
func (s *Settlement) ReleaseEscrow(ctx context.Context, orderID string) (int64, error) {
	raw, ok, err := s.store.Get(ctx, escrowByOrderKey(orderID))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if !ok {
		return 0, nil
	}
	escrow, err := s.loadEscrow(ctx, raw)
	if err != nil {
		return 0, err
	}
	if escrow.Status == types.EscrowReleased {
		return 0, nil
	}

	returned := escrow.CreditsRemaining
	escrow.CreditsRemaining = 0
	escrow.Status = types.EscrowReleased
	if err := s.saveEscrow(ctx, escrow); err != nil {
		return 0, err
	}
	if returned > 0 {
		if _, err := s.store.HIncrBy(ctx, creditsBalanceKey(escrow.Wallet), fieldEscrowed, -returned); err != nil {
			return 0, fmt.Errorf("marketplace: release escrow: %w", err)
		}
		if _, err := s.store.HIncrBy(ctx, creditsBalanceKey(escrow.Wallet), fieldAvailable, returned); err != nil {
			return 0, fmt.Errorf("marketplace: release escrow: %w", err)
		}
	}
	return returned, nil
}

// EscrowIDForOrder looks up the escrow locked for an ask order, used by
// the matching engine to stamp Settlement.EscrowID on each Match it
// produces so Settle/Rollback can find the right escrow without the
// caller having to join AskOrderID to an escrow index itself.
func (s *Settlement) EscrowIDForOrder(ctx context.Context, orderID string) (string, bool, error) {
	raw, ok, err := s.store.Get(ctx, escrowByOrderKey(orderID))
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	return raw, ok, nil
}

// IsSettled reports whether match.ID has a cached settlement result.
func (s *Settlement) IsSettled(matchID string) bool {
	_, ok := s.cache.Get(matchID)
	return ok
}

// ConservationReport is the result of VerifyConservation.
type ConservationReport struct {
	Valid          bool  `json:"valid"`
	TotalAvailable int64 `json:"total_available"`
	TotalEscrowed  int64 `json:"total_escrowed"`
}

// VerifyConservation sums available+escrowed credits across every wallet
// this Settlement has ever touched and checks it equals totalSupply.
func (s *Settlement) VerifyConservation(ctx context.Context, totalSupply int64) (ConservationReport, error) {
	s.mu.Lock()
	wallets := make([]string, 0, len(s.wallets))
	for w := range s.wallets {
		wallets = append(wallets, w)
	}
	s.mu.Unlock()

	var available, escrowed int64
	for _, w := range wallets {
		bal, err := s.store.HGetAll(ctx, creditsBalanceKey(w))
		if err != nil {
			return ConservationReport{}, fmt.Errorf("marketplace: conservation scan: %w", err)
		}
		available += parseInt64(bal[fieldAvailable])
		escrowed += parseInt64(bal[fieldEscrowed])
	}
	report := ConservationReport{
		Valid:          available+escrowed == totalSupply,
		TotalAvailable: available,
		TotalEscrowed:  escrowed,
	}
	return report, nil
}

func (s *Settlement) saveEscrow(ctx context.Context, escrow types.Escrow) error {
	data, err := json.Marshal(escrow)
	if err != nil {
		return fmt.Errorf("marketplace: marshal escrow: %w", err)
	}
	if err := s.store.Set(ctx, escrowKey(escrow.ID), string(data), 0); err != nil {
		return fmt.Errorf("marketplace: persist escrow: %w", err)
	}
	return nil
}

func (s *Settlement) loadEscrow(ctx context.Context, escrowID string) (types.Escrow, error) {
	raw, ok, err := s.store.Get(ctx, escrowKey(escrowID))
	if err != nil {
		return types.Escrow{}, fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if !ok {
		return types.Escrow{}, fmt.Errorf("marketplace: escrow %s not found", escrowID)
	}
	var escrow types.Escrow
	if err := json.Unmarshal([]byte(raw), &escrow); err != nil {
		return types.Escrow{}, fmt.Errorf("marketplace: unmarshal escrow: %w", err)
	}
	return escrow, nil
}

func parseBoolResult(res interface{}) (bool, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, fmt.Errorf("marketplace: malformed script result")
	}
	n, _ := arr[0].(int64)
	return n == 1, nil
}

// parseSettleResult unpacks {code, payload} from ScriptMarketplaceSettle.
// Redis returns code as int64; MemStore returns the same Go type directly,
// so no further coercion is needed.
func parseSettleResult(res interface{}) (code int64, payload string, err error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, "", fmt.Errorf("marketplace: malformed settle script result")
	}
	code, ok = arr[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("marketplace: malformed settle script result code")
	}
	payload, _ = arr[1].(string)
	return code, payload, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
