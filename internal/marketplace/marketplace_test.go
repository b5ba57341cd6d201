package marketplace

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/idgen"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T, clk *clock.Mock) (*Engine, *sharedstore.MemStore) {
	t.Helper()
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	return New(DefaultConfig(), store, ids, clk, discardLogger()), store
}

func order(wallet string, side types.OrderSide, price types.MicroUSD, lots int64, at time.Time, id string) *types.Order {
	return &types.Order{
		ID: id, Wallet: wallet, Side: side, PriceMicro: price,
		Lots: lots, LotsRemaining: lots, Status: types.OrderOpen,
		CreatedAt: at, UpdatedAt: at,
	}
}

// TestSelfTradePrevention reproduces the worked scenario: Alice's ask and
// Bob's ask rest on the book; Alice's incoming bid crosses both but must
// skip her own ask, matching only Bob, and leave her ask untouched.
func TestSelfTradePrevention(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	e, _ := newTestEngine(t, clk)
	ctx := context.Background()

	t0 := clk.Now()
	aliceAsk := order("alice", types.SideAsk, 1_000, 5, t0, "ask-alice")
	if _, _, err := e.PlaceOrder(ctx, "pair-1", aliceAsk); err != nil {
		t.Fatalf("post alice ask: %v", err)
	}

	clk.Advance(time.Second)
	bobAsk := order("bob", types.SideAsk, 1_500, 3, clk.Now(), "ask-bob")
	if _, _, err := e.PlaceOrder(ctx, "pair-1", bobAsk); err != nil {
		t.Fatalf("post bob ask: %v", err)
	}

	clk.Advance(time.Second)
	aliceBid := order("alice", types.SideBid, 2_000, 7, clk.Now(), "bid-alice")
	matches, resting, err := e.PlaceOrder(ctx, "pair-1", aliceBid)
	if err != nil {
		t.Fatalf("place alice bid: %v", err)
	}

	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	m := matches[0]
	if m.SellerWallet != "bob" || m.Lots != 3 || m.PriceMicro != 1_500 {
		t.Fatalf("unexpected match: %+v", m)
	}
	if resting == nil || resting.LotsRemaining != 4 {
		t.Fatalf("expected 4 lots resting, got %+v", resting)
	}
	if e.SelfTradesPrevented() != 1 {
		t.Fatalf("SelfTradesPrevented = %d, want 1", e.SelfTradesPrevented())
	}

	be := e.bookFor("pair-1")
	if stillResting, ok := be.book.Get("ask-alice"); !ok || stillResting.LotsRemaining != 5 {
		t.Fatalf("alice's ask should be untouched, got %+v ok=%v", stillResting, ok)
	}
}

// TestInvalidPriceAndOrderTooSmallRejected covers the first two
// anti-abuse checks in priority order.
func TestInvalidPriceAndOrderTooSmallRejected(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	e, _ := newTestEngine(t, clk)
	ctx := context.Background()

	_, _, err := e.PlaceOrder(ctx, "pair-1", order("alice", types.SideBid, 0, 5, clk.Now(), "bad-price"))
	if err != billingerr.ErrInvalidPrice {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.MinOrderLots = 10
	e2 := New(cfg, sharedstore.NewMemStore(clk), idgen.New(clk), clk, discardLogger())
	_, _, err = e2.PlaceOrder(ctx, "pair-1", order("alice", types.SideBid, 100, 1, clk.Now(), "too-small"))
	if err != billingerr.ErrOrderTooSmall {
		t.Fatalf("expected ErrOrderTooSmall, got %v", err)
	}
}

// TestCumulativeRateLimit reproduces scenario 8: after MaxOrdersPerHour
// valid orders the next one rejects RATE_LIMITED; once the window has
// elapsed, one more succeeds.
func TestCumulativeRateLimit(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	cfg := DefaultConfig()
	cfg.MaxOrdersPerHour = 3
	cfg.RateLimitWindow = time.Hour
	e := New(cfg, sharedstore.NewMemStore(clk), idgen.New(clk), clk, discardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		_, _, err := e.PlaceOrder(ctx, "pair-1", order("carol", types.SideBid, 100, 1, clk.Now(), idFor(i)))
		if err != nil {
			t.Fatalf("order %d should succeed, got %v", i, err)
		}
	}

	clk.Advance(time.Second)
	_, _, err := e.PlaceOrder(ctx, "pair-1", order("carol", types.SideBid, 100, 1, clk.Now(), "bid-4"))
	if err != billingerr.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	clk.Advance(cfg.RateLimitWindow + time.Millisecond)
	_, _, err = e.PlaceOrder(ctx, "pair-1", order("carol", types.SideBid, 100, 1, clk.Now(), "bid-5"))
	if err != nil {
		t.Fatalf("order after window elapsed should succeed, got %v", err)
	}
}

func idFor(i int) string {
	return [...]string{"bid-1", "bid-2", "bid-3"}[i]
}

// TestPartialSettlement reproduces scenario 4: a 1,000-credit escrow
// settled in two partial calls transitions locked -> settled only once
// exhausted.
func TestPartialSettlement(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	s := NewSettlement(store, ids, clk, discardLogger())
	ctx := context.Background()

	seller := "0xseller"
	buyer := "0xbuyer"
	if err := s.SeedCredits(ctx, seller, 1_000); err != nil {
		t.Fatalf("SeedCredits: %v", err)
	}
	if err := s.SeedUSDC(ctx, buyer, 10_000_000); err != nil {
		t.Fatalf("SeedUSDC: %v", err)
	}

	askOrder := types.Order{ID: "ask-1", Wallet: seller, Side: types.SideAsk, Lots: 10}
	escrow, err := s.LockCredits(ctx, askOrder, 100)
	if err != nil {
		t.Fatalf("LockCredits: %v", err)
	}
	if escrow.CreditsLocked != 1_000 {
		t.Fatalf("CreditsLocked = %d, want 1000", escrow.CreditsLocked)
	}

	match := types.Match{
		ID: "match-1", BuyerWallet: buyer, SellerWallet: seller,
		TotalMicro: 3_000, FeeMicro: 30, SellerProceedsMicro: 2_970,
		Settlement: types.SettlementInstruction{EscrowID: escrow.ID},
	}

	first, err := s.Settle(ctx, match, 300)
	if err != nil {
		t.Fatalf("Settle (first partial): %v", err)
	}
	if first.Escrow.CreditsRemaining != 700 || first.Escrow.Status != types.EscrowLocked {
		t.Fatalf("unexpected escrow after first partial: %+v", first.Escrow)
	}

	second, err := s.Settle(ctx, types.Match{
		ID: "match-2", BuyerWallet: buyer, SellerWallet: seller,
		TotalMicro: 7_000, FeeMicro: 70, SellerProceedsMicro: 6_930,
		Settlement: types.SettlementInstruction{EscrowID: escrow.ID},
	}, 700)
	if err != nil {
		t.Fatalf("Settle (second partial): %v", err)
	}
	if second.Escrow.CreditsRemaining != 0 || second.Escrow.Status != types.EscrowSettled {
		t.Fatalf("unexpected escrow after exhausting settle: %+v", second.Escrow)
	}
}

// TestSettleIsIdempotent ensures a repeated Settle call for the same
// match id does not double-apply balance changes.
func TestSettleIsIdempotent(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	s := NewSettlement(store, ids, clk, discardLogger())
	ctx := context.Background()

	seller, buyer := "0xseller", "0xbuyer"
	if err := s.SeedCredits(ctx, seller, 500); err != nil {
		t.Fatalf("SeedCredits: %v", err)
	}
	if err := s.SeedUSDC(ctx, buyer, 1_000_000); err != nil {
		t.Fatalf("SeedUSDC: %v", err)
	}
	escrow, err := s.LockCredits(ctx, types.Order{ID: "ask-1", Wallet: seller, Side: types.SideAsk, Lots: 5}, 100)
	if err != nil {
		t.Fatalf("LockCredits: %v", err)
	}
	match := types.Match{
		ID: "match-1", BuyerWallet: buyer, SellerWallet: seller,
		TotalMicro: 1_000, FeeMicro: 10, SellerProceedsMicro: 990,
		Settlement: types.SettlementInstruction{EscrowID: escrow.ID},
	}

	if _, err := s.Settle(ctx, match, 500); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := s.Settle(ctx, match, 500); err != nil {
		t.Fatalf("Settle retry: %v", err)
	}

	bal, err := store.HGetAll(ctx, creditsBalanceKey(buyer))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if parseInt64(bal[fieldAvailable]) != 500 {
		t.Fatalf("buyer available = %s, want 500 (retry must not double-apply)", bal[fieldAvailable])
	}
}

// flakySaveStore wraps MemStore and fails the next Set call against an
// escrow record once armed, standing in for a process crash that lands
// between the atomic settle script committing and saveEscrow persisting.
type flakySaveStore struct {
	*sharedstore.MemStore
	armed   bool
	tripped bool
}

func (f *flakySaveStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.armed && !f.tripped && strings.HasPrefix(key, "marketplace:escrow:") {
		f.tripped = true
		return errors.New("simulated crash before escrow persisted")
	}
	return f.MemStore.Set(ctx, key, value, ttl)
}

// TestSettleSurvivesCrashBetweenAtomicStepAndEscrowSave exercises the
// mid-sequence failure the all-or-nothing fold was built for: the atomic
// script (USDC transfer plus credits bookkeeping) commits, but the
// following saveEscrow fails as if the process had crashed right there.
// A second Settle call for the same match, issued from a fresh Settlement
// (simulating a restart with an empty in-process idempotency cache), must
// replay the first attempt's result rather than re-run the atomic script,
// so every balance moves exactly once.
func TestSettleSurvivesCrashBetweenAtomicStepAndEscrowSave(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := &flakySaveStore{MemStore: sharedstore.NewMemStore(clk)}
	ids := idgen.New(clk)
	s := NewSettlement(store, ids, clk, discardLogger())
	ctx := context.Background()

	seller, buyer := "0xseller", "0xbuyer"
	if err := s.SeedCredits(ctx, seller, 500); err != nil {
		t.Fatalf("SeedCredits: %v", err)
	}
	if err := s.SeedUSDC(ctx, buyer, 1_000_000); err != nil {
		t.Fatalf("SeedUSDC: %v", err)
	}
	escrow, err := s.LockCredits(ctx, types.Order{ID: "ask-1", Wallet: seller, Side: types.SideAsk, Lots: 5}, 100)
	if err != nil {
		t.Fatalf("LockCredits: %v", err)
	}
	match := types.Match{
		ID: "match-1", BuyerWallet: buyer, SellerWallet: seller,
		TotalMicro: 1_000, FeeMicro: 10, SellerProceedsMicro: 990,
		Settlement: types.SettlementInstruction{EscrowID: escrow.ID},
	}

	store.armed = true
	if _, err := s.Settle(ctx, match, 500); err == nil {
		t.Fatalf("expected the simulated escrow-save failure to surface")
	}

	// A fresh Settlement stands in for a restarted process: its in-memory
	// idempotency cache starts empty, so this retry must be resolved by
	// the persisted marker the atomic script wrote, not by that cache.
	s2 := NewSettlement(store, ids, clk, discardLogger())
	result, err := s2.Settle(ctx, match, 500)
	if err != nil {
		t.Fatalf("Settle retry after crash: %v", err)
	}
	if result.Escrow.CreditsRemaining != 0 || result.Escrow.Status != types.EscrowSettled {
		t.Fatalf("unexpected escrow after retried settle: %+v", result.Escrow)
	}

	bal, err := store.HGetAll(ctx, creditsBalanceKey(buyer))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if parseInt64(bal[fieldAvailable]) != 500 {
		t.Fatalf("buyer available = %s, want 500 (must not double-apply across the crash)", bal[fieldAvailable])
	}
	sellerBal, err := store.HGetAll(ctx, creditsBalanceKey(seller))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if parseInt64(sellerBal[fieldEscrowed]) != 0 {
		t.Fatalf("seller escrowed = %s, want 0 (must not double-apply across the crash)", sellerBal[fieldEscrowed])
	}
	usdcBal, ok, err := store.Get(ctx, usdcBalanceKey(buyer))
	if err != nil || !ok {
		t.Fatalf("Get buyer usdc: err=%v ok=%v", err, ok)
	}
	if want := 1_000_000 - 1_000; parseInt64(usdcBal) != int64(want) {
		t.Fatalf("buyer usdc = %s, want %d (USDC must move exactly once)", usdcBal, want)
	}
}

// TestReleaseEscrowIdempotent covers ReleaseEscrow(x); ReleaseEscrow(x)
// returning 0 the second time.
func TestReleaseEscrowIdempotent(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	s := NewSettlement(store, ids, clk, discardLogger())
	ctx := context.Background()

	seller := "0xseller"
	if err := s.SeedCredits(ctx, seller, 1_000); err != nil {
		t.Fatalf("SeedCredits: %v", err)
	}
	if _, err := s.LockCredits(ctx, types.Order{ID: "ask-1", Wallet: seller, Side: types.SideAsk, Lots: 10}, 100); err != nil {
		t.Fatalf("LockCredits: %v", err)
	}

	first, err := s.ReleaseEscrow(ctx, "ask-1")
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if first != 1_000 {
		t.Fatalf("first release = %d, want 1000", first)
	}
	second, err := s.ReleaseEscrow(ctx, "ask-1")
	if err != nil {
		t.Fatalf("ReleaseEscrow retry: %v", err)
	}
	if second != 0 {
		t.Fatalf("second release = %d, want 0", second)
	}
}

// TestLockCreditsRejectsBidOrders enforces "only ask orders require escrow".
func TestLockCreditsRejectsBidOrders(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	s := NewSettlement(store, ids, clk, discardLogger())
	ctx := context.Background()

	_, err := s.LockCredits(ctx, types.Order{ID: "bid-1", Wallet: "alice", Side: types.SideBid, Lots: 1}, 100)
	if err != billingerr.ErrOnlyAskEscrow {
		t.Fatalf("expected ErrOnlyAskEscrow, got %v", err)
	}
}

// TestVerifyConservationAcrossFullLifecycle walks a single ask order
// through every settlement state (locked -> matched -> settled ->
// rolled back -> re-settled -> escrow released) and checks that total
// credits (available + escrowed) across every wallet the Settlement has
// seen equals the credit supply at every step, never creating or
// destroying credits.
func TestVerifyConservationAcrossFullLifecycle(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	store := sharedstore.NewMemStore(clk)
	ids := idgen.New(clk)
	logger := discardLogger()

	cfg := DefaultConfig()
	e := New(cfg, store, ids, clk, logger)
	s := NewSettlement(store, ids, clk, logger)
	e.WithSettlement(s)
	ctx := context.Background()

	seller, buyer := "0xseller", "0xbuyer"
	const totalSupply = 1_000 // the only credits ever seeded into the system

	if err := s.SeedCredits(ctx, seller, totalSupply); err != nil {
		t.Fatalf("SeedCredits: %v", err)
	}
	if err := s.SeedUSDC(ctx, buyer, 10_000_000); err != nil {
		t.Fatalf("SeedUSDC: %v", err)
	}

	assertConserved := func(step string) {
		t.Helper()
		report, err := s.VerifyConservation(ctx, totalSupply)
		if err != nil {
			t.Fatalf("%s: VerifyConservation: %v", step, err)
		}
		if !report.Valid {
			t.Fatalf("%s: conservation broken: %+v", step, report)
		}
	}
	assertConserved("after seeding")

	t0 := clk.Now()
	askOrder := order(seller, types.SideAsk, 1_000, 10, t0, "ask-1")
	if _, _, err := e.PlaceOrder(ctx, "pair-1", askOrder); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := s.LockCredits(ctx, *askOrder, cfg.LotSize); err != nil {
		t.Fatalf("LockCredits: %v", err)
	}
	assertConserved("after locking escrow")

	clk.Advance(time.Second)
	bidOrder := order(buyer, types.SideBid, 1_000, 4, clk.Now(), "bid-1")
	matches, _, err := e.PlaceOrder(ctx, "pair-1", bidOrder)
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	match := matches[0]
	if match.Settlement.EscrowID == "" {
		t.Fatalf("match should carry a resolved escrow id: %+v", match.Settlement)
	}
	assertConserved("after matching (pre-settle)")

	settleResult, err := s.Settle(ctx, match, match.Settlement.CreditsToTransfer)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settleResult.Escrow.CreditsRemaining != 600 {
		t.Fatalf("escrow remaining after settle = %d, want 600", settleResult.Escrow.CreditsRemaining)
	}
	assertConserved("after settle")

	if err := s.Rollback(ctx, match); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	assertConserved("after rollback")

	// Re-settle the same match after rollback: the idempotency cache was
	// cleared by Rollback, so this applies fresh rather than replaying.
	if _, err := s.Settle(ctx, match, match.Settlement.CreditsToTransfer); err != nil {
		t.Fatalf("Settle (after rollback): %v", err)
	}
	assertConserved("after re-settle")

	returned, err := s.ReleaseEscrow(ctx, askOrder.ID)
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if returned != 600 {
		t.Fatalf("released credits = %d, want 600 (remaining after the one settled match)", returned)
	}
	assertConserved("after releasing remaining escrow")
}
