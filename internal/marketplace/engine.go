// Package marketplace implements the continuous double auction over
// transferable credits: a price-time priority order book per trading
// pair, self-trade prevention, a pre-match anti-abuse validation
// pipeline, and (in settlement.go) the escrow-backed settlement engine.
package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/idgen"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

// Config tunes the anti-abuse validation pipeline. Defaults mirror the
// teacher's token-bucket rate limiter tuning in exchange/ratelimit.go.
type Config struct {
	MinOrderLots    int64
	LotSize         int64
	FeeRate         float64
	MaxOrdersPerHour int64
	RateLimitWindow  time.Duration
	RelistCooldown   time.Duration
}

// DefaultConfig returns the spec's default anti-abuse tuning.
func DefaultConfig() Config {
	return Config{
		MinOrderLots:     1,
		LotSize:          types.DefaultLotSize,
		FeeRate:          types.FeeRate,
		MaxOrdersPerHour: 60,
		RateLimitWindow:  time.Hour,
		RelistCooldown:   30 * time.Second,
	}
}

type bookEntry struct {
	mu   sync.Mutex
	book *Book
}

// Engine owns one order book per trading pair and the shared-store-backed
// anti-abuse checks (rate limiting, relist cooldown).
type Engine struct {
	cfg    Config
	store  sharedstore.Store
	ids    *idgen.Generator
	clk    clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	books map[string]*bookEntry

	selfTradesPrevented int64

	settlement *Settlement
}

// New creates an Engine backed by store for rate-limit/cooldown state.
func New(cfg Config, store sharedstore.Store, ids *idgen.Generator, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		ids:    ids,
		clk:    clk,
		logger: logger.With("component", "marketplace"),
		books:  make(map[string]*bookEntry),
	}
}

// WithSettlement wires a Settlement engine into e so matches carry a
// resolved escrow id. Matching works without one (EscrowID is left
// blank), but settlement cannot proceed until it is set.
func (e *Engine) WithSettlement(s *Settlement) *Engine {
	e.settlement = s
	return e
}

func (e *Engine) bookFor(pair string) *bookEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	be, ok := e.books[pair]
	if !ok {
		be = &bookEntry{book: NewBook()}
		e.books[pair] = be
	}
	return be
}

// SelfTradesPrevented returns the running count of skipped self-trades
// across all pairs.
func (e *Engine) SelfTradesPrevented() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfTradesPrevented
}

// Pairs returns every trading pair this Engine has opened a book for.
func (e *Engine) Pairs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.books))
	for pair := range e.books {
		out = append(out, pair)
	}
	return out
}

// BookSummary returns the top-of-book view of pair, if it has ever been
// opened.
func (e *Engine) BookSummary(pair string) (BookSummary, bool) {
	e.mu.Lock()
	be, ok := e.books[pair]
	e.mu.Unlock()
	if !ok {
		return BookSummary{}, false
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.book.Summary(), true
}

func relistKey(wallet string, side types.OrderSide, price types.MicroUSD) string {
	return fmt.Sprintf("marketplace:relist:%s:%s:%d", wallet, side, price)
}

func rateKey(wallet string) string { return "x402:rate:" + wallet }

// PlaceOrder runs the anti-abuse pipeline, then the match algorithm
// against pair's book, returning any resulting matches plus the order's
// final resting state (nil if fully filled).
func (e *Engine) PlaceOrder(ctx context.Context, pair string, incoming *types.Order) ([]types.Match, *types.Order, error) {
	if err := e.validate(ctx, pair, incoming); err != nil {
		return nil, nil, err
	}

	be := e.bookFor(pair)
	be.mu.Lock()
	defer be.mu.Unlock()

	matches := e.match(ctx, be.book, incoming)

	if incoming.LotsRemaining > 0 {
		incoming.Status = types.OrderPartial
		if incoming.LotsRemaining == incoming.Lots {
			incoming.Status = types.OrderOpen
		}
		be.book.post(incoming)
		return matches, incoming, nil
	}
	incoming.Status = types.OrderFilled
	return matches, nil, nil
}

// validate runs the pre-match checks in the exact priority order the
// spec requires: price, lot size, rate limit, relist cooldown, self-trade.
func (e *Engine) validate(ctx context.Context, pair string, o *types.Order) error {
	if o.PriceMicro <= 0 {
		return billingerr.ErrInvalidPrice
	}
	if o.Lots < e.cfg.MinOrderLots {
		return billingerr.ErrOrderTooSmall
	}
	if err := e.checkRateLimit(ctx, o.Wallet); err != nil {
		return err
	}
	if err := e.checkRelistCooldown(ctx, o.Wallet, o.Side, o.PriceMicro); err != nil {
		return err
	}
	be := e.bookFor(pair)
	be.mu.Lock()
	onlySelf := wouldOnlySelfCross(be.book, o)
	be.mu.Unlock()
	if onlySelf {
		return billingerr.ErrSelfTrade
	}
	return nil
}

func (e *Engine) checkRateLimit(ctx context.Context, wallet string) error {
	key := rateKey(wallet)
	now := e.clk.Now()
	cutoff := now.Add(-e.cfg.RateLimitWindow)
	if _, err := e.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixMilli())); err != nil {
		return fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	count, err := e.store.ZCard(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if count >= e.cfg.MaxOrdersPerHour {
		return billingerr.ErrRateLimited
	}
	if _, err := e.store.ZAdd(ctx, key, float64(now.UnixMilli()), e.ids.New26()); err != nil {
		return fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	return nil
}

func (e *Engine) checkRelistCooldown(ctx context.Context, wallet string, side types.OrderSide, price types.MicroUSD) error {
	exists, err := e.store.Exists(ctx, relistKey(wallet, side, price))
	if err != nil {
		return fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	if exists {
		return billingerr.ErrRelistCooldown
	}
	return nil
}

// wouldOnlySelfCross reports whether every resting order that o's price
// would cross belongs to o's own wallet, meaning o could never actually
// trade against anyone. A mixed book (some counterparties, some of the
// wallet's own orders) is allowed through to the match algorithm, which
// skips the wallet's own orders per-candidate instead of rejecting
// outright (see the worked self-trade-prevention scenario).
func wouldOnlySelfCross(book *Book, o *types.Order) bool {
	var side []*types.Order
	if o.Side == types.SideBid {
		side = []*types.Order(book.asks)
	} else {
		side = []*types.Order(book.bids)
	}
	sawCrossing := false
	for _, resting := range side {
		if !crosses(o.Side, o.PriceMicro, resting.PriceMicro) {
			continue
		}
		sawCrossing = true
		if resting.Wallet != o.Wallet {
			return false
		}
	}
	return sawCrossing
}

// match runs the core price-time priority algorithm against the resting
// book, mutating incoming.LotsRemaining/Status and the matched resting
// orders in place.
func (e *Engine) match(ctx context.Context, book *Book, incoming *types.Order) []types.Match {
	var matches []types.Match
	var skipped []*types.Order

	for incoming.LotsRemaining > 0 {
		counter := book.topOpposite(incoming.Side)
		if counter == nil || !crosses(incoming.Side, incoming.PriceMicro, counter.PriceMicro) {
			break
		}

		if counter.Wallet == incoming.Wallet {
			e.mu.Lock()
			e.selfTradesPrevented++
			e.mu.Unlock()
			skipped = append(skipped, book.popOpposite(incoming.Side))
			continue
		}

		resting := book.popOpposite(incoming.Side)
		lotsTraded := min64(incoming.LotsRemaining, resting.LotsRemaining)

		m := buildMatch(e.ids.New26(), e.clk.Now(), incoming, resting, lotsTraded, e.cfg)
		if e.settlement != nil {
			if escrowID, ok, err := e.settlement.EscrowIDForOrder(ctx, m.AskOrderID); err == nil && ok {
				m.Settlement.EscrowID = escrowID
			} else if err != nil {
				e.logger.Warn("escrow lookup failed for match", "match_id", m.ID, "ask_order_id", m.AskOrderID, "error", err)
			}
		}
		matches = append(matches, m)

		incoming.LotsRemaining -= lotsTraded
		resting.LotsRemaining -= lotsTraded
		resting.UpdatedAt = e.clk.Now()
		if resting.LotsRemaining == 0 {
			resting.Status = types.OrderFilled
		} else {
			resting.Status = types.OrderPartial
			book.post(resting)
		}
	}

	for _, o := range skipped {
		book.post(o)
	}
	return matches
}

func buildMatch(id string, now time.Time, incoming, resting *types.Order, lots int64, cfg Config) types.Match {
	var bidOrder, askOrder *types.Order
	if incoming.Side == types.SideBid {
		bidOrder, askOrder = incoming, resting
	} else {
		bidOrder, askOrder = resting, incoming
	}

	price := resting.PriceMicro // price-improvement accrues to the aggressor
	total := types.MicroUSD(int64(price) * lots)
	fee := types.MicroUSD(int64(float64(int64(total)) * cfg.FeeRate))
	proceeds := total - fee

	return types.Match{
		ID:                  id,
		BidOrderID:          bidOrder.ID,
		AskOrderID:          askOrder.ID,
		BuyerWallet:         bidOrder.Wallet,
		SellerWallet:        askOrder.Wallet,
		PriceMicro:          price,
		Lots:                lots,
		TotalMicro:          total,
		FeeMicro:            fee,
		SellerProceedsMicro: proceeds,
		Settlement: types.SettlementInstruction{
			CreditsToTransfer: lots * cfg.LotSize,
			USDCToSeller:      proceeds,
			USDCFee:           fee,
		},
		MatchedAt: now,
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// CancelOrder removes orderID from pair's book and starts a relist
// cooldown for its (wallet, side, price) tuple.
func (e *Engine) CancelOrder(ctx context.Context, pair, orderID string) (*types.Order, error) {
	be := e.bookFor(pair)
	be.mu.Lock()
	o, ok := be.book.Remove(orderID)
	be.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("marketplace: order %s not found", orderID)
	}
	o.Status = types.OrderCancelled
	o.UpdatedAt = e.clk.Now()

	if err := e.store.Set(ctx, relistKey(o.Wallet, o.Side, o.PriceMicro), "1", e.cfg.RelistCooldown); err != nil {
		e.logger.Warn("failed to set relist cooldown", "wallet", o.Wallet, "error", err)
	}
	return o, nil
}
