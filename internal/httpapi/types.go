package httpapi

import (
	"time"

	"gateway/internal/config"
)

// DashboardSnapshot represents the complete dashboard state: one entry
// per tracked credit account, one per active trading pair's order book,
// and the durability status of the WAL writer backing the whole thing.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Accounts   []AccountSummary   `json:"accounts"`
	OrderBooks []OrderBookSummary `json:"order_books"`
	WAL        WALStatusInfo      `json:"wal"`
	Config     ConfigSummary      `json:"config"`
}

// AccountSummary is the conservation-relevant view of one credit account.
type AccountSummary struct {
	AccountID         string           `json:"account_id"`
	InitialAllocation int64            `json:"initial_allocation"`
	Balances          map[string]int64 `json:"balances"`
	ConservationHolds bool             `json:"conservation_holds"`
}

// OrderBookSummary is the top-of-book view of one trading pair.
type OrderBookSummary struct {
	Pair                string `json:"pair"`
	BestBidMicro        int64  `json:"best_bid_micro,omitempty"`
	BestAskMicro        int64  `json:"best_ask_micro,omitempty"`
	BidDepthLots        int64  `json:"bid_depth_lots"`
	AskDepthLots        int64  `json:"ask_depth_lots"`
	SelfTradesPrevented int64  `json:"self_trades_prevented"`
}

// WALStatusInfo mirrors wal.Status plus the fence-liveness bit exposed by
// the billing machine.
type WALStatusInfo struct {
	Sequence      int64  `json:"sequence"`
	ActiveSegment string `json:"active_segment"`
	SegmentCount  int    `json:"segment_count"`
	FenceHeld     bool   `json:"fence_held"`
}

// ConfigSummary surfaces the tuning knobs an operator watching the
// dashboard cares about, leaving out secrets (private keys, passwords).
type ConfigSummary struct {
	WALInstanceID    string `json:"wal_instance_id"`
	BillingLockTTL   string `json:"billing_lock_ttl"`
	CreditDailyCapMicro int64 `json:"credit_daily_cap_micro"`

	MarketplaceLotSize          int64  `json:"marketplace_lot_size"`
	MarketplaceFeeRateBps       int    `json:"marketplace_fee_rate_bps"`
	MarketplaceMaxOrdersPerHour int64  `json:"marketplace_max_orders_per_hour"`
	MarketplaceRelistCooldown   string `json:"marketplace_relist_cooldown"`

	FacilitatorChainID  int64  `json:"facilitator_chain_id"`
	FacilitatorTimeout  string `json:"facilitator_timeout"`
	FacilitatorFallback bool   `json:"facilitator_direct_submit_fallback"`

	LoggingLevel string `json:"logging_level"`
}

// NewConfigSummary builds a ConfigSummary from the full config, the way
// the teacher's NewConfigSummary strips a running bot's config down to
// its dashboard-safe fields.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		WALInstanceID:       cfg.WAL.InstanceID,
		BillingLockTTL:      cfg.Billing.LockTTL.String(),
		CreditDailyCapMicro: cfg.Credit.DailyCreditNoteCapMicro,

		MarketplaceLotSize:          cfg.Marketplace.LotSize,
		MarketplaceFeeRateBps:       cfg.Marketplace.FeeRateBps,
		MarketplaceMaxOrdersPerHour: cfg.Marketplace.MaxOrdersPerHour,
		MarketplaceRelistCooldown:   cfg.Marketplace.RelistCooldown.String(),

		FacilitatorChainID:  cfg.Facilitator.ChainID,
		FacilitatorTimeout:  cfg.Facilitator.Timeout.String(),
		FacilitatorFallback: cfg.Facilitator.AllowDirectSubmitFallback,

		LoggingLevel: cfg.Logging.Level,
	}
}
