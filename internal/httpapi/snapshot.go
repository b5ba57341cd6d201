package httpapi

import (
	"gateway/internal/clock"
	"gateway/internal/config"
)

// SnapshotProvider supplies the live state BuildSnapshot assembles into a
// DashboardSnapshot. Implementations live in cmd/gateway, thin adapters
// over the billing machine, credit ledger, marketplace engine and WAL
// writer the process actually runs, the way the teacher's bot satisfies
// MarketSnapshotProvider over its own running markets.
type SnapshotProvider interface {
	AccountSummaries() []AccountSummary
	OrderBookSummaries() []OrderBookSummary
	WALStatus() WALStatusInfo
}

// EventSource is satisfied by providers that also expose a live event
// feed for the hub to relay, mirroring the teacher's type-asserted
// DashboardEvents() method on its bot.
type EventSource interface {
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from provider into a DashboardSnapshot.
func BuildSnapshot(provider SnapshotProvider, cfg config.Config, clk clock.Clock) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp:  clk.Now(),
		Accounts:   provider.AccountSummaries(),
		OrderBooks: provider.OrderBookSummaries(),
		WAL:        provider.WALStatus(),
		Config:     NewConfigSummary(cfg),
	}
}
