package main

import (
	"context"
	"log/slog"

	"gateway/internal/billing"
	"gateway/internal/creditledger"
	"gateway/internal/httpapi"
	"gateway/internal/marketplace"
	"gateway/internal/wal"
)

// dashboardProvider adapts the billing machine, credit ledger,
// marketplace engine and WAL writer this process runs into
// httpapi.SnapshotProvider, the way the teacher's bot engine satisfies
// MarketSnapshotProvider over its own running markets.
type dashboardProvider struct {
	billingMachine *billing.Machine
	ledger         *creditledger.Ledger
	engine         *marketplace.Engine
	settlement     *marketplace.Settlement
	walWriter      *wal.Writer
	logger         *slog.Logger

	dashboardEvents chan httpapi.DashboardEvent
}

// newDashboardProvider wires p up to satisfy httpapi.EventSource: it enables
// the billing machine's and credit ledger's dashboard feeds and fans both
// into one channel for the dashboard server to consume.
func newDashboardProvider(billingMachine *billing.Machine, ledger *creditledger.Ledger, engine *marketplace.Engine, settlement *marketplace.Settlement, walWriter *wal.Writer, logger *slog.Logger) *dashboardProvider {
	p := &dashboardProvider{
		billingMachine:  billingMachine,
		ledger:          ledger,
		engine:          engine,
		settlement:      settlement,
		walWriter:       walWriter,
		logger:          logger,
		dashboardEvents: make(chan httpapi.DashboardEvent, 200),
	}

	billingEvents := billingMachine.EnableDashboardEvents()
	creditEvents := ledger.EnableDashboardEvents()
	go p.fanIn(billingEvents)
	go p.fanIn(creditEvents)

	return p
}

// fanIn relays every event from src onto p.dashboardEvents until src closes.
func (p *dashboardProvider) fanIn(src <-chan httpapi.DashboardEvent) {
	for evt := range src {
		select {
		case p.dashboardEvents <- evt:
		default:
			p.logger.Warn("dashboard: dropped event, consumer too slow", "type", evt.Type)
		}
	}
}

// DashboardEvents satisfies httpapi.EventSource.
func (p *dashboardProvider) DashboardEvents() <-chan httpapi.DashboardEvent {
	return p.dashboardEvents
}

func (p *dashboardProvider) AccountSummaries() []httpapi.AccountSummary {
	ctx := context.Background()
	accounts := p.ledger.TrackedAccounts()
	out := make([]httpapi.AccountSummary, 0, len(accounts))
	for _, id := range accounts {
		account, err := p.ledger.GetAccount(ctx, id)
		if err != nil {
			p.logger.Warn("dashboard: failed to load account", "account", id, "error", err)
			continue
		}
		balances := make(map[string]int64, len(account.Balances))
		for k, v := range account.Balances {
			balances[string(k)] = v
		}
		out = append(out, httpapi.AccountSummary{
			AccountID:         account.AccountID,
			InitialAllocation: account.InitialAllocation,
			Balances:          balances,
			ConservationHolds: account.ConservationHolds(),
		})
	}
	return out
}

func (p *dashboardProvider) OrderBookSummaries() []httpapi.OrderBookSummary {
	selfTrades := p.engine.SelfTradesPrevented()
	pairs := p.engine.Pairs()
	out := make([]httpapi.OrderBookSummary, 0, len(pairs))
	for _, pair := range pairs {
		summary, ok := p.engine.BookSummary(pair)
		if !ok {
			continue
		}
		out = append(out, httpapi.OrderBookSummary{
			Pair:                pair,
			BestBidMicro:        int64(summary.BestBidMicro),
			BestAskMicro:        int64(summary.BestAskMicro),
			BidDepthLots:        summary.BidDepthLots,
			AskDepthLots:        summary.AskDepthLots,
			SelfTradesPrevented: selfTrades,
		})
	}
	return out
}

func (p *dashboardProvider) WALStatus() httpapi.WALStatusInfo {
	if p.walWriter == nil {
		return httpapi.WALStatusInfo{}
	}
	status, err := p.walWriter.Status()
	if err != nil {
		p.logger.Warn("dashboard: failed to read wal status", "error", err)
		return httpapi.WALStatusInfo{}
	}
	return httpapi.WALStatusInfo{
		Sequence:      status.Sequence,
		ActiveSegment: status.ActiveSegment,
		SegmentCount:  status.SegmentCount,
		FenceHeld:     !p.billingMachine.FenceStatus(),
	}
}
