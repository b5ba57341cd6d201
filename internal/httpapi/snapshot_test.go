package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gateway/internal/clock"
	"gateway/internal/config"
)

type fakeProvider struct {
	accounts   []AccountSummary
	orderBooks []OrderBookSummary
	wal        WALStatusInfo
	events     chan DashboardEvent
}

func (f *fakeProvider) AccountSummaries() []AccountSummary     { return f.accounts }
func (f *fakeProvider) OrderBookSummaries() []OrderBookSummary { return f.orderBooks }
func (f *fakeProvider) WALStatus() WALStatusInfo               { return f.wal }
func (f *fakeProvider) DashboardEvents() <-chan DashboardEvent { return f.events }

func testConfig() config.Config {
	return config.Config{
		WAL:         config.WALConfig{InstanceID: "gw-test-1"},
		Billing:     config.BillingConfig{LockTTL: 30 * time.Second},
		Credit:      config.CreditConfig{DailyCreditNoteCapMicro: 50_000_000},
		Marketplace: config.MarketplaceConfig{LotSize: 100, FeeRateBps: 100, MaxOrdersPerHour: 60, RelistCooldown: 30 * time.Second},
		Facilitator: config.FacilitatorConfig{ChainID: 137, Timeout: 10 * time.Second},
		Logging:     config.LoggingConfig{Level: "info"},
		Dashboard:   config.DashboardConfig{Port: 8090},
	}
}

func TestBuildSnapshotAggregatesProvider(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		accounts: []AccountSummary{
			{AccountID: "acct-1", InitialAllocation: 1000, Balances: map[string]int64{"ALLOCATED": 1000}, ConservationHolds: true},
		},
		orderBooks: []OrderBookSummary{
			{Pair: "credits-usdc", BestBidMicro: 1000, BestAskMicro: 1500, BidDepthLots: 7, AskDepthLots: 5},
		},
		wal: WALStatusInfo{Sequence: 42, ActiveSegment: "seg-1", SegmentCount: 1, FenceHeld: true},
	}
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))

	snap := BuildSnapshot(provider, testConfig(), clk)

	if len(snap.Accounts) != 1 || snap.Accounts[0].AccountID != "acct-1" {
		t.Fatalf("unexpected accounts: %+v", snap.Accounts)
	}
	if len(snap.OrderBooks) != 1 || snap.OrderBooks[0].Pair != "credits-usdc" {
		t.Fatalf("unexpected order books: %+v", snap.OrderBooks)
	}
	if snap.WAL.Sequence != 42 || !snap.WAL.FenceHeld {
		t.Fatalf("unexpected wal status: %+v", snap.WAL)
	}
	if snap.Config.WALInstanceID != "gw-test-1" {
		t.Fatalf("unexpected config summary: %+v", snap.Config)
	}
	if !snap.Timestamp.Equal(clk.Now()) {
		t.Fatalf("Timestamp = %v, want %v", snap.Timestamp, clk.Now())
	}
}

func TestHandleHealthReturnsOK(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	h := NewHandlers(provider, testConfig(), NewHub(discardLogger()), clk, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSnapshotReturnsCurrentState(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		accounts: []AccountSummary{{AccountID: "acct-1"}},
		wal:      WALStatusInfo{Sequence: 7},
	}
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	h := NewHandlers(provider, testConfig(), NewHub(discardLogger()), clk, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Accounts) != 1 || snap.Accounts[0].AccountID != "acct-1" {
		t.Fatalf("unexpected accounts in response: %+v", snap.Accounts)
	}
	if snap.WAL.Sequence != 7 {
		t.Fatalf("unexpected wal sequence: %d", snap.WAL.Sequence)
	}
}
