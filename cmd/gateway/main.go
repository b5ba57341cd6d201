// Command gateway runs the inference gateway's billing, credit, and
// marketplace core as a long-lived process.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires every
//	                             component, waits for SIGINT/SIGTERM
//	internal/wal              — write-ahead log: durable, fenced,
//	                             single-writer-per-instance event order
//	internal/eventstream      — append-only billing/credit (and other
//	                             registered) event feeds, independent of the WAL
//	internal/billing          — reserve/commit/finalize/void state machine
//	internal/creditledger     — five-balance conservation sub-ledger
//	internal/creditnote       — capped compensation-credit issuance
//	internal/marketplace      — price-time priority order book, anti-abuse
//	                             pipeline, escrow-backed settlement
//	internal/facilitator      — EIP-712 signing + x402 payment submission
//	internal/httpapi          — health/snapshot/websocket dashboard surface
//
// Routing, authentication, and the inference call path itself are out of
// scope here; this process wires the money-movement core and exposes it
// for an inference gateway process to call into directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gateway/internal/billing"
	"gateway/internal/clock"
	"gateway/internal/config"
	"gateway/internal/creditledger"
	"gateway/internal/creditnote"
	"gateway/internal/eventstream"
	"gateway/internal/facilitator"
	"gateway/internal/httpapi"
	"gateway/internal/idgen"
	"gateway/internal/marketplace"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
	"gateway/internal/wal"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	clk := clock.Real{}
	ids := idgen.New(clk)
	store := sharedstore.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	walWriter, err := wal.Open(ctx, cfg.WAL.Dir, cfg.WAL.MaxSegmentBytes, store, clk, ids, cfg.WAL.InstanceID, logger)
	cancel()
	if err != nil {
		logger.Error("failed to open wal", "error", err)
		os.Exit(1)
	}

	events := eventstream.NewStore(cfg.EventStream.Dir, cfg.EventStream.MaxSegmentBytes, clk, ids, logger)

	billingMachine := billing.New(walWriter, events, store, ids, clk, logger)
	ledger := creditledger.New(store, events, clk, logger)
	noteIssuer := creditnote.New(store, ledger, events, ids, clk, logger, types.MicroUSD(cfg.Credit.DailyCreditNoteCapMicro))

	marketCfg := marketplace.Config{
		MinOrderLots:     cfg.Marketplace.MinOrderLots,
		LotSize:          cfg.Marketplace.LotSize,
		FeeRate:          float64(cfg.Marketplace.FeeRateBps) / 10_000.0,
		MaxOrdersPerHour: cfg.Marketplace.MaxOrdersPerHour,
		RateLimitWindow:  cfg.Marketplace.RateLimitWindow,
		RelistCooldown:   cfg.Marketplace.RelistCooldown,
	}
	engine := marketplace.New(marketCfg, store, ids, clk, logger)
	settlement := marketplace.NewSettlement(store, ids, clk, logger)
	engine.WithSettlement(settlement)

	var facilitatorClient *facilitator.Client
	var signer *facilitator.Signer
	if cfg.Facilitator.PrivateKey != "" {
		facilitatorClient = facilitator.New(cfg.Facilitator, clk, logger)
		signer, err = facilitator.NewSigner(cfg.Facilitator.PrivateKey, cfg.Facilitator.ChainID)
		if err != nil {
			logger.Error("failed to build facilitator signer", "error", err)
			os.Exit(1)
		}
	}

	components := &gatewayComponents{
		billingMachine: billingMachine,
		ledger:         ledger,
		noteIssuer:     noteIssuer,
		engine:         engine,
		settlement:     settlement,
		facilitator:    facilitatorClient,
		signer:         signer,
	}

	var dashboard *httpapi.Server
	var stopWALStatusTicker chan struct{}
	if cfg.Dashboard.Enabled {
		provider := newDashboardProvider(components.billingMachine, components.ledger, components.engine, components.settlement, walWriter, logger)
		dashboard = httpapi.NewServer(cfg.Dashboard, provider, *cfg, clk, logger)
		go func() {
			if err := dashboard.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))

		stopWALStatusTicker = make(chan struct{})
		go broadcastWALStatusPeriodically(dashboard, walWriter, billingMachine, logger, stopWALStatusTicker)
	}

	logger.Info("gateway started",
		"wal_instance_id", cfg.WAL.InstanceID,
		"redis_addr", cfg.Redis.Addr,
		"dashboard_enabled", cfg.Dashboard.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if dashboard != nil {
		close(stopWALStatusTicker)
		if err := dashboard.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	if err := events.Close(); err != nil {
		logger.Error("failed to close event stream", "error", err)
	}
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := walWriter.Release(releaseCtx); err != nil {
		logger.Error("failed to release wal writer lock", "error", err)
	}
	releaseCancel()
	if err := store.Close(); err != nil {
		logger.Error("failed to close shared store", "error", err)
	}
}

// broadcastWALStatusPeriodically pushes a wal_status snapshot event to the
// dashboard every 5 seconds until stop is closed.
func broadcastWALStatusPeriodically(dashboard *httpapi.Server, walWriter *wal.Writer, billingMachine *billing.Machine, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status, err := walWriter.Status()
			if err != nil {
				logger.Warn("dashboard: failed to read wal status", "error", err)
				continue
			}
			dashboard.BroadcastWALStatus(httpapi.WALStatusInfo{
				Sequence:      status.Sequence,
				ActiveSegment: status.ActiveSegment,
				SegmentCount:  status.SegmentCount,
				FenceHeld:     !billingMachine.FenceStatus(),
			})
		case <-stop:
			return
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
