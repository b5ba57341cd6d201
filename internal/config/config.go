// Package config defines all configuration for the inference gateway's
// billing, credit, and marketplace core. Config is loaded from a YAML
// file (default: configs/config.yaml) with sensitive fields overridable
// via GW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	WAL         WALConfig         `mapstructure:"wal"`
	EventStream EventStreamConfig `mapstructure:"event_stream"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Credit      CreditConfig      `mapstructure:"credit"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
}

// WALConfig controls the write-ahead log writer.
type WALConfig struct {
	Dir             string        `mapstructure:"dir"`
	MaxSegmentBytes int64         `mapstructure:"max_segment_bytes"`
	InstanceID      string        `mapstructure:"instance_id"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	FenceCheckEvery time.Duration `mapstructure:"fence_check_every"`
}

// EventStreamConfig controls the append-only event-stream segments.
type EventStreamConfig struct {
	Dir             string `mapstructure:"dir"`
	MaxSegmentBytes int64  `mapstructure:"max_segment_bytes"`
}

// RedisConfig points at the shared-store instance backing locks, hot
// balances, rate limiters, and idempotency keys.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BillingConfig tunes the reserve/commit/finalize/void state machine.
type BillingConfig struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// CreditConfig tunes the credit sub-ledger and compensation path.
//
//   - DailyCreditNoteCapMicro: the per-wallet daily cap (in micro-USD) on
//     compensation credit notes issued via Issue. The running total resets
//     24 hours after the wallet's most recent accepted note.
type CreditConfig struct {
	DailyCreditNoteCapMicro int64 `mapstructure:"daily_credit_note_cap_micro"`
}

// MarketplaceConfig tunes the order book's anti-abuse validation
// pipeline and the lot/fee economics of a trade.
//
//   - MinOrderLots: smallest order accepted, below which ORDER_TOO_SMALL fires.
//   - LotSize: credit units per lot.
//   - FeeRateBps: trade fee in basis points of total_micro, floored per trade.
//   - MaxOrdersPerHour: sliding-window cap before RATE_LIMITED fires.
//   - RateLimitWindow: width of the sliding window.
//   - RelistCooldown: TTL of the (wallet, side, price) cooldown key set on cancel.
type MarketplaceConfig struct {
	MinOrderLots     int64         `mapstructure:"min_order_lots"`
	LotSize          int64         `mapstructure:"lot_size"`
	FeeRateBps       int           `mapstructure:"fee_rate_bps"`
	MaxOrdersPerHour int64         `mapstructure:"max_orders_per_hour"`
	RateLimitWindow  time.Duration `mapstructure:"rate_limit_window"`
	RelistCooldown   time.Duration `mapstructure:"relist_cooldown"`
}

// FacilitatorConfig holds the wallet and endpoint used to sign and
// submit x402 payment authorizations.
//
//   - PrivateKey: signs EIP-712 payment authorizations.
//   - SubmitURL: the facilitator's receipt-issuing endpoint.
//   - ChainID: the EVM chain the authorization is scoped to.
//   - Timeout: HTTP client timeout for Submit calls.
//   - AllowDirectSubmitFallback: if the facilitator call fails (transport
//     error or non-200 status), submit the signed authorization directly
//     instead of failing the request.
type FacilitatorConfig struct {
	PrivateKey                string        `mapstructure:"private_key"`
	SubmitURL                 string        `mapstructure:"submit_url"`
	ChainID                   int64         `mapstructure:"chain_id"`
	Timeout                   time.Duration `mapstructure:"timeout"`
	AllowDirectSubmitFallback bool          `mapstructure:"allow_direct_submit_fallback"`
}

// LoggingConfig controls the structured logger's level and wire format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the optional snapshot/websocket dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GW_FACILITATOR_PRIVATE_KEY, GW_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GW_FACILITATOR_PRIVATE_KEY"); key != "" {
		cfg.Facilitator.PrivateKey = key
	}
	if pass := os.Getenv("GW_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.WAL.MaxSegmentBytes <= 0 {
		return fmt.Errorf("wal.max_segment_bytes must be > 0")
	}
	if c.WAL.InstanceID == "" {
		return fmt.Errorf("wal.instance_id is required")
	}
	if c.EventStream.Dir == "" {
		return fmt.Errorf("event_stream.dir is required")
	}
	if c.EventStream.MaxSegmentBytes <= 0 {
		return fmt.Errorf("event_stream.max_segment_bytes must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Billing.LockTTL <= 0 {
		return fmt.Errorf("billing.lock_ttl must be > 0")
	}
	if c.Credit.DailyCreditNoteCapMicro <= 0 {
		return fmt.Errorf("credit.daily_credit_note_cap_micro must be > 0")
	}
	if c.Marketplace.MinOrderLots <= 0 {
		return fmt.Errorf("marketplace.min_order_lots must be > 0")
	}
	if c.Marketplace.LotSize <= 0 {
		return fmt.Errorf("marketplace.lot_size must be > 0")
	}
	if c.Marketplace.MaxOrdersPerHour <= 0 {
		return fmt.Errorf("marketplace.max_orders_per_hour must be > 0")
	}
	if c.Marketplace.RateLimitWindow <= 0 {
		return fmt.Errorf("marketplace.rate_limit_window must be > 0")
	}
	if c.Facilitator.SubmitURL == "" {
		return fmt.Errorf("facilitator.submit_url is required")
	}
	if c.Facilitator.ChainID == 0 {
		return fmt.Errorf("facilitator.chain_id is required")
	}
	return nil
}
