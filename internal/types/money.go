// Package types defines the shared data structures for the billing and
// credit core: money, billing entries, WAL/event envelopes, credit
// accounts, and marketplace orders. It has no dependencies on internal
// packages so it can be imported from any layer.
package types

import (
	"fmt"
	"strconv"
)

// MicroUSD is a non-negative count of micro-USD (1 USD = 1,000,000 micro-USD).
// It is a 64-bit integer internally and serializes to the wire as a decimal
// string so it survives 53-bit float JSON limits in other languages' clients.
type MicroUSD int64

// ParseMicroUSD parses a decimal string into MicroUSD.
func ParseMicroUSD(s string) (MicroUSD, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse micro-usd %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("micro-usd must be non-negative, got %d", v)
	}
	return MicroUSD(v), nil
}

func (m MicroUSD) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// MarshalJSON renders MicroUSD as a JSON string.
func (m MicroUSD) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number for
// compatibility with callers that haven't adopted the string convention.
func (m *MicroUSD) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("unquote micro-usd: %w", err)
		}
		s = unquoted
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse micro-usd %q: %w", s, err)
	}
	*m = MicroUSD(v)
	return nil
}

// CostAccumulator carries a per-account fractional micro-USD remainder
// forward across cost computations so that
// sum(floor(partial_costs)) + carried_remainder == floor(total_cost)
// within ≤1 micro-USD drift over many operations.
//
// tokens * pricePerMillion is computed in integer micro-USD-per-token
// units scaled by 1e6 to preserve precision; the leftover numerator is
// carried to the next call for the same account.
type CostAccumulator struct {
	remainder map[string]int64 // accountID -> carried numerator (scaled)
}

// NewCostAccumulator creates an empty accumulator.
func NewCostAccumulator() *CostAccumulator {
	return &CostAccumulator{remainder: make(map[string]int64)}
}

// Compute returns the floored micro-USD cost of `tokens` tokens priced at
// `pricePerMillion` micro-USD per 1,000,000 tokens, carrying the
// fractional remainder forward for `account`.
func (c *CostAccumulator) Compute(account string, tokens int64, pricePerMillion MicroUSD) MicroUSD {
	numerator := tokens*int64(pricePerMillion) + c.remainder[account]
	cost := numerator / 1_000_000
	c.remainder[account] = numerator % 1_000_000
	if cost < 0 {
		cost = 0
	}
	return MicroUSD(cost)
}

// Remainder returns the currently carried remainder for an account (for
// diagnostics/tests).
func (c *CostAccumulator) Remainder(account string) int64 {
	return c.remainder[account]
}
