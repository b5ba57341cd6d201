package types

import (
	"math/rand"
	"testing"
)

func TestCostAccumulatorNoDrift(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	acc := NewCostAccumulator()

	var totalTokens int64
	var pricePerMillion MicroUSD = 1_500 // $0.0015 per million tokens, in micro-USD per million tokens
	var totalCost MicroUSD

	const rounds = 10_000
	for i := 0; i < rounds; i++ {
		tokens := rng.Int63n(50_000) + 1
		totalTokens += tokens
		totalCost += acc.Compute("acct-1", tokens, pricePerMillion)
	}

	exact := totalTokens * int64(pricePerMillion)
	floored := MicroUSD(exact / 1_000_000)
	remainder := exact % 1_000_000

	if totalCost != floored {
		t.Fatalf("accumulated cost %d does not match floor(exact total) %d", totalCost, floored)
	}
	if acc.Remainder("acct-1") != remainder {
		t.Fatalf("carried remainder %d does not match exact leftover %d", acc.Remainder("acct-1"), remainder)
	}
	// The accumulator must never have discarded more than one unit's worth
	// of fractional cost across the whole run: its carried remainder is
	// always in [0, 1_000_000).
	if acc.Remainder("acct-1") < 0 || acc.Remainder("acct-1") >= 1_000_000 {
		t.Fatalf("remainder %d out of [0, 1_000_000) range", acc.Remainder("acct-1"))
	}
}

func TestCostAccumulatorPerAccountIsolation(t *testing.T) {
	t.Parallel()

	acc := NewCostAccumulator()
	acc.Compute("a", 7, 333_333) // 2,333,331 / 1,000,000 leaves a nonzero remainder on "a"
	if r := acc.Remainder("a"); r == 0 {
		t.Fatalf("expected a nonzero remainder on account a")
	}
	if r := acc.Remainder("b"); r != 0 {
		t.Fatalf("account b should start with a zero remainder, got %d", r)
	}
}
