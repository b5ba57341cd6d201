// Package billingerr defines the sentinel error kinds shared across the
// billing state machine, credit ledger, WAL, and marketplace packages.
// Callers compare with errors.Is; wrapped detail is added with fmt.Errorf
// at the point the error is raised.
package billingerr

import "errors"

// Invariant violations: fatal, require operator intervention.
var (
	ErrConservationBroken = errors.New("conservation_broken")
	ErrStaleFence         = errors.New("stale_fence")
	ErrInvalidState       = errors.New("invalid_state")
)

// Contention: transient, caller retries or treats as already-done.
var (
	ErrLockContention   = errors.New("lock_contention")
	ErrIdempotencyReplay = errors.New("idempotency_replay")
)

// Preconditions: caller-visible, no mutation occurred.
var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInsufficientUSDC    = errors.New("insufficient_usdc")
	ErrEscrowInsufficient  = errors.New("escrow_insufficient")
	ErrCapExceeded         = errors.New("cap_exceeded")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrOrderTooSmall       = errors.New("order_too_small")
	ErrRateLimited         = errors.New("rate_limited")
	ErrSelfTrade           = errors.New("self_trade")
	ErrRelistCooldown      = errors.New("relist_cooldown")
	ErrCorrelationMismatch = errors.New("correlation_mismatch")
)

// External failures: caller-visible, underlying cause preserved by the wrapper.
var (
	ErrFacilitatorTimeout     = errors.New("facilitator_timeout")
	ErrDirectSubmitFailed     = errors.New("direct_submit_failed")
	ErrSharedStoreUnavailable = errors.New("shared_store_unavailable")
)

// Corruption: non-fatal during replay; entry skipped with a warning.
var (
	ErrCRCMismatch = errors.New("crc_mismatch")
	ErrTornWrite   = errors.New("torn_write")
)

// Other caller-visible conditions surfaced at component boundaries.
var (
	ErrUnknownStream  = errors.New("unknown_stream")
	ErrWriterClosed   = errors.New("writer_closed")
	ErrAccountExists  = errors.New("account_exists")
	ErrAccountMissing = errors.New("account_missing")
	ErrOnlyAskEscrow  = errors.New("only_ask_orders_require_escrow")
)
