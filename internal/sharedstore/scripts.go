package sharedstore

// Registered scripts. Real Redis evaluates the Lua text; MemStore dispatches
// on the script's identity (it is never interpreted as Lua) — both paths are
// driven by the same constants so callers never inline script bodies.

// ScriptWALLockAcquire attempts to acquire the WAL writer lock and returns a
// freshly incremented fencing token in the same round trip.
// KEYS[1] = wal:writer:lock, KEYS[2] = wal:writer:fence
// ARGV[1] = instance id, ARGV[2] = lock ttl seconds
// Returns {acquired(0/1), fence_token}.
const ScriptWALLockAcquire = `
local lock_key = KEYS[1]
local fence_key = KEYS[2]
local instance_id = ARGV[1]
local ttl = tonumber(ARGV[2])
local acquired = redis.call('SET', lock_key, instance_id, 'NX', 'EX', ttl)
local fence = redis.call('INCR', fence_key)
if acquired then
  return {1, fence}
end
local holder = redis.call('GET', lock_key)
if holder == instance_id then
  redis.call('EXPIRE', lock_key, ttl)
  return {1, fence}
end
return {0, fence}
`

// ScriptWALLockRelease releases the WAL writer lock only if still held by
// the calling instance. KEYS[1] = wal:writer:lock, ARGV[1] = instance id.
const ScriptWALLockRelease = `
local lock_key = KEYS[1]
local instance_id = ARGV[1]
if redis.call('GET', lock_key) == instance_id then
  return redis.call('DEL', lock_key)
end
return 0
`

// ScriptCreditReserve atomically moves n units from one balance field to
// another within a single account hash, refusing the move if the source
// balance is insufficient. KEYS[1] = credits:{account}:balance
// ARGV[1] = source field, ARGV[2] = dest field, ARGV[3] = n.
// Idempotency is enforced by the caller (an LRU keyed on the caller's
// idempotency token) rather than inside the script.
// Returns {ok(0/1), source_after, dest_after}.
const ScriptCreditReserve = `
local bal_key = KEYS[1]
local src = ARGV[1]
local dst = ARGV[2]
local n = tonumber(ARGV[3])
local have = tonumber(redis.call('HGET', bal_key, src) or '0')
if have < n then
  return {0, have, 0}
end
redis.call('HINCRBY', bal_key, src, -n)
local dst_after = redis.call('HINCRBY', bal_key, dst, n)
return {1, have - n, dst_after}
`

// ScriptCreditNoteIssue checks a per-wallet daily cap before persisting a
// credit note, rejecting before any mutation if the cap would be exceeded.
// KEYS[1] = cn:wallet:{wallet}:daily, KEYS[2] = cn:note:{id}
// ARGV[1] = amount_micro, ARGV[2] = cap_micro, ARGV[3] = window_seconds,
// ARGV[4] = note_payload_json.
// Returns {ok(0/1), daily_total_after}.
const ScriptCreditNoteIssue = `
local daily_key = KEYS[1]
local note_key = KEYS[2]
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local payload = ARGV[4]
local current = tonumber(redis.call('GET', daily_key) or '0')
if current + amount > cap then
  return {0, current}
end
local after = redis.call('INCRBY', daily_key, amount)
redis.call('EXPIRE', daily_key, window)
redis.call('SET', note_key, payload)
return {1, after}
`

// ScriptUSDCTransfer debits a buyer's USDC balance by total_micro and
// credits the seller's balance and a fee sink, refusing without mutation
// if the buyer is short. KEYS[1] = marketplace:usdc:{buyer}
// KEYS[2] = marketplace:usdc:{seller}, KEYS[3] = marketplace:usdc:fees
// ARGV[1] = total_micro, ARGV[2] = fee_micro.
// Returns {ok(0/1), buyer_balance_after}.
const ScriptUSDCTransfer = `
local buyer_key = KEYS[1]
local seller_key = KEYS[2]
local fee_key = KEYS[3]
local total = tonumber(ARGV[1])
local fee = tonumber(ARGV[2])
local have = tonumber(redis.call('GET', buyer_key) or '0')
if have < total then
  return {0, have}
end
redis.call('INCRBY', buyer_key, -total)
redis.call('INCRBY', seller_key, total - fee)
redis.call('INCRBY', fee_key, fee)
return {1, have - total}
`

// ScriptMarketplaceSettle applies every balance movement one match
// settlement touches — buyer USDC debit, seller USDC credit, fee sink
// credit, buyer credits-available increment, seller credits-escrowed
// decrement — as a single round trip, so a retried settlement can never
// apply half the movements. KEYS[1] holds a per-match marker: once the
// script commits it stores the caller's result payload there, and any
// later call with the same KEYS[1] returns that stored payload instead of
// mutating again, making the whole step idempotent across crash-and-retry
// rather than just atomic.
// KEYS[1] = marketplace:settled:{match_id}
// KEYS[2] = marketplace:usdc:{buyer}, KEYS[3] = marketplace:usdc:{seller}
// KEYS[4] = marketplace:usdc:fees
// KEYS[5] = marketplace:credits:{buyer}, KEYS[6] = marketplace:credits:{seller}
// ARGV[1] = total_micro, ARGV[2] = fee_micro, ARGV[3] = credits_to_transfer
// ARGV[4] = settle_result_json, stored verbatim at KEYS[1] on first commit.
// Returns {0, buyer_balance_after} if the buyer is short (no mutation),
// {1, settle_result_json} on first commit, or {2, settle_result_json} if
// KEYS[1] already held a result from an earlier call (no mutation).
const ScriptMarketplaceSettle = `
local marker_key = KEYS[1]
local buyer_key = KEYS[2]
local seller_key = KEYS[3]
local fee_key = KEYS[4]
local buyer_credits_key = KEYS[5]
local seller_credits_key = KEYS[6]

local existing = redis.call('GET', marker_key)
if existing then
  return {2, existing}
end

local total = tonumber(ARGV[1])
local fee = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local payload = ARGV[4]

local have = tonumber(redis.call('GET', buyer_key) or '0')
if have < total then
  return {0, tostring(have)}
end

redis.call('INCRBY', buyer_key, -total)
redis.call('INCRBY', seller_key, total - fee)
redis.call('INCRBY', fee_key, fee)
redis.call('HINCRBY', buyer_credits_key, 'available', n)
redis.call('HINCRBY', seller_credits_key, 'escrowed', -n)
redis.call('SET', marker_key, payload)

return {1, payload}
`
