package sharedstore

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"context"

	"gateway/internal/clock"
)

// MemStore is an in-process fake of Store for tests, following the
// fakeredis idiom: real data structures, real TTL semantics, but driven by
// an injected clock instead of wall time and with EVAL dispatched by
// script identity rather than interpreted as Lua.
type MemStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time
}

// NewMemStore creates an empty MemStore driven by clk.
func NewMemStore(clk clock.Clock) *MemStore {
	return &MemStore{
		clock:   clk,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
	}
}

func (s *MemStore) expired(key string) bool {
	t, ok := s.expiry[key]
	if !ok {
		return false
	}
	return !s.clock.Now().Before(t)
}

// evict removes a key from whichever structure holds it if its TTL has
// passed. Must be called with mu held.
func (s *MemStore) evict(key string) {
	if !s.expired(key) {
		return
	}
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expiry, key)
}

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	s.setTTL(key, ttl)
	return nil
}

func (s *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	if _, ok := s.strings[key]; ok {
		return false, nil
	}
	s.strings[key] = value
	s.setTTL(key, ttl)
	return true, nil
}

func (s *MemStore) setTTL(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(s.expiry, key)
		return
	}
	s.expiry[key] = s.clock.Now().Add(ttl)
}

func (s *MemStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		s.evict(k)
		_, inStr := s.strings[k]
		_, inHash := s.hashes[k]
		_, inZ := s.zsets[k]
		if inStr || inHash || inZ {
			n++
		}
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.zsets, k)
		delete(s.expiry, k)
	}
	return n, nil
}

func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	_, inStr := s.strings[key]
	_, inHash := s.hashes[key]
	_, inZ := s.zsets[key]
	return inStr || inHash || inZ, nil
}

func (s *MemStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	cur, _ := strconv.ParseInt(s.strings[key], 10, 64)
	cur += delta
	s.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemStore) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	cur, _ := strconv.ParseFloat(s.strings[key], 64)
	cur += delta
	s.strings[key] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	_, inStr := s.strings[key]
	_, inHash := s.hashes[key]
	_, inZ := s.zsets[key]
	if !inStr && !inHash && !inZ {
		return false, nil
	}
	s.setTTL(key, ttl)
	return true, nil
}

func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemStore) ZAdd(_ context.Context, key string, score float64, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	_, existed := z[member]
	z[member] = score
	if existed {
		return 0, nil
	}
	return 1, nil
}

func (s *MemStore) ZPopMin(_ context.Context, key string, count int64) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	z := s.zsets[key]
	members := sortedMembers(z)
	if int64(len(members)) < count {
		count = int64(len(members))
	}
	out := make([]ZMember, 0, count)
	for i := int64(0); i < count; i++ {
		out = append(out, members[i])
		delete(z, members[i].Member)
	}
	return out, nil
}

func (s *MemStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	z := s.zsets[key]
	var n int64
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(key)
	return int64(len(s.zsets[key])), nil
}

func sortedMembers(z map[string]float64) []ZMember {
	out := make([]ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// Eval dispatches on script identity (pointer-free string equality against
// the constants in scripts.go) rather than interpreting Lua, mirroring how
// the teacher's exchange client matches status codes rather than parsing
// arbitrary server responses.
func (s *MemStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	switch script {
	case ScriptWALLockAcquire:
		return s.evalWALLockAcquire(keys, args)
	case ScriptWALLockRelease:
		return s.evalWALLockRelease(keys, args)
	case ScriptCreditReserve:
		return s.evalCreditReserve(keys, args)
	case ScriptCreditNoteIssue:
		return s.evalCreditNoteIssue(keys, args)
	case ScriptUSDCTransfer:
		return s.evalUSDCTransfer(keys, args)
	case ScriptMarketplaceSettle:
		return s.evalMarketplaceSettle(keys, args)
	default:
		return nil, fmt.Errorf("mem_store: unregistered script")
	}
}

func (s *MemStore) evalWALLockAcquire(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockKey, fenceKey := keys[0], keys[1]
	instanceID := args[0].(string)
	ttl := time.Duration(toInt64(args[1])) * time.Second

	s.evict(lockKey)
	fence, _ := strconv.ParseInt(s.strings[fenceKey], 10, 64)
	fence++
	s.strings[fenceKey] = strconv.FormatInt(fence, 10)

	holder, held := s.strings[lockKey]
	if !held {
		s.strings[lockKey] = instanceID
		s.setTTL(lockKey, ttl)
		return []interface{}{int64(1), fence}, nil
	}
	if holder == instanceID {
		s.setTTL(lockKey, ttl)
		return []interface{}{int64(1), fence}, nil
	}
	return []interface{}{int64(0), fence}, nil
}

func (s *MemStore) evalWALLockRelease(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockKey := keys[0]
	instanceID := args[0].(string)
	s.evict(lockKey)
	if s.strings[lockKey] == instanceID {
		delete(s.strings, lockKey)
		delete(s.expiry, lockKey)
		return int64(1), nil
	}
	return int64(0), nil
}

func (s *MemStore) evalCreditReserve(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balKey := keys[0]
	src, dst := args[0].(string), args[1].(string)
	n := toInt64(args[2])

	h, ok := s.hashes[balKey]
	if !ok {
		h = make(map[string]string)
		s.hashes[balKey] = h
	}
	have, _ := strconv.ParseInt(h[src], 10, 64)
	if have < n {
		return []interface{}{int64(0), have, int64(0)}, nil
	}
	have -= n
	h[src] = strconv.FormatInt(have, 10)
	dstAfter, _ := strconv.ParseInt(h[dst], 10, 64)
	dstAfter += n
	h[dst] = strconv.FormatInt(dstAfter, 10)
	return []interface{}{int64(1), have, dstAfter}, nil
}

func (s *MemStore) evalCreditNoteIssue(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dailyKey, noteKey := keys[0], keys[1]
	amount := toInt64(args[0])
	cap := toInt64(args[1])
	window := time.Duration(toInt64(args[2])) * time.Second
	payload := args[3].(string)

	s.evict(dailyKey)
	current, _ := strconv.ParseInt(s.strings[dailyKey], 10, 64)
	if current+amount > cap {
		return []interface{}{int64(0), current}, nil
	}
	after := current + amount
	s.strings[dailyKey] = strconv.FormatInt(after, 10)
	s.setTTL(dailyKey, window)
	s.strings[noteKey] = payload
	return []interface{}{int64(1), after}, nil
}

func (s *MemStore) evalUSDCTransfer(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buyerKey, sellerKey, feeKey := keys[0], keys[1], keys[2]
	total := toInt64(args[0])
	fee := toInt64(args[1])

	s.evict(buyerKey)
	have, _ := strconv.ParseInt(s.strings[buyerKey], 10, 64)
	if have < total {
		return []interface{}{int64(0), have}, nil
	}
	have -= total
	s.strings[buyerKey] = strconv.FormatInt(have, 10)

	s.evict(sellerKey)
	sellerBal, _ := strconv.ParseInt(s.strings[sellerKey], 10, 64)
	sellerBal += total - fee
	s.strings[sellerKey] = strconv.FormatInt(sellerBal, 10)

	s.evict(feeKey)
	feeBal, _ := strconv.ParseInt(s.strings[feeKey], 10, 64)
	feeBal += fee
	s.strings[feeKey] = strconv.FormatInt(feeBal, 10)

	return []interface{}{int64(1), have}, nil
}

// evalMarketplaceSettle mirrors ScriptMarketplaceSettle: the marker key at
// keys[0] makes every field below it idempotent as a group rather than
// individually.
func (s *MemStore) evalMarketplaceSettle(keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markerKey, buyerKey, sellerKey, feeKey := keys[0], keys[1], keys[2], keys[3]
	buyerCreditsKey, sellerCreditsKey := keys[4], keys[5]
	total := toInt64(args[0])
	fee := toInt64(args[1])
	n := toInt64(args[2])
	payload := args[3].(string)

	s.evict(markerKey)
	if existing, ok := s.strings[markerKey]; ok {
		return []interface{}{int64(2), existing}, nil
	}

	s.evict(buyerKey)
	have, _ := strconv.ParseInt(s.strings[buyerKey], 10, 64)
	if have < total {
		return []interface{}{int64(0), strconv.FormatInt(have, 10)}, nil
	}
	have -= total
	s.strings[buyerKey] = strconv.FormatInt(have, 10)

	s.evict(sellerKey)
	sellerBal, _ := strconv.ParseInt(s.strings[sellerKey], 10, 64)
	sellerBal += total - fee
	s.strings[sellerKey] = strconv.FormatInt(sellerBal, 10)

	s.evict(feeKey)
	feeBal, _ := strconv.ParseInt(s.strings[feeKey], 10, 64)
	feeBal += fee
	s.strings[feeKey] = strconv.FormatInt(feeBal, 10)

	s.evict(buyerCreditsKey)
	bh, ok := s.hashes[buyerCreditsKey]
	if !ok {
		bh = make(map[string]string)
		s.hashes[buyerCreditsKey] = bh
	}
	bAvail, _ := strconv.ParseInt(bh["available"], 10, 64)
	bAvail += n
	bh["available"] = strconv.FormatInt(bAvail, 10)

	s.evict(sellerCreditsKey)
	sh, ok := s.hashes[sellerCreditsKey]
	if !ok {
		sh = make(map[string]string)
		s.hashes[sellerCreditsKey] = sh
	}
	sEscrowed, _ := strconv.ParseInt(sh["escrowed"], 10, 64)
	sEscrowed -= n
	sh["escrowed"] = strconv.FormatInt(sEscrowed, 10)

	s.strings[markerKey] = payload

	return []interface{}{int64(1), payload}, nil
}

func (s *MemStore) Close() error { return nil }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
