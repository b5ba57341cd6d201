// Package wal implements the write-ahead log: a durable, ordered,
// append-only store of billing transition envelopes with crash recovery,
// rotation, compaction, and a distributed writer lock guarded by a
// fencing token. It is the single source of truth the billing state
// machine replays from on startup.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/idgen"
	"gateway/internal/segment"
	"gateway/internal/sharedstore"
	"gateway/internal/types"
)

const (
	lockKey    = "wal:writer:lock"
	fenceKey   = "wal:writer:fence"
	lockTTL    = 30 * time.Second
	segmentExt = ".jsonl"
)

func namer(id string) string { return id + segmentExt }

func matcher(name string) (string, bool) {
	if len(name) <= len(segmentExt) || name[len(name)-len(segmentExt):] != segmentExt {
		return "", false
	}
	return name[:len(name)-len(segmentExt)], true
}

// Status summarizes the writer's current durability state.
type Status struct {
	Sequence      int64
	ActiveSegment string
	SegmentCount  int
}

// Writer is the singleton per-process WAL writer. Only one Writer per
// shared store may hold the writer lock at a time; others must fail to
// acquire it and stay read-only.
type Writer struct {
	mu         sync.Mutex
	seg        *segment.Manager
	store      sharedstore.Store
	clock      clock.Clock
	ids        *idgen.Generator
	logger     *slog.Logger
	instanceID string

	sequence   int64
	fenceToken int64
	stale      bool
}

// Open recovers or creates the WAL directory, scans existing segments to
// recover the max sequence, and acquires the writer lock. On any fencing
// failure the writer starts in a stale state and Append will refuse
// writes until a fresh Open succeeds.
func Open(ctx context.Context, dir string, maxSegmentSize int64, store sharedstore.Store, clk clock.Clock, ids *idgen.Generator, instanceID string, logger *slog.Logger) (*Writer, error) {
	seg, err := segment.NewManager(dir, maxSegmentSize, namer, matcher)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		seg:        seg,
		store:      store,
		clock:      clk,
		ids:        ids,
		logger:     logger.With("component", "wal"),
		instanceID: instanceID,
	}
	if err := seg.Open(ids.New26()); err != nil {
		return nil, err
	}
	if err := w.recoverSequenceLocked(); err != nil {
		return nil, err
	}
	if err := w.acquireLock(ctx); err != nil {
		w.stale = true
		return w, fmt.Errorf("wal: acquire writer lock: %w", err)
	}
	return w, nil
}

func (w *Writer) recoverSequenceLocked() error {
	var max int64
	err := w.seg.ReplayLines(func(_ string, line []byte) error {
		var env types.WALEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil // torn/corrupt line handled by replay warnings elsewhere
		}
		if env.WALSequence > max {
			max = env.WALSequence
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal: recover sequence: %w", err)
	}
	w.sequence = max
	return nil
}

func (w *Writer) acquireLock(ctx context.Context) error {
	res, err := w.store.Eval(ctx, sharedstore.ScriptWALLockAcquire, []string{lockKey, fenceKey}, w.instanceID, int64(lockTTL/time.Second))
	if err != nil {
		return fmt.Errorf("%w: %v", billingerr.ErrSharedStoreUnavailable, err)
	}
	acquired, fence, err := parseLockResult(res)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("wal writer lock held by another instance")
	}
	w.fenceToken = fence
	return nil
}

// Heartbeat re-validates (and refreshes the TTL of) the writer lock. On any
// store error it marks the writer STALE — fail-closed, never fail-open —
// so Append refuses further writes until a new Writer is opened.
func (w *Writer) Heartbeat(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.validateFenceLocked(ctx)
}

func (w *Writer) validateFenceLocked(ctx context.Context) error {
	res, err := w.store.Eval(ctx, sharedstore.ScriptWALLockAcquire, []string{lockKey, fenceKey}, w.instanceID, int64(lockTTL/time.Second))
	if err != nil {
		w.stale = true
		return fmt.Errorf("%w: store error during fence validation", billingerr.ErrStaleFence)
	}
	acquired, _, err := parseLockResult(res)
	if err != nil || !acquired {
		w.stale = true
		return billingerr.ErrStaleFence
	}
	return nil
}

func parseLockResult(res interface{}) (acquired bool, fence int64, err error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("wal: malformed lock script result")
	}
	acquiredN, _ := arr[0].(int64)
	fenceN, _ := arr[1].(int64)
	return acquiredN == 1, fenceN, nil
}

// Append assigns the next monotonic sequence and appends one JSONL line to
// the active segment. path is accepted but not recorded in the envelope;
// Compact keys on billingEntryID, not on path.
func (w *Writer) Append(ctx context.Context, eventType string, billingEntryID, correlationID, path string, payload interface{}) (int64, error) {
	if _, ok := types.RegisteredWALEventTypes[eventType]; !ok {
		return 0, fmt.Errorf("wal: unregistered event type %q", eventType)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stale {
		return 0, fmt.Errorf("wal append refused: %w", billingerr.ErrStaleFence)
	}
	if err := w.validateFenceLocked(ctx); err != nil {
		return 0, err
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal payload: %w", err)
	}

	w.sequence++
	seq := w.sequence

	env := types.WALEnvelope{
		SchemaVersion:  types.CurrentSchemaVersion,
		EventType:      eventType,
		Timestamp:      w.clock.Now(),
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		Checksum:       types.ChecksumPayload(rawPayload),
		WALSequence:    seq,
		Payload:        rawPayload,
	}
	line, err := json.Marshal(env)
	if err != nil {
		w.sequence--
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}

	if err := w.seg.AppendLine(line, func() string { return w.ids.New26() }); err != nil {
		w.sequence--
		return 0, fmt.Errorf("wal: append line: %w", err)
	}
	_ = path // not stored; compaction keys on the envelope's billing_entry_id
	return seq, nil
}

// Replay iterates all segments in order and invokes visit for every valid
// entry whose sequence exceeds fromSequence. Checksum failures are skipped
// with a warning; torn trailing lines are already discarded by segment.
func (w *Writer) Replay(fromSequence int64, visit func(types.WALEnvelope) error) error {
	return w.seg.ReplayLines(func(_ string, line []byte) error {
		var env types.WALEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			w.logger.Warn("wal: skipping malformed line")
			return nil
		}
		if !env.VerifyChecksum() {
			w.logger.Warn("wal: checksum mismatch, skipping entry", "sequence", env.WALSequence)
			return nil
		}
		if _, ok := types.RegisteredWALEventTypes[env.EventType]; !ok {
			w.logger.Warn("wal: skipping unregistered event type", "event_type", env.EventType, "sequence", env.WALSequence)
			return nil
		}
		if env.WALSequence <= fromSequence {
			return nil
		}
		return visit(env)
	})
}

// EntriesSince materializes Replay into a slice.
func (w *Writer) EntriesSince(fromSequence int64) ([]types.WALEnvelope, error) {
	var out []types.WALEnvelope
	err := w.Replay(fromSequence, func(env types.WALEnvelope) error {
		out = append(out, env)
		return nil
	})
	return out, err
}

// Rotate closes the active segment and opens a fresh one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seg.Rotate(w.ids.New26())
}

// MarkPrunable flags segment ids eligible for pruning.
func (w *Writer) MarkPrunable(ids []string) {
	w.seg.MarkPrunable(ids)
}

// Prune removes marked, non-active segments.
func (w *Writer) Prune() (int, error) {
	return w.seg.Prune()
}

// Compact rewrites all closed segments into one, keeping only the latest
// envelope per billing_entry_id. The active segment is never compacted.
func (w *Writer) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.seg.ListSegments()
	if err != nil {
		return err
	}
	active := w.seg.ActiveSegment()
	var closed []string
	for _, f := range files {
		if id, ok := matcher(f); ok && id != active {
			closed = append(closed, f)
		}
	}
	if len(closed) < 2 {
		return nil // nothing meaningful to compact
	}

	latest := make(map[string]types.WALEnvelope)
	var order []string
	for _, f := range closed {
		lines, err := w.seg.ReadSegmentLines(f)
		if err != nil {
			return err
		}
		for _, line := range lines {
			var env types.WALEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				continue
			}
			if _, seen := latest[env.BillingEntryID]; !seen {
				order = append(order, env.BillingEntryID)
			}
			latest[env.BillingEntryID] = env
		}
	}

	lines := make([][]byte, 0, len(order))
	for _, id := range order {
		line, err := json.Marshal(latest[id])
		if err != nil {
			return fmt.Errorf("wal: marshal compacted entry: %w", err)
		}
		lines = append(lines, line)
	}

	newName, err := w.seg.WriteCompactedSegment(w.ids.New26(), lines)
	if err != nil {
		return err
	}
	_ = newName
	return w.seg.RemoveSegments(closed)
}

// Status reports the writer's current durability state.
func (w *Writer) Status() (Status, error) {
	w.mu.Lock()
	seq := w.sequence
	w.mu.Unlock()
	count, err := w.seg.SegmentCount()
	if err != nil {
		return Status{}, err
	}
	return Status{Sequence: seq, ActiveSegment: w.seg.ActiveSegment(), SegmentCount: count}, nil
}

// Release gives up the writer lock. Safe to call even if the lock was
// never acquired.
func (w *Writer) Release(ctx context.Context) error {
	_, err := w.store.Eval(ctx, sharedstore.ScriptWALLockRelease, []string{lockKey}, w.instanceID)
	if err != nil {
		return fmt.Errorf("wal: release lock: %w", err)
	}
	return w.seg.Close()
}

// IsStale reports whether the writer has observed a fencing failure.
func (w *Writer) IsStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stale
}
