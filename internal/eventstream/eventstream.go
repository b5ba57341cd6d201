// Package eventstream implements the partitioned, append-only fact stream:
// independent per-stream monotonic sequences, backed by the same JSONL
// segment mechanics the WAL uses. The billing state machine and credit
// ledger emit fire-and-forget events here; event-store failures never
// block or roll back a caller's transition.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gateway/internal/clock"
	"gateway/internal/idgen"
	"gateway/internal/segment"
	"gateway/internal/types"
)

const segmentExt = ".jsonl"

func namerFor(stream string) func(string) string {
	return func(id string) string { return "events-" + stream + "-" + id + segmentExt }
}

func matcherFor(stream string) func(string) (string, bool) {
	prefix := "events-" + stream + "-"
	return func(name string) (string, bool) {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentExt) {
			return "", false
		}
		return name[len(prefix) : len(name)-len(segmentExt)], true
	}
}

type streamState struct {
	seg      *segment.Manager
	sequence int64
}

// Store owns one Manager per registered stream that has been written to.
type Store struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	clock   clock.Clock
	ids     *idgen.Generator
	logger  *slog.Logger
	streams map[string]*streamState
	closed  bool
}

// NewStore creates a Store rooted at dir. Per-stream segment managers are
// opened lazily on first use.
func NewStore(dir string, maxSegmentSize int64, clk clock.Clock, ids *idgen.Generator, logger *slog.Logger) *Store {
	return &Store{
		dir:     dir,
		maxSize: maxSegmentSize,
		clock:   clk,
		ids:     ids,
		logger:  logger.With("component", "eventstream"),
		streams: make(map[string]*streamState),
	}
}

func (s *Store) stateLocked(stream string) (*streamState, error) {
	if st, ok := s.streams[stream]; ok {
		return st, nil
	}
	mgr, err := segment.NewManager(s.dir, s.maxSize, namerFor(stream), matcherFor(stream))
	if err != nil {
		return nil, err
	}
	if err := mgr.Open(s.ids.New26()); err != nil {
		return nil, err
	}
	st := &streamState{seg: mgr}
	var max int64
	err = mgr.ReplayLines(func(_ string, line []byte) error {
		var env types.EventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil
		}
		if env.Sequence > max {
			max = env.Sequence
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventstream: recover sequence for %s: %w", stream, err)
	}
	st.sequence = max
	s.streams[stream] = st
	return st, nil
}

// Append assigns the next per-stream sequence, computes a CRC32 checksum
// over the JSON-serialized payload, and writes one JSONL line.
func (s *Store) Append(ctx context.Context, stream, eventType string, payload interface{}, correlationID string) (types.EventEnvelope, error) {
	if _, ok := types.RegisteredStreams[stream]; !ok || !types.ValidStreamName(stream) {
		return types.EventEnvelope{}, fmt.Errorf("eventstream: unknown stream %q", stream)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.EventEnvelope{}, fmt.Errorf("eventstream: writer closed")
	}

	st, err := s.stateLocked(stream)
	if err != nil {
		return types.EventEnvelope{}, err
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return types.EventEnvelope{}, fmt.Errorf("eventstream: marshal payload: %w", err)
	}

	st.sequence++
	env := types.EventEnvelope{
		EventID:       s.ids.New26(),
		Stream:        stream,
		EventType:     eventType,
		Timestamp:     s.clock.Now(),
		CorrelationID: correlationID,
		Sequence:      st.sequence,
		Checksum:      types.ChecksumPayload(rawPayload),
		SchemaVersion: types.CurrentSchemaVersion,
		Payload:       rawPayload,
	}
	line, err := json.Marshal(env)
	if err != nil {
		st.sequence--
		return types.EventEnvelope{}, fmt.Errorf("eventstream: marshal envelope: %w", err)
	}
	if err := st.seg.AppendLine(line, func() string { return s.ids.New26() }); err != nil {
		st.sequence--
		return types.EventEnvelope{}, fmt.Errorf("eventstream: append line: %w", err)
	}
	return env, nil
}

// Replay yields events on stream in ascending sequence order, skipping
// those at or below afterSequence. Corrupt lines are skipped with a
// warning.
func (s *Store) Replay(stream string, afterSequence int64, visit func(types.EventEnvelope) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("eventstream: writer closed")
	}
	st, err := s.stateLocked(stream)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return st.seg.ReplayLines(func(_ string, line []byte) error {
		var env types.EventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("eventstream: skipping malformed line", "stream", stream)
			return nil
		}
		if !env.VerifyChecksum() {
			s.logger.Warn("eventstream: checksum mismatch, skipping entry", "stream", stream, "sequence", env.Sequence)
			return nil
		}
		if env.Sequence <= afterSequence {
			return nil
		}
		return visit(env)
	})
}

// LatestSequence returns the highest assigned sequence for stream, or 0 if
// the stream has never been written to.
func (s *Store) LatestSequence(stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.stateLocked(stream)
	if err != nil {
		return 0, err
	}
	return st.sequence, nil
}

// Close marks the store closed; subsequent Append calls fail and any
// iterators started afterward fail too.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, st := range s.streams {
		if err := st.seg.Close(); err != nil {
			return err
		}
	}
	return nil
}
