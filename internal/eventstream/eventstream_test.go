package eventstream

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"gateway/internal/clock"
	"gateway/internal/idgen"
	"gateway/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	ids := idgen.New(clk)
	return NewStore(t.TempDir(), 1<<20, clk, ids, discardLogger())
}

func TestStreamIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "billing", "billing_reserve", map[string]int{"a": 1}, "c1"); err != nil {
		t.Fatalf("Append billing: %v", err)
	}
	if _, err := s.Append(ctx, "credit", "credit_reserve", map[string]int{"a": 2}, "c2"); err != nil {
		t.Fatalf("Append credit: %v", err)
	}

	var billingSeen, creditSeen int
	if err := s.Replay("billing", 0, func(e types.EventEnvelope) error { billingSeen++; return nil }); err != nil {
		t.Fatalf("Replay billing: %v", err)
	}
	if err := s.Replay("credit", 0, func(e types.EventEnvelope) error { creditSeen++; return nil }); err != nil {
		t.Fatalf("Replay credit: %v", err)
	}
	if billingSeen != 1 || creditSeen != 1 {
		t.Fatalf("expected 1 event per stream, got billing=%d credit=%d", billingSeen, creditSeen)
	}
}

func TestUnknownStreamRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.Append(context.Background(), "not_registered", "x", map[string]int{}, "c1")
	if err == nil {
		t.Fatalf("expected error for unregistered stream")
	}
}

func TestReplayCursor(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, "billing", "billing_reserve", map[string]int{"i": i}, "c1"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var seqs []int64
	err := s.Replay("billing", 2, func(e types.EventEnvelope) error {
		seqs = append(seqs, e.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 3 {
		t.Fatalf("expected sequences [3,4,5], got %v", seqs)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "billing", "billing_reserve", map[string]int{}, "c1"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Append(ctx, "billing", "billing_reserve", map[string]int{}, "c2"); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}

func TestReplayAfterCloseFails(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "billing", "billing_reserve", map[string]int{}, "c1"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.Replay("billing", 0, func(e types.EventEnvelope) error { return nil })
	if err == nil {
		t.Fatalf("expected replay started after close to fail")
	}
}

func TestLatestSequenceEmptyStream(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seq, err := s.LatestSequence("reconciliation")
	if err != nil {
		t.Fatalf("LatestSequence: %v", err)
	}
	if seq != 0 {
		t.Fatalf("want 0 for empty stream, got %d", seq)
	}
}
