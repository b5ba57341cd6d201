package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/config"
	"gateway/internal/types"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAuthorizeSignsAndStampsFromAddress(t *testing.T) {
	t.Parallel()
	signer, err := NewSigner(testPrivateKey, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	auth := types.PaymentAuthorization{
		To:          "0x000000000000000000000000000000000000aa",
		ValueMicro:  1_000_000,
		ValidAfter:  time.Unix(1_700_000_000, 0),
		ValidBefore: time.Unix(1_700_003_600, 0),
		Nonce:       "nonce-1",
	}
	signed, err := signer.Authorize(auth)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if signed.Signature == "" {
		t.Fatal("expected non-empty signature")
	}
	if signed.From != signer.Address().Hex() {
		t.Fatalf("From = %s, want %s", signed.From, signer.Address().Hex())
	}
}

func TestSubmitSucceedsAgainstFacilitator(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xabc"})
	}))
	defer srv.Close()

	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	c := New(config.FacilitatorConfig{SubmitURL: srv.URL, Timeout: 2 * time.Second}, clk, discardLogger())

	receipt, err := c.Submit(context.Background(), types.PaymentAuthorization{Nonce: "n1"}, "quote-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.TxHash != "0xabc" || receipt.DirectSubmit {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitFallsBackToDirectSubmitOnFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/submit":
			w.WriteHeader(http.StatusInternalServerError)
		case "/direct-submit":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xdef"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	cfg := config.FacilitatorConfig{SubmitURL: srv.URL, Timeout: 2 * time.Second, AllowDirectSubmitFallback: true}
	c := New(cfg, clk, discardLogger())
	c.http.SetRetryCount(0)

	receipt, err := c.Submit(context.Background(), types.PaymentAuthorization{Nonce: "n1"}, "quote-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !receipt.DirectSubmit || receipt.TxHash != "0xdef" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitFailsClosedWithoutFallback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	cfg := config.FacilitatorConfig{SubmitURL: srv.URL, Timeout: 2 * time.Second}
	c := New(cfg, clk, discardLogger())
	c.http.SetRetryCount(0)

	_, err := c.Submit(context.Background(), types.PaymentAuthorization{Nonce: "n1"}, "quote-1")
	if !errors.Is(err, billingerr.ErrFacilitatorTimeout) {
		t.Fatalf("expected ErrFacilitatorTimeout, got %v", err)
	}
}
