// Package facilitator implements the consumed Facilitator interface
// (spec §6): submitting a signed EIP-3009 payment authorization to an
// on-chain settlement facilitator and returning a receipt, with an
// optional direct-submit fallback when the facilitator call fails.
package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"

	"gateway/internal/billingerr"
	"gateway/internal/clock"
	"gateway/internal/config"
	"gateway/internal/types"
)

// Signer produces EIP-712 signatures for PaymentAuthorization messages,
// the same typed-data signing idiom the teacher uses for ClobAuth.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewSigner parses a hex-encoded private key (with or without 0x prefix).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("facilitator: parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address { return s.address }

// Authorize signs a PaymentAuthorization's EIP-712 typed-data payload,
// filling in Signature on the returned copy.
func (s *Signer) Authorize(auth types.PaymentAuthorization) (types.PaymentAuthorization, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "string"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:    "GatewayFacilitator",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       fmt.Sprintf("%d", int64(auth.ValueMicro)),
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter.Unix()),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore.Unix()),
			"nonce":       auth.Nonce,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return types.PaymentAuthorization{}, fmt.Errorf("facilitator: typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return types.PaymentAuthorization{}, fmt.Errorf("facilitator: sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	signed := auth
	signed.From = s.address.Hex()
	signed.Signature = "0x" + common.Bytes2Hex(sig)
	return signed, nil
}

// Client submits signed PaymentAuthorizations to the configured
// facilitator endpoint over HTTP, falling back to a direct-submit path
// when the facilitator call fails and the client is configured to do so.
type Client struct {
	http                      *resty.Client
	directSubmitAllowed       bool
	clk                       clock.Clock
	logger                    *slog.Logger
}

// New creates a Client from cfg, the same resty setup (base URL, timeout,
// retry on 5xx) the teacher's exchange.NewClient uses.
func New(cfg config.FacilitatorConfig, clk clock.Clock, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.SubmitURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:                httpClient,
		directSubmitAllowed: cfg.AllowDirectSubmitFallback,
		clk:                 clk,
		logger:              logger.With("component", "facilitator"),
	}
}

type submitRequest struct {
	Authorization types.PaymentAuthorization `json:"authorization"`
	QuoteID       string                     `json:"quote_id"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

// Submit posts authorization to the facilitator's settlement endpoint. On
// any failure (transport error, including a timeout, or a non-200 status)
// it falls back to DirectSubmit if configured; otherwise it returns
// ErrFacilitatorTimeout with the underlying cause preserved.
func (c *Client) Submit(ctx context.Context, auth types.PaymentAuthorization, quoteID string) (types.SettlementReceipt, error) {
	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Authorization: auth, QuoteID: quoteID}).
		SetResult(&result).
		Post("/submit")

	if err == nil && resp.StatusCode() == http.StatusOK {
		return types.SettlementReceipt{
			QuoteID:   quoteID,
			TxHash:    result.TxHash,
			SettledAt: c.clk.Now(),
		}, nil
	}

	facilitatorErr := fmt.Errorf("%w: facilitator=%v", billingerr.ErrFacilitatorTimeout, submitErrDetail(resp, err))
	if !c.directSubmitAllowed {
		return types.SettlementReceipt{}, facilitatorErr
	}

	c.logger.Warn("facilitator submit failed, falling back to direct submit", "quote_id", quoteID, "error", facilitatorErr)
	receipt, directErr := c.DirectSubmit(ctx, auth, quoteID)
	if directErr != nil {
		return types.SettlementReceipt{}, fmt.Errorf("%w: direct=%v (after %v)", billingerr.ErrDirectSubmitFailed, directErr, facilitatorErr)
	}
	return receipt, nil
}

// DirectSubmit bypasses the facilitator and submits authorization
// directly, used as a fallback when the facilitator itself is
// unreachable. In this gateway "direct" means posting to the same
// endpoint's /direct-submit path, which skips the facilitator's queuing
// layer on the server side.
func (c *Client) DirectSubmit(ctx context.Context, auth types.PaymentAuthorization, quoteID string) (types.SettlementReceipt, error) {
	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Authorization: auth, QuoteID: quoteID}).
		SetResult(&result).
		Post("/direct-submit")
	if err != nil {
		return types.SettlementReceipt{}, fmt.Errorf("direct submit: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.SettlementReceipt{}, fmt.Errorf("direct submit: status %d: %s", resp.StatusCode(), resp.String())
	}
	return types.SettlementReceipt{
		QuoteID:      quoteID,
		TxHash:       result.TxHash,
		SettledAt:    c.clk.Now(),
		DirectSubmit: true,
	}, nil
}

func submitErrDetail(resp *resty.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
}
