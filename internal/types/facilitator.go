package types

import "time"

// PaymentAuthorization is an EIP-3009-style signed transfer authorization
// (the x402 payment primitive): the payer's wallet signs an EIP-712
// typed-data message permitting a transfer of value to the payee,
// bounded by a validity window and keyed by a one-time nonce.
type PaymentAuthorization struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	ValueMicro  MicroUSD  `json:"value_micro"`
	ValidAfter  time.Time `json:"valid_after"`
	ValidBefore time.Time `json:"valid_before"`
	Nonce       string    `json:"nonce"`
	Signature   string    `json:"signature"`
}

// SettlementReceipt is the facilitator's confirmation that a
// PaymentAuthorization was submitted and settled.
type SettlementReceipt struct {
	QuoteID       string    `json:"quote_id"`
	TxHash        string    `json:"tx_hash"`
	SettledAt     time.Time `json:"settled_at"`
	DirectSubmit  bool      `json:"direct_submit"`
}
