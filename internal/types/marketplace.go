package types

import "time"

// OrderSide is bid (buy credits) or ask (sell credits).
type OrderSide string

const (
	SideBid OrderSide = "bid"
	SideAsk OrderSide = "ask"
)

// OrderStatus tracks an order's position in its lifecycle.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Order is one resting or incoming order in the marketplace order book.
type Order struct {
	ID            string      `json:"id"`
	Wallet        string      `json:"wallet"`
	Side          OrderSide   `json:"side"`
	PriceMicro    MicroUSD    `json:"price_micro"`
	Lots          int64       `json:"lots"`
	LotsRemaining int64       `json:"lots_remaining"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// EscrowStatus tracks an escrow's lifecycle.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowSettled  EscrowStatus = "settled"
	EscrowReleased EscrowStatus = "released"
)

// Escrow holds credits locked by a seller (ask order) until settlement or cancellation.
type Escrow struct {
	ID               string       `json:"id"`
	OrderID          string       `json:"order_id"`
	Wallet           string       `json:"wallet"`
	CreditsLocked    int64        `json:"credits_locked"`
	CreditsRemaining int64        `json:"credits_remaining"`
	Status           EscrowStatus `json:"status"`
}

// SettlementInstruction is the planned balance movement for one match.
type SettlementInstruction struct {
	CreditsToTransfer int64    `json:"credits_to_transfer"`
	USDCToSeller      MicroUSD `json:"usdc_to_seller"`
	USDCFee           MicroUSD `json:"usdc_fee"`
	EscrowID          string   `json:"escrow_id"`
}

// Match is the result of crossing a bid and an ask.
type Match struct {
	ID                   string                 `json:"id"`
	BidOrderID           string                 `json:"bid_order_id"`
	AskOrderID           string                 `json:"ask_order_id"`
	BuyerWallet          string                 `json:"buyer_wallet"`
	SellerWallet         string                 `json:"seller_wallet"`
	PriceMicro           MicroUSD               `json:"price_micro"`
	Lots                 int64                  `json:"lots"`
	TotalMicro           MicroUSD               `json:"total_micro"`
	FeeMicro             MicroUSD               `json:"fee_micro"`
	SellerProceedsMicro  MicroUSD               `json:"seller_proceeds_micro"`
	Settlement           SettlementInstruction  `json:"settlement"`
	MatchedAt            time.Time              `json:"matched_at"`
}

// DefaultLotSize is the default number of credit units in one lot.
const DefaultLotSize = 100

// FeeRate is the fraction of total_micro taken as fee, floored per trade.
const FeeRate = 0.01
