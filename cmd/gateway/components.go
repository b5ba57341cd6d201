package main

import (
	"gateway/internal/billing"
	"gateway/internal/creditledger"
	"gateway/internal/creditnote"
	"gateway/internal/facilitator"
	"gateway/internal/marketplace"
)

// gatewayComponents is the process's owned set of money-movement
// components: the reserve/commit/finalize state machine, the credit
// sub-ledger, the compensation path, the marketplace order book and
// settlement engine, and (when a signing key is configured) the x402
// facilitator client. An inference gateway process embeds this module
// and calls into these directly; routing and authentication around them
// are out of scope here.
type gatewayComponents struct {
	billingMachine *billing.Machine
	ledger         *creditledger.Ledger
	noteIssuer     *creditnote.Issuer
	engine         *marketplace.Engine
	settlement     *marketplace.Settlement
	facilitator    *facilitator.Client
	signer         *facilitator.Signer
}
