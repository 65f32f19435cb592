package common

import "github.com/shopspring/decimal"

// XRP network constants. Amounts are in XRP unless the name says drops.
var (
	// StandardFee is the typical network fee attached to a payment.
	StandardFee = decimal.RequireFromString("0.00001")

	// DustThreshold is the minimum practical transfer amount.
	DustThreshold = decimal.RequireFromString("0.001")

	// MaxTransferAmount is a sanity ceiling for a single transfer.
	MaxTransferAmount = decimal.NewFromInt(1_000_000)

	// MinAccountBalance is the base reserve required to activate an account.
	MinAccountBalance = decimal.NewFromInt(1)
)

// DropsPerXRP is the number of ledger-native smallest units in one XRP.
const DropsPerXRP = 1_000_000
