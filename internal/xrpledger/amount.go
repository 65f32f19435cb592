package xrpledger

import (
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
)

// Classic XRP addresses: 'r' plus 24–33 base58 characters (no 0, O, I, l).
var addressPattern = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,33}$`)

// ValidAddress reports whether s matches the ledger's address grammar.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

var dropsPerXRP = decimal.NewFromInt(common.DropsPerXRP)

// XRPFromDrops converts a drops string from the ledger into XRP.
func XRPFromDrops(drops string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Div(dropsPerXRP), nil
}

// DropsFromXRP converts an XRP amount to an integer drops string,
// truncating anything below one drop.
func DropsFromXRP(amount decimal.Decimal) string {
	return amount.Mul(dropsPerXRP).Truncate(0).String()
}
