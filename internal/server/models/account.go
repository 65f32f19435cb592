// Package models defines the persistent entities of the payment core.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a custodial identity: we hold the sealed signing secret and
// submit transfers on the owner's behalf. Balance is a cache of the ledger
// value; the ledger stays authoritative.
type Account struct {
	ID               int64
	OwnerRef         string
	Address          string
	SealedSecret     []byte
	Balance          decimal.Decimal
	BalanceUpdatedAt *time.Time
	Notifications    bool
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
