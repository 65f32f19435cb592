package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// TransferRecord is one attempted or completed outbound transfer. Once the
// status leaves pending the record is immutable except for ConfirmedAt.
type TransferRecord struct {
	ID               int64
	SenderID         int64
	SenderAddress    string
	RecipientAddress string
	Amount           decimal.Decimal
	Fee              decimal.Decimal
	TxHash           *string
	LedgerIndex      *int64
	Status           TransferStatus
	ErrorDetail      *string
	IdempotencyToken *string
	CreatedAt        time.Time
	ConfirmedAt      *time.Time
}
