package transfers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

// Repository persists transfer records. Records are created pending and
// finalized exactly once with MarkConfirmed or MarkFailed.
type Repository interface {
	Create(ctx context.Context, record *models.TransferRecord) (*models.TransferRecord, error)
	GetByID(ctx context.Context, id int64) (*models.TransferRecord, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.TransferRecord, error)
	MarkConfirmed(ctx context.Context, id int64, txHash string, ledgerIndex int64, fee decimal.Decimal, confirmedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errorDetail string) error
	SetTxHash(ctx context.Context, id int64, txHash string) error
	ListPending(ctx context.Context, olderThan time.Time) ([]models.TransferRecord, error)
	ListBySender(ctx context.Context, senderID int64, limit, offset int) ([]models.TransferRecord, error)
	CountBySender(ctx context.Context, senderID int64) (int64, error)
}
