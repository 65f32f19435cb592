package accounts

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByOwnerRef(ctx context.Context, ownerRef string) (*models.Account, error)
	GetByAddress(ctx context.Context, address string) (*models.Account, error)
	ListActive(ctx context.Context) ([]models.Account, error)
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error
	SetNotifications(ctx context.Context, id int64, enabled bool) error
	Deactivate(ctx context.Context, id int64) error
}
