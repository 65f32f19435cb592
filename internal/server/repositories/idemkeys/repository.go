package idemkeys

import (
	"context"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

// Repository persists idempotency records. Insert must fail with
// common.ErrorAlreadyExists when the token is taken, so callers can
// distinguish the loser of a concurrent reservation race.
type Repository interface {
	Insert(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, error)
	GetByToken(ctx context.Context, token string) (*models.IdempotencyRecord, error)
	Finalize(ctx context.Context, token string, status models.IdempotencyStatus, response []byte, transferID *int64) error
	DeleteByToken(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}
