package idemkeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/dbx"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

const uniqueViolationCode = "23505"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {

	query :=
		`INSERT INTO idempotency_records
		     (token, account_id, operation_kind, request_hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		record.Token, record.AccountID, record.OperationKind, record.RequestHash, record.ExpiresAt).
		Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	record.Status = models.IdempotencyProcessing
	return record, nil
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*models.IdempotencyRecord, error) {

	query :=
		`SELECT id, token, account_id, operation_kind, request_hash, status, response, transfer_id, expires_at, created_at
		 FROM idempotency_records WHERE token = $1`

	rec := &models.IdempotencyRecord{}
	var transferID sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, token).
		Scan(&rec.ID, &rec.Token, &rec.AccountID, &rec.OperationKind, &rec.RequestHash,
			&rec.Status, &rec.Response, &transferID, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if transferID.Valid {
		rec.TransferID = &transferID.Int64
	}
	return rec, nil
}

// Finalize moves a processing record to its terminal status. Terminal records
// are never rewritten.
func (r *PostgresRepository) Finalize(ctx context.Context, token string, status models.IdempotencyStatus, response []byte, transferID *int64) error {

	query :=
		`UPDATE idempotency_records
		 SET status = $2, response = $3, transfer_id = $4
		 WHERE token = $1 AND status = 'processing'`

	var tid any
	if transferID != nil {
		tid = *transferID
	}

	res, err := r.db.ExecContext(ctx, query, token, status, response, tid)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteByToken(ctx context.Context, token string) error {
	query := `DELETE FROM idempotency_records WHERE token = $1`

	res, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// DeleteExpired removes up to limit expired records and reports how many
// went away. Callers loop until it returns 0.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {

	query :=
		`DELETE FROM idempotency_records
		 WHERE id IN (
		     SELECT id FROM idempotency_records WHERE expires_at <= $1 LIMIT $2
		 )`

	res, err := r.db.ExecContext(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

var _ Repository = (*PostgresRepository)(nil)
