package transfers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/dbx"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transferColumns = `id, sender_id, sender_address, recipient_address, amount, fee,
	tx_hash, ledger_index, status, error_detail, idempotency_token, created_at, confirmed_at`

func scanTransfer(row interface{ Scan(...any) error }) (*models.TransferRecord, error) {
	rec := &models.TransferRecord{}
	var txHash, errorDetail, token sql.NullString
	var ledgerIndex sql.NullInt64
	var confirmedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.SenderID, &rec.SenderAddress, &rec.RecipientAddress,
		&rec.Amount, &rec.Fee, &txHash, &ledgerIndex, &rec.Status,
		&errorDetail, &token, &rec.CreatedAt, &confirmedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if txHash.Valid {
		rec.TxHash = &txHash.String
	}
	if ledgerIndex.Valid {
		rec.LedgerIndex = &ledgerIndex.Int64
	}
	if errorDetail.Valid {
		rec.ErrorDetail = &errorDetail.String
	}
	if token.Valid {
		rec.IdempotencyToken = &token.String
	}
	if confirmedAt.Valid {
		rec.ConfirmedAt = &confirmedAt.Time
	}
	return rec, nil
}

func (r *PostgresRepository) Create(ctx context.Context, record *models.TransferRecord) (*models.TransferRecord, error) {

	query :=
		`INSERT INTO transfer_records
		     (sender_id, sender_address, recipient_address, amount, fee, idempotency_token)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at
		 `

	var token any
	if record.IdempotencyToken != nil {
		token = *record.IdempotencyToken
	}

	err := r.db.QueryRowContext(ctx, query,
		record.SenderID, record.SenderAddress, record.RecipientAddress,
		record.Amount, record.Fee, token).
		Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	record.Status = models.TransferPending
	return record, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_records WHERE id = $1`
	return scanTransfer(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByTxHash(ctx context.Context, txHash string) (*models.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_records WHERE tx_hash = $1`
	return scanTransfer(r.db.QueryRowContext(ctx, query, txHash))
}

// MarkConfirmed finalizes a pending record. Finalized records are not
// touched again, so the status predicate guards against double settlement.
func (r *PostgresRepository) MarkConfirmed(ctx context.Context, id int64, txHash string, ledgerIndex int64, fee decimal.Decimal, confirmedAt time.Time) error {
	query :=
		`UPDATE transfer_records
		 SET status = 'confirmed', tx_hash = $2, ledger_index = $3, fee = $4, confirmed_at = $5
		 WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, txHash, ledgerIndex, fee, confirmedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errorDetail string) error {
	query :=
		`UPDATE transfer_records
		 SET status = 'failed', error_detail = $2
		 WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, errorDetail)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// SetTxHash stores the locally computed hash before submission so an
// ambiguous outcome can be reconciled later.
func (r *PostgresRepository) SetTxHash(ctx context.Context, id int64, txHash string) error {
	query := `UPDATE transfer_records SET tx_hash = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, txHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) ListPending(ctx context.Context, olderThan time.Time) ([]models.TransferRecord, error) {
	query :=
		`SELECT ` + transferColumns + `
		 FROM transfer_records
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

func (r *PostgresRepository) ListBySender(ctx context.Context, senderID int64, limit, offset int) ([]models.TransferRecord, error) {
	query :=
		`SELECT ` + transferColumns + `
		 FROM transfer_records
		 WHERE sender_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, senderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

func (r *PostgresRepository) CountBySender(ctx context.Context, senderID int64) (int64, error) {
	query := `SELECT count(*) FROM transfer_records WHERE sender_id = $1`

	var n int64
	if err := r.db.QueryRowContext(ctx, query, senderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func collect(rows *sql.Rows) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

var _ Repository = (*PostgresRepository)(nil)
