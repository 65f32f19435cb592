package accounts

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

const accountColumns = `id, owner_ref, address, sealed_secret, balance, balance_updated_at, notifications, active, created_at, updated_at`

func (r *PostgresRepository) scan(row interface{ Scan(...any) error }) (*models.Account, error) {
	a := &models.Account{}
	var balanceUpdated sql.NullTime
	err := row.Scan(&a.ID, &a.OwnerRef, &a.Address, &a.SealedSecret, &a.Balance,
		&balanceUpdated, &a.Notifications, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if balanceUpdated.Valid {
		a.BalanceUpdatedAt = &balanceUpdated.Time
	}
	return a, nil
}

func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {

	query :=
		`INSERT INTO accounts (owner_ref, address, sealed_secret, notifications)
         VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		account.OwnerRef, account.Address, account.SealedSecret, account.Notifications).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	account.Active = true
	return account, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByOwnerRef(ctx context.Context, ownerRef string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_ref = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, ownerRef))
}

func (r *PostgresRepository) GetByAddress(ctx context.Context, address string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE address = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, address))
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE active ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a := models.Account{}
		var balanceUpdated sql.NullTime
		if err := rows.Scan(&a.ID, &a.OwnerRef, &a.Address, &a.SealedSecret, &a.Balance,
			&balanceUpdated, &a.Notifications, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if balanceUpdated.Valid {
			a.BalanceUpdatedAt = &balanceUpdated.Time
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	query :=
		`UPDATE accounts SET balance = $2, balance_updated_at = $3, updated_at = now()
		 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, balance, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE accounts SET notifications = $2, updated_at = now() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// Deactivate soft-disables the account. Transfer records keep referencing it.
func (r *PostgresRepository) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE accounts SET active = FALSE, updated_at = now() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
