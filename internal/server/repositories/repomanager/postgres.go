// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/xrpkeeper/internal/dbx"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/migrations"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/idemkeys"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/pricehistory"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/transfers"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// Accounts returns an accounts.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Accounts(db dbx.DBTX) accounts.Repository {
	return accounts.NewPostgresRepository(db)
}

// Transfers returns a transfers.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Transfers(db dbx.DBTX) transfers.Repository {
	return transfers.NewPostgresRepository(db)
}

// IdempotencyKeys returns an idemkeys.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) IdempotencyKeys(db dbx.DBTX) idemkeys.Repository {
	return idemkeys.NewPostgresRepository(db)
}

// PriceHistory returns a pricehistory.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) PriceHistory(db dbx.DBTX) pricehistory.Repository {
	return pricehistory.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetDialect("pgx")
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{}, nil
}
