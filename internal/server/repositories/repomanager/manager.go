package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/xrpkeeper/internal/dbx"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/idemkeys"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/pricehistory"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/transfers"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Transfers(db dbx.DBTX) transfers.Repository
	IdempotencyKeys(db dbx.DBTX) idemkeys.Repository
	PriceHistory(db dbx.DBTX) pricehistory.Repository
}
