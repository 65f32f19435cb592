package pricehistory

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/dbx"
	"github.com/dmitrijs2005/xrpkeeper/internal/market"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Save(ctx context.Context, pair string, points []market.PricePoint) error {

	query :=
		`INSERT INTO price_history (pair, ts, value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (pair, ts) DO NOTHING`

	for _, p := range points {
		if _, err := r.db.ExecContext(ctx, query, pair, p.Timestamp, p.Value); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Range(ctx context.Context, pair string, from, to time.Time) ([]market.PricePoint, error) {

	query :=
		`SELECT ts, value FROM price_history
		 WHERE pair = $1 AND ts >= $2 AND ts <= $3
		 ORDER BY ts`

	rows, err := r.db.QueryContext(ctx, query, pair, from, to)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []market.PricePoint
	for rows.Next() {
		var p market.PricePoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {

	query := `DELETE FROM price_history WHERE ts < $1`

	res, err := r.db.ExecContext(ctx, query, olderThan)
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
