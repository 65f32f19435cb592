// Package pricehistory persists market price samples so chart queries can
// be answered from the store when the market provider is unavailable.
package pricehistory

import (
	"context"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/market"
)

type Repository interface {
	// Save stores the given samples for a pair. Samples already present
	// (same pair and timestamp) are left untouched.
	Save(ctx context.Context, pair string, points []market.PricePoint) error

	// Range returns the stored samples for a pair within [from, to],
	// ordered by timestamp ascending.
	Range(ctx context.Context, pair string, from, to time.Time) ([]market.PricePoint, error)

	// Prune removes samples older than the cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
