// Package market defines the market-data boundary: spot price, historical
// series, and aggregate stats for an asset pair, plus downsampling helpers
// for chart and heatmap rendering.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrThrottled is returned on a definitive rate-limit rejection from the
// provider (HTTP 429). Callers should lower their own call budget.
var ErrThrottled = errors.New("market provider throttled")

// Price is a spot quote.
type Price struct {
	Pair      string
	Value     decimal.Decimal
	Change24h float64
	Timestamp time.Time
}

// PricePoint is one sample of a historical series.
type PricePoint struct {
	Timestamp time.Time
	Value     float64
}

// Stats are aggregate market numbers for a pair.
type Stats struct {
	Pair      string
	MarketCap float64
	Volume24h float64
	Change24h float64
	Timestamp time.Time
}

// Client is the request/response boundary to the market-data provider.
type Client interface {
	CurrentPrice(ctx context.Context, pair string) (*Price, error)
	History(ctx context.Context, pair string, days int) ([]PricePoint, error)
	MarketStats(ctx context.Context, pair string) (*Stats, error)
}
