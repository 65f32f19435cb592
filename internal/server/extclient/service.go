// Package extclient wraps every outbound network call behind a sliding-window
// call budget with response caching. Read paths degrade to the last cached
// value when the budget is exhausted or the provider misbehaves; write paths
// (signing and submission) always go through and are never cached.
package extclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/market"
	"github.com/dmitrijs2005/xrpkeeper/internal/ratelimit"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

// lastTTL keeps a long-lived copy of each cached value so a throttled or
// failing provider still has something to fall back to after the fresh
// entry expires.
const lastTTL = 24 * time.Hour

// BalanceResult is a tagged balance read. Stale means the value came from
// the cache after a failed or skipped refresh; RateLimited means the
// provider definitively throttled us. Err carries the refresh error when
// Stale is set.
type BalanceResult struct {
	Address     string
	Amount      decimal.Decimal
	Stale       bool
	RateLimited bool
	FetchedAt   time.Time
	Err         error
}

// PriceResult is a tagged spot-price read.
type PriceResult struct {
	Price       *market.Price
	Stale       bool
	RateLimited bool
	Err         error
}

// HistoryResult is a tagged historical-series read. Segments carries the
// downsampled up/flat/down classification for chart rendering.
type HistoryResult struct {
	Points      []market.PricePoint
	Segments    []market.Segment
	Stale       bool
	RateLimited bool
	Err         error
}

// StatsResult is a tagged aggregate-stats read.
type StatsResult struct {
	Stats       *market.Stats
	Stale       bool
	RateLimited bool
	Err         error
}

// PriceStore persists historical price samples so chart reads survive a
// throttled provider with an empty cache. Optional; nil disables it.
type PriceStore interface {
	Save(ctx context.Context, pair string, points []market.PricePoint) error
	Range(ctx context.Context, pair string, from, to time.Time) ([]market.PricePoint, error)
}

// Service is the rate-limited external client. Construct with New; every
// instance owns its budgets, there is no shared process-wide state.
type Service struct {
	ledger xrpledger.Client
	market market.Client
	cache  *cachex.Cache
	store  PriceStore

	ledgerBudget *ratelimit.Window
	marketBudget *ratelimit.Window

	stats *metrics.Collector

	chartSegments int
	log           logging.Logger
}

const (
	defaultLedgerCalls = 60
	marketCallsWithKey = 100
	marketCallsFree    = 30
	budgetWindow       = time.Minute

	defaultChartSegments = 24
)

// LedgerBudget returns the default call budget for ledger operations.
func LedgerBudget() *ratelimit.Window {
	return ratelimit.New(defaultLedgerCalls, budgetWindow)
}

// MarketBudget returns the call budget for the market-data provider.
// Without a privileged API credential the ceiling is lower.
func MarketBudget(hasAPIKey bool) *ratelimit.Window {
	if hasAPIKey {
		return ratelimit.New(marketCallsWithKey, budgetWindow)
	}
	return ratelimit.New(marketCallsFree, budgetWindow)
}

func New(ledger xrpledger.Client, marketClient market.Client, cache *cachex.Cache,
	store PriceStore, ledgerBudget, marketBudget *ratelimit.Window,
	stats *metrics.Collector, log logging.Logger) *Service {
	return &Service{
		ledger:        ledger,
		market:        marketClient,
		cache:         cache,
		store:         store,
		ledgerBudget:  ledgerBudget,
		marketBudget:  marketBudget,
		stats:         stats,
		chartSegments: defaultChartSegments,
		log:           log.With("component", "extclient"),
	}
}

// remember stores a value under both the fresh key and its long-lived
// fallback copy.
func (s *Service) remember(key string, value any, ttl time.Duration) {
	s.cache.Set(key, value, ttl)
	s.cache.Set("last:"+key, value, lastTTL)
}

func (s *Service) lastKnown(key string) (any, bool) {
	return s.cache.Get("last:" + key)
}

func (s *Service) markStale() {
	if s.stats != nil {
		s.stats.StaleRead()
	}
}

// Balance returns the XRP balance for an address. A fresh cached value is
// served without spending budget; otherwise one budget slot is taken and
// the ledger is queried, falling back to the last cached value on failure.
func (s *Service) Balance(ctx context.Context, address string) (*BalanceResult, error) {
	key := cachex.KeyBalance(address)

	if v, ok := s.cache.Get(key); ok {
		return &BalanceResult{Address: address, Amount: v.(decimal.Decimal), FetchedAt: time.Now()}, nil
	}

	if !s.ledgerBudget.Acquire() {
		if v, ok := s.lastKnown(key); ok {
			s.markStale()
			return &BalanceResult{Address: address, Amount: v.(decimal.Decimal), Stale: true}, nil
		}
		// nothing cached, wait for a slot instead of failing
		if err := s.ledgerBudget.WaitIfNeeded(ctx); err != nil {
			return nil, err
		}
	}

	amount, err := s.ledger.AccountBalance(ctx, address)
	if err != nil {
		if v, ok := s.lastKnown(key); ok {
			s.log.Warn(ctx, "balance refresh failed, serving stale value", "address", address, "error", err)
			s.markStale()
			return &BalanceResult{Address: address, Amount: v.(decimal.Decimal), Stale: true, Err: err}, nil
		}
		return nil, fmt.Errorf("fetching balance for %s: %w", address, err)
	}

	s.remember(key, amount, cachex.TTLBalance)
	return &BalanceResult{Address: address, Amount: amount, FetchedAt: time.Now()}, nil
}

// InvalidateBalance drops the fresh cached balance so the next read hits
// the ledger. The long-lived fallback copy stays.
func (s *Service) InvalidateBalance(address string) {
	s.cache.Delete(cachex.KeyBalance(address))
}

// Sign assembles and signs a payment. Spends one ledger budget slot.
func (s *Service) Sign(ctx context.Context, secret string, p xrpledger.Payment) (*xrpledger.SignedIntent, error) {
	if err := s.ledgerBudget.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	return s.ledger.Sign(ctx, secret, p)
}

// Submit sends a signed transaction. Never cached; a transport error means
// the remote outcome is unknown and is passed through for the caller to
// resolve by reconciliation.
func (s *Service) Submit(ctx context.Context, intent *xrpledger.SignedIntent) (*xrpledger.SubmitResult, error) {
	if err := s.ledgerBudget.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	return s.ledger.Submit(ctx, intent)
}

// Transaction fetches a transaction by hash. Validated transactions are
// immutable, so they cache for a long TTL.
func (s *Service) Transaction(ctx context.Context, hash string) (*xrpledger.Transaction, error) {
	key := cachex.KeyTransaction(hash)
	if v, ok := s.cache.Get(key); ok {
		return v.(*xrpledger.Transaction), nil
	}

	if err := s.ledgerBudget.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	tx, err := s.ledger.Transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tx.Validated {
		s.cache.Set(key, tx, cachex.TTLTransaction)
	}
	return tx, nil
}

// AccountTransactions lists recent ledger activity for an address.
func (s *Service) AccountTransactions(ctx context.Context, address string, limit int) ([]xrpledger.Transaction, error) {
	if err := s.ledgerBudget.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	return s.ledger.AccountTransactions(ctx, address, limit)
}

// CurrentPrice returns the spot price for a pair with stale fallback.
func (s *Service) CurrentPrice(ctx context.Context, pair string) (*PriceResult, error) {
	key := cachex.KeyPrice(pair)

	if v, ok := s.cache.Get(key); ok {
		return &PriceResult{Price: v.(*market.Price)}, nil
	}

	if !s.marketBudget.Acquire() {
		if v, ok := s.lastKnown(key); ok {
			s.markStale()
			return &PriceResult{Price: v.(*market.Price), Stale: true}, nil
		}
		return nil, common.ErrExternalThrottled
	}

	price, err := s.market.CurrentPrice(ctx, pair)
	if err != nil {
		return s.priceFallback(ctx, key, pair, err)
	}

	s.remember(key, price, cachex.TTLPrice)
	return &PriceResult{Price: price}, nil
}

func (s *Service) priceFallback(ctx context.Context, key, pair string, err error) (*PriceResult, error) {
	throttled := errors.Is(err, market.ErrThrottled)
	if throttled {
		ceiling := s.marketBudget.Lower()
		s.log.Warn(ctx, "market provider throttled, lowering call budget", "pair", pair, "ceiling", ceiling)
	}
	if v, ok := s.lastKnown(key); ok {
		s.markStale()
		return &PriceResult{Price: v.(*market.Price), Stale: true, RateLimited: throttled, Err: err}, nil
	}
	if throttled {
		return nil, fmt.Errorf("%w: %s", common.ErrExternalThrottled, pair)
	}
	return nil, fmt.Errorf("fetching price for %s: %w", pair, err)
}

// History returns the historical series for a pair along with its
// downsampled segment classification.
func (s *Service) History(ctx context.Context, pair string, days int) (*HistoryResult, error) {
	key := cachex.KeyPriceHistory(pair, fmt.Sprintf("%dd", days))

	if v, ok := s.cache.Get(key); ok {
		points := v.([]market.PricePoint)
		return &HistoryResult{Points: points, Segments: market.Segments(points, s.chartSegments)}, nil
	}

	if !s.marketBudget.Acquire() {
		if v, ok := s.lastKnown(key); ok {
			points := v.([]market.PricePoint)
			s.markStale()
			return &HistoryResult{Points: points, Segments: market.Segments(points, s.chartSegments), Stale: true}, nil
		}
		if res, ok := s.storedHistory(ctx, pair, days); ok {
			return res, nil
		}
		return nil, common.ErrExternalThrottled
	}

	points, err := s.market.History(ctx, pair, days)
	if err != nil {
		throttled := errors.Is(err, market.ErrThrottled)
		if throttled {
			ceiling := s.marketBudget.Lower()
			s.log.Warn(ctx, "market provider throttled, lowering call budget", "pair", pair, "ceiling", ceiling)
		}
		if v, ok := s.lastKnown(key); ok {
			cached := v.([]market.PricePoint)
			s.markStale()
			return &HistoryResult{Points: cached, Segments: market.Segments(cached, s.chartSegments), Stale: true, RateLimited: throttled, Err: err}, nil
		}
		if res, ok := s.storedHistory(ctx, pair, days); ok {
			res.RateLimited = throttled
			res.Err = err
			return res, nil
		}
		if throttled {
			return nil, fmt.Errorf("%w: %s history", common.ErrExternalThrottled, pair)
		}
		return nil, fmt.Errorf("fetching history for %s: %w", pair, err)
	}

	s.remember(key, points, cachex.TTLHistory)
	if s.store != nil {
		if err := s.store.Save(ctx, pair, points); err != nil {
			s.log.Warn(ctx, "persisting price history failed", "pair", pair, "error", err)
		}
	}
	return &HistoryResult{Points: points, Segments: market.Segments(points, s.chartSegments)}, nil
}

// storedHistory answers a history read from the persistent store when both
// the cache and the provider are out of reach.
func (s *Service) storedHistory(ctx context.Context, pair string, days int) (*HistoryResult, bool) {
	if s.store == nil {
		return nil, false
	}
	now := time.Now()
	points, err := s.store.Range(ctx, pair, now.AddDate(0, 0, -days), now)
	if err != nil {
		s.log.Warn(ctx, "reading stored price history failed", "pair", pair, "error", err)
		return nil, false
	}
	if len(points) == 0 {
		return nil, false
	}
	s.markStale()
	return &HistoryResult{Points: points, Segments: market.Segments(points, s.chartSegments), Stale: true}, true
}

// MarketStats returns aggregate stats for a pair with stale fallback.
func (s *Service) MarketStats(ctx context.Context, pair string) (*StatsResult, error) {
	key := cachex.KeyMarketStats(pair)

	if v, ok := s.cache.Get(key); ok {
		return &StatsResult{Stats: v.(*market.Stats)}, nil
	}

	if !s.marketBudget.Acquire() {
		if v, ok := s.lastKnown(key); ok {
			s.markStale()
			return &StatsResult{Stats: v.(*market.Stats), Stale: true}, nil
		}
		return nil, common.ErrExternalThrottled
	}

	stats, err := s.market.MarketStats(ctx, pair)
	if err != nil {
		throttled := errors.Is(err, market.ErrThrottled)
		if throttled {
			ceiling := s.marketBudget.Lower()
			s.log.Warn(ctx, "market provider throttled, lowering call budget", "pair", pair, "ceiling", ceiling)
		}
		if v, ok := s.lastKnown(key); ok {
			s.markStale()
			return &StatsResult{Stats: v.(*market.Stats), Stale: true, RateLimited: throttled, Err: err}, nil
		}
		if throttled {
			return nil, fmt.Errorf("%w: %s stats", common.ErrExternalThrottled, pair)
		}
		return nil, fmt.Errorf("fetching stats for %s: %w", pair, err)
	}

	s.remember(key, stats, cachex.TTLMarketStats)
	return &StatsResult{Stats: stats}, nil
}
