package extclient

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/market"
	"github.com/dmitrijs2005/xrpkeeper/internal/ratelimit"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

// ---- fake ledger client ----

type fakeLedger struct {
	BalanceRet decimal.Decimal
	BalanceErr error
	SubmitRet  *xrpledger.SubmitResult
	SubmitErr  error
	TxRet      *xrpledger.Transaction
	TxErr      error

	balanceCalls atomic.Int64
	txCalls      atomic.Int64
}

func (f *fakeLedger) Sign(ctx context.Context, secret string, p xrpledger.Payment) (*xrpledger.SignedIntent, error) {
	return &xrpledger.SignedIntent{Account: p.Account, Destination: p.Destination, Amount: p.Amount, Hash: "HASH"}, nil
}

func (f *fakeLedger) Submit(ctx context.Context, intent *xrpledger.SignedIntent) (*xrpledger.SubmitResult, error) {
	return f.SubmitRet, f.SubmitErr
}

func (f *fakeLedger) AccountBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	f.balanceCalls.Add(1)
	return f.BalanceRet, f.BalanceErr
}

func (f *fakeLedger) Transaction(ctx context.Context, hash string) (*xrpledger.Transaction, error) {
	f.txCalls.Add(1)
	return f.TxRet, f.TxErr
}

func (f *fakeLedger) AccountTransactions(ctx context.Context, address string, limit int) ([]xrpledger.Transaction, error) {
	return nil, nil
}

// ---- fake market client ----

type fakeMarket struct {
	PriceRet   *market.Price
	PriceErr   error
	HistoryRet []market.PricePoint
	HistoryErr error
	StatsRet   *market.Stats
	StatsErr   error

	priceCalls atomic.Int64
}

func (f *fakeMarket) CurrentPrice(ctx context.Context, pair string) (*market.Price, error) {
	f.priceCalls.Add(1)
	return f.PriceRet, f.PriceErr
}

func (f *fakeMarket) History(ctx context.Context, pair string, days int) ([]market.PricePoint, error) {
	return f.HistoryRet, f.HistoryErr
}

func (f *fakeMarket) MarketStats(ctx context.Context, pair string) (*market.Stats, error) {
	return f.StatsRet, f.StatsErr
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newService(t *testing.T, ledger *fakeLedger, mkt *fakeMarket) *Service {
	t.Helper()
	log := testLogger()
	return New(ledger, mkt, cachex.New(time.Minute), nil,
		ratelimit.New(100, time.Minute), ratelimit.New(100, time.Minute), nil, log)
}

func TestBalance_FreshThenCached(t *testing.T) {
	ledger := &fakeLedger{BalanceRet: decimal.RequireFromString("25")}
	svc := newService(t, ledger, &fakeMarket{})

	res, err := svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)
	require.False(t, res.Stale)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("25")))

	// second read is served from cache, no extra ledger call
	_, err = svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)
	require.Equal(t, int64(1), ledger.balanceCalls.Load())
}

func TestBalance_StaleFallbackOnError(t *testing.T) {
	ledger := &fakeLedger{BalanceRet: decimal.RequireFromString("25")}
	svc := newService(t, ledger, &fakeMarket{})

	_, err := svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)

	svc.InvalidateBalance("rAddr")
	ledger.BalanceErr = errors.New("connection refused")

	res, err := svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.Error(t, res.Err)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("25")))
}

func TestBalance_ErrorWithoutCache(t *testing.T) {
	ledger := &fakeLedger{BalanceErr: errors.New("connection refused")}
	svc := newService(t, ledger, &fakeMarket{})

	_, err := svc.Balance(context.Background(), "rAddr")
	require.Error(t, err)
}

func TestBalance_BudgetExhaustedServesStale(t *testing.T) {
	ledger := &fakeLedger{BalanceRet: decimal.RequireFromString("25")}
	log := testLogger()
	svc := New(ledger, &fakeMarket{}, cachex.New(time.Minute), nil,
		ratelimit.New(1, time.Minute), ratelimit.New(100, time.Minute), nil, log)

	// uses the single budget slot and populates the fallback copy
	_, err := svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)

	svc.InvalidateBalance("rAddr")

	res, err := svc.Balance(context.Background(), "rAddr")
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.Equal(t, int64(1), ledger.balanceCalls.Load())
}

func TestCurrentPrice_ThrottleLowersCeilingAndServesStale(t *testing.T) {
	mkt := &fakeMarket{PriceRet: &market.Price{Pair: "XRP/USD", Value: decimal.RequireFromString("0.5")}}
	log := testLogger()
	budget := ratelimit.New(100, time.Minute)
	svc := New(&fakeLedger{}, mkt, cachex.New(time.Minute), nil,
		ratelimit.New(100, time.Minute), budget, nil, log)

	_, err := svc.CurrentPrice(context.Background(), "XRP/USD")
	require.NoError(t, err)

	// expire the fresh entry, keep the fallback copy
	svc.cache.Delete(cachex.KeyPrice("XRP/USD"))
	mkt.PriceErr = market.ErrThrottled

	res, err := svc.CurrentPrice(context.Background(), "XRP/USD")
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.True(t, res.RateLimited)
	require.Equal(t, 50, budget.Ceiling())
}

func TestCurrentPrice_ThrottleWithoutCache(t *testing.T) {
	mkt := &fakeMarket{PriceErr: market.ErrThrottled}
	svc := newService(t, &fakeLedger{}, mkt)

	_, err := svc.CurrentPrice(context.Background(), "XRP/USD")
	require.ErrorIs(t, err, common.ErrExternalThrottled)
}

func TestTransaction_ValidatedIsCached(t *testing.T) {
	ledger := &fakeLedger{TxRet: &xrpledger.Transaction{Hash: "HASH", Validated: true, ResultCode: "tesSUCCESS"}}
	svc := newService(t, ledger, &fakeMarket{})

	_, err := svc.Transaction(context.Background(), "HASH")
	require.NoError(t, err)
	_, err = svc.Transaction(context.Background(), "HASH")
	require.NoError(t, err)
	require.Equal(t, int64(1), ledger.txCalls.Load())
}

func TestTransaction_UnvalidatedNotCached(t *testing.T) {
	ledger := &fakeLedger{TxRet: &xrpledger.Transaction{Hash: "HASH", Validated: false}}
	svc := newService(t, ledger, &fakeMarket{})

	_, err := svc.Transaction(context.Background(), "HASH")
	require.NoError(t, err)
	_, err = svc.Transaction(context.Background(), "HASH")
	require.NoError(t, err)
	require.Equal(t, int64(2), ledger.txCalls.Load())
}

func TestHistory_ComputesSegments(t *testing.T) {
	points := make([]market.PricePoint, 50)
	for i := range points {
		points[i] = market.PricePoint{Timestamp: time.Unix(int64(i*3600), 0), Value: 0.5 + float64(i)*0.01}
	}
	mkt := &fakeMarket{HistoryRet: points}
	svc := newService(t, &fakeLedger{}, mkt)

	res, err := svc.History(context.Background(), "XRP/USD", 7)
	require.NoError(t, err)
	require.NotEmpty(t, res.Segments)
	require.LessOrEqual(t, len(res.Segments), defaultChartSegments)
	for _, seg := range res.Segments {
		require.Equal(t, market.Up, seg.Direction)
	}
}

// ---- fake price store ----

type fakePriceStore struct {
	saved    map[string][]market.PricePoint
	RangeRet []market.PricePoint
	RangeErr error
}

func (f *fakePriceStore) Save(ctx context.Context, pair string, points []market.PricePoint) error {
	if f.saved == nil {
		f.saved = map[string][]market.PricePoint{}
	}
	f.saved[pair] = append(f.saved[pair], points...)
	return nil
}

func (f *fakePriceStore) Range(ctx context.Context, pair string, from, to time.Time) ([]market.PricePoint, error) {
	return f.RangeRet, f.RangeErr
}

func TestHistory_PersistsFetchedPoints(t *testing.T) {
	points := []market.PricePoint{
		{Timestamp: time.Unix(1000, 0), Value: 0.5},
		{Timestamp: time.Unix(2000, 0), Value: 0.52},
	}
	store := &fakePriceStore{}
	svc := New(&fakeLedger{}, &fakeMarket{HistoryRet: points}, cachex.New(time.Minute), store,
		ratelimit.New(100, time.Minute), ratelimit.New(100, time.Minute), nil, testLogger())

	_, err := svc.History(context.Background(), "XRP/USD", 7)
	require.NoError(t, err)
	require.Len(t, store.saved["XRP/USD"], 2)
}

func TestHistory_ThrottleFallsBackToStore(t *testing.T) {
	stored := []market.PricePoint{
		{Timestamp: time.Now().Add(-2 * time.Hour), Value: 0.5},
		{Timestamp: time.Now().Add(-time.Hour), Value: 0.48},
	}
	store := &fakePriceStore{RangeRet: stored}
	mkt := &fakeMarket{HistoryErr: market.ErrThrottled}
	svc := New(&fakeLedger{}, mkt, cachex.New(time.Minute), store,
		ratelimit.New(100, time.Minute), ratelimit.New(100, time.Minute), nil, testLogger())

	res, err := svc.History(context.Background(), "XRP/USD", 7)
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.True(t, res.RateLimited)
	require.Len(t, res.Points, 2)
	require.NotEmpty(t, res.Segments)
}

func TestHistory_ThrottleWithoutCacheOrStore(t *testing.T) {
	mkt := &fakeMarket{HistoryErr: market.ErrThrottled}
	svc := newService(t, &fakeLedger{}, mkt)

	_, err := svc.History(context.Background(), "XRP/USD", 7)
	require.ErrorIs(t, err, common.ErrExternalThrottled)
}

func TestMarketBudget_CeilingDependsOnKey(t *testing.T) {
	require.Equal(t, marketCallsWithKey, MarketBudget(true).Ceiling())
	require.Equal(t, marketCallsFree, MarketBudget(false).Ceiling())
}
