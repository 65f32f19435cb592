// Package server initializes and runs the payment service: it wires the
// store, the external clients and the background loops, and handles
// graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/market"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/accounts"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/config"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/extclient"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/idempotency"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/monitor"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/notifier"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/pricehistory"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/sealing"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/transfers"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

// sweepBatchSize bounds one idempotency sweeper pass.
const sweepBatchSize = 500

// priceRetention is how long stored market samples are kept.
const priceRetention = 90 * 24 * time.Hour

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	stats       *metrics.Collector
	idem        *idempotency.Manager
	transferSvc *transfers.Service
	accountSvc  *accounts.Service
	mon         *monitor.Monitor
	prices      pricehistory.Repository
}

func NewApp(c *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	sealer, err := sealing.NewAESGCMSealer([]byte(c.SealingPassphrase), []byte(c.SealingSalt))
	if err != nil {
		return nil, fmt.Errorf("sealer init error: %w", err)
	}

	cache := cachex.New(time.Minute)
	stats := metrics.NewCollector()

	ledger := xrpledger.NewJSONRPCClient(c.LedgerRPCURL, c.FaucetURL, c.Network, logger)
	mkt := market.NewCoinGeckoClient(c.MarketBaseURL, c.MarketAPIKey)

	ext := extclient.New(ledger, mkt, cache, rm.PriceHistory(db),
		extclient.LedgerBudget(), extclient.MarketBudget(c.MarketAPIKey != ""), stats, logger)

	idem := idempotency.NewManager(rm.IdempotencyKeys(db), logger)

	transferSvc := transfers.NewService(rm.Accounts(db), rm.Transfers(db), idem, ext,
		cache, sealer, stats, c.IdempotencyTTL, logger)

	notify := notifier.NewTelegram(c.BotToken, c.BotAPIEndpoint, logger)
	transport := xrpledger.NewWebsocketTransport(c.LedgerWSURL, logger)
	mon := monitor.New(rm.Accounts(db), transport, notify, cache, ext, stats, c.ReconnectDelay, logger)

	accountSvc := accounts.NewService(rm.Accounts(db), ledger, ledger, mon, sealer, cache, c.Network, logger)

	return &App{
		config:      c,
		logger:      logger,
		db:          db,
		stats:       stats,
		idem:        idem,
		transferSvc: transferSvc,
		accountSvc:  accountSvc,
		mon:         mon,
		prices:      rm.PriceHistory(db),
	}, nil
}

// Transfers exposes the transfer pipeline for embedding callers.
func (app *App) Transfers() *transfers.Service { return app.transferSvc }

// Accounts exposes the provisioning service for embedding callers.
func (app *App) Accounts() *accounts.Service { return app.accountSvc }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweeper periodically removes expired idempotency records and prunes
// old price samples.
func (app *App) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(app.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := app.idem.Sweep(ctx, sweepBatchSize)
			if err != nil {
				app.logger.Error(ctx, "idempotency sweep failed", "error", err)
			} else if n > 0 {
				app.stats.Swept(n)
			}
			if _, err := app.prices.Prune(ctx, time.Now().Add(-priceRetention)); err != nil {
				app.logger.Error(ctx, "price history prune failed", "error", err)
			}
		}
	}
}

// runReconciler periodically resolves transfers whose submission outcome
// was ambiguous.
func (app *App) runReconciler(ctx context.Context) error {
	ticker := time.NewTicker(app.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := app.transferSvc.ResolvePending(ctx, app.config.ReconcileAfter); err != nil {
				app.logger.Error(ctx, "pending transfer reconciliation failed", "error", err)
			}
		}
	}
}

func (app *App) runMetricsServer(ctx context.Context) error {
	srv := app.stats.Server(app.config.MetricsAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.mon.Run(gctx) })
	g.Go(func() error { return app.runSweeper(gctx) })
	g.Go(func() error { return app.runReconciler(gctx) })
	g.Go(func() error { return app.runMetricsServer(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error(ctx, "app stopped with error", "error", err)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database", "error", err)
	}
	app.logger.Info(ctx, "app stopped")
}
