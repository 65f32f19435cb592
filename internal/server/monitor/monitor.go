// Package monitor keeps a live subscription to ledger account activity and
// reacts to successful inbound payments: balance refresh, owner notification,
// and duplicate suppression. It survives transport drops by reconnecting with
// the full current address set.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/extclient"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/notifier"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

// State is the monitor lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// BalanceRefresher is the slice of the external client the monitor needs.
type BalanceRefresher interface {
	Balance(ctx context.Context, address string) (*extclient.BalanceResult, error)
	InvalidateBalance(address string)
}

var _ BalanceRefresher = (*extclient.Service)(nil)

// Monitor watches inbound payments for all active custodial accounts.
type Monitor struct {
	accounts  accounts.Repository
	transport xrpledger.SubscribeTransport
	notify    notifier.Notifier
	cache     *cachex.Cache
	ext       BalanceRefresher
	stats     *metrics.Collector
	log       logging.Logger

	reconnectDelay time.Duration

	mu         sync.Mutex
	state      State
	subscribed map[string]struct{}
	stream     xrpledger.Stream
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(accountsRepo accounts.Repository, transport xrpledger.SubscribeTransport,
	notify notifier.Notifier, cache *cachex.Cache, ext BalanceRefresher,
	stats *metrics.Collector, reconnectDelay time.Duration, log logging.Logger) *Monitor {
	return &Monitor{
		accounts:       accountsRepo,
		transport:      transport,
		notify:         notify,
		cache:          cache,
		ext:            ext,
		stats:          stats,
		reconnectDelay: reconnectDelay,
		subscribed:     make(map[string]struct{}),
		log:            log.With("component", "monitor"),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start loads all active accounts, opens the subscription and launches the
// event loop. On any startup failure partially opened resources are closed
// and the error is propagated.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Stopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: monitor already %s", common.ErrorInternal, m.state)
	}
	m.state = Starting
	m.mu.Unlock()

	active, err := m.accounts.ListActive(ctx)
	if err != nil {
		m.setState(Stopped)
		return fmt.Errorf("loading active accounts: %w", err)
	}
	addresses := make([]string, 0, len(active))
	for _, a := range active {
		addresses = append(addresses, a.Address)
	}

	stream, err := m.transport.Dial(ctx)
	if err != nil {
		m.setState(Stopped)
		return fmt.Errorf("dialing subscription transport: %w", err)
	}

	if len(addresses) > 0 {
		if err := stream.Subscribe(ctx, addresses); err != nil {
			_ = stream.Close()
			m.setState(Stopped)
			return fmt.Errorf("subscribing %d addresses: %w", len(addresses), err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if m.state != Starting {
		// Stop won the race during startup; do not publish Running on top
		// of it.
		m.mu.Unlock()
		cancel()
		_ = stream.Close()
		return fmt.Errorf("%w: monitor stopped during startup", common.ErrorInternal)
	}
	m.stream = stream
	m.cancel = cancel
	m.done = make(chan struct{})
	m.subscribed = make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		m.subscribed[addr] = struct{}{}
	}
	m.state = Running
	done := m.done
	m.mu.Unlock()

	m.log.Info(ctx, "monitor started", "addresses", len(addresses))

	go func() {
		defer close(done)
		m.run(loopCtx, stream)
	}()
	return nil
}

// AddAddress joins an address to the running subscription. Re-adding an
// already subscribed address is a no-op.
func (m *Monitor) AddAddress(ctx context.Context, address string) error {
	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return fmt.Errorf("%w: monitor is %s", common.ErrorInternal, m.state)
	}
	if _, ok := m.subscribed[address]; ok {
		m.mu.Unlock()
		return nil
	}
	stream := m.stream
	m.mu.Unlock()

	if err := stream.Subscribe(ctx, []string{address}); err != nil {
		return fmt.Errorf("subscribing %s: %w", address, err)
	}

	m.mu.Lock()
	m.subscribed[address] = struct{}{}
	m.mu.Unlock()
	m.log.Info(ctx, "address joined subscription", "address", address)
	return nil
}

// Stop cancels the event loop, awaits it, closes the transport and clears
// subscription state. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != Running && m.state != Starting {
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	cancel := m.cancel
	stream := m.stream
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if stream != nil {
		_ = stream.Close()
	}

	m.mu.Lock()
	m.stream = nil
	m.cancel = nil
	m.done = nil
	m.subscribed = make(map[string]struct{})
	m.state = Stopped
	m.mu.Unlock()
}

// Run starts the monitor and keeps it alive until the context is cancelled,
// reconnecting with a constant backoff after transport failures. Each
// reconnect re-subscribes the full current set of active accounts, which
// self-heals from dynamic joins missed during the outage.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := retry.NewConstant(m.reconnectDelay)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.Start(ctx); err != nil {
			m.log.Error(ctx, "monitor start failed, will retry", "error", err)
			return retry.RetryableError(err)
		}

		m.mu.Lock()
		done := m.done
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.Stop()
			return ctx.Err()
		case <-done:
			// event loop exited on its own: transport failure
			m.Stop()
			if m.stats != nil {
				m.stats.MonitorReconnect()
			}
			m.log.Warn(ctx, "subscription lost, reconnecting", "delay", m.reconnectDelay)
			return retry.RetryableError(errors.New("subscription lost"))
		}
	})
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// run consumes stream messages until cancellation or transport failure.
// Per-message processing errors are logged and never break the loop.
func (m *Monitor) run(ctx context.Context, stream xrpledger.Stream) {
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn(ctx, "subscription read failed", "error", err)
			return
		}
		m.handle(ctx, msg)
	}
}

// lookupAccount resolves a destination address to its account, caching the
// result so a busy address does not hit the store per payment.
func (m *Monitor) lookupAccount(ctx context.Context, address string) (*models.Account, error) {
	key := cachex.KeyAccountByAddress(address)
	if v, ok := m.cache.Get(key); ok {
		return v.(*models.Account), nil
	}
	account, err := m.accounts.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, account, cachex.TTLAccount)
	return account, nil
}

func (m *Monitor) handle(ctx context.Context, msg *xrpledger.StreamMessage) {
	tx := msg.Transaction
	if msg.Type != "transaction" || tx == nil || msg.Meta == nil {
		return
	}
	if tx.TransactionType != "Payment" || msg.Meta.TransactionResult != "tesSUCCESS" {
		return
	}

	m.mu.Lock()
	_, watched := m.subscribed[tx.Destination]
	m.mu.Unlock()
	if !watched {
		return
	}

	drops, ok := tx.PaymentDrops()
	if !ok {
		// issued-token payment, not XRP
		return
	}
	amount, err := xrpledger.XRPFromDrops(drops)
	if err != nil {
		m.log.Warn(ctx, "unparseable payment amount", "hash", tx.Hash, "drops", drops)
		return
	}

	// set-if-absent guard: a replayed or duplicate event processes once
	if !m.cache.Add(cachex.KeySeenPayment(tx.Hash), struct{}{}, cachex.TTLSeen) {
		m.log.Debug(ctx, "duplicate payment event ignored", "hash", tx.Hash)
		return
	}

	account, err := m.lookupAccount(ctx, tx.Destination)
	if err != nil {
		m.log.Error(ctx, "destination account lookup failed", "address", tx.Destination, "error", err)
		return
	}

	if m.stats != nil {
		m.stats.InboundPayment()
	}
	m.log.Info(ctx, "inbound payment", "hash", tx.Hash, "to", tx.Destination, "amount", amount)

	// notification and balance refresh are independent: either may fail
	// without affecting the other
	if account.Notifications {
		text := fmt.Sprintf("Received %s XRP from %s", amount, tx.Account)
		if err := m.notify.Notify(ctx, account.OwnerRef, text); err != nil {
			m.log.Warn(ctx, "notification delivery failed", "owner", account.OwnerRef, "error", err)
		}
	}

	m.refreshBalance(ctx, account.ID, account.Address)
}

func (m *Monitor) refreshBalance(ctx context.Context, accountID int64, address string) {
	m.ext.InvalidateBalance(address)
	res, err := m.ext.Balance(ctx, address)
	if err != nil {
		m.log.Warn(ctx, "balance refresh failed", "address", address, "error", err)
		return
	}
	if res.Stale {
		return
	}
	if err := m.accounts.UpdateBalance(ctx, accountID, res.Amount, time.Now()); err != nil {
		m.log.Warn(ctx, "persisting refreshed balance failed", "account", accountID, "error", err)
	}
}
