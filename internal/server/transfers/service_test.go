package transfers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/extclient"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/idempotency"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

const (
	senderAddr    = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	recipientAddr = "rJb5KsHsDHF1YS5B5DU6QCkH5NsPaKQTcy"
)

// ---- fake accounts repository ----

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[int64]*models.Account
	balances map[int64]decimal.Decimal
}

func newFakeAccounts(accts ...*models.Account) *fakeAccounts {
	f := &fakeAccounts{byID: make(map[int64]*models.Account), balances: make(map[int64]decimal.Decimal)}
	for _, a := range accts {
		f.byID[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	return a, nil
}

func (f *fakeAccounts) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) GetByOwnerRef(ctx context.Context, ref string) (*models.Account, error) {
	return nil, common.ErrorNotFound
}

func (f *fakeAccounts) GetByAddress(ctx context.Context, address string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Address == address {
			cp := *a
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeAccounts) ListActive(ctx context.Context) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Account
	for _, a := range f.byID {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = balance
	return nil
}

func (f *fakeAccounts) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	return nil
}
func (f *fakeAccounts) Deactivate(ctx context.Context, id int64) error { return nil }

// ---- fake transfer records repository ----

type fakeRecords struct {
	mu     sync.Mutex
	byID   map[int64]*models.TransferRecord
	nextID int64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byID: make(map[int64]*models.TransferRecord)}
}

func (f *fakeRecords) Create(ctx context.Context, rec *models.TransferRecord) (*models.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = f.nextID
	rec.Status = models.TransferPending
	rec.CreatedAt = time.Now()
	cp := *rec
	f.byID[rec.ID] = &cp
	return rec, nil
}

func (f *fakeRecords) GetByID(ctx context.Context, id int64) (*models.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) GetByTxHash(ctx context.Context, hash string) (*models.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byID {
		if rec.TxHash != nil && *rec.TxHash == hash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeRecords) MarkConfirmed(ctx context.Context, id int64, hash string, ledgerIndex int64, fee decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok || rec.Status != models.TransferPending {
		return common.ErrorNotFound
	}
	rec.Status = models.TransferConfirmed
	rec.TxHash = &hash
	rec.LedgerIndex = &ledgerIndex
	rec.Fee = fee
	rec.ConfirmedAt = &at
	return nil
}

func (f *fakeRecords) MarkFailed(ctx context.Context, id int64, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok || rec.Status != models.TransferPending {
		return common.ErrorNotFound
	}
	rec.Status = models.TransferFailed
	rec.ErrorDetail = &detail
	return nil
}

func (f *fakeRecords) SetTxHash(ctx context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	rec.TxHash = &hash
	return nil
}

func (f *fakeRecords) ListPending(ctx context.Context, olderThan time.Time) ([]models.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TransferRecord
	for _, rec := range f.byID {
		if rec.Status == models.TransferPending && rec.CreatedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeRecords) ListBySender(ctx context.Context, senderID int64, limit, offset int) ([]models.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.TransferRecord
	for _, rec := range f.byID {
		if rec.SenderID == senderID {
			all = append(all, *rec)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeRecords) CountBySender(ctx context.Context, senderID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.byID {
		if rec.SenderID == senderID {
			n++
		}
	}
	return n, nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

// ---- fake idempotency store ----

type fakeIdemStore struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
	nextID  int64
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{records: make(map[string]*models.IdempotencyRecord)}
}

func (r *fakeIdemStore) Insert(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Token]; ok {
		return nil, common.ErrorAlreadyExists
	}
	r.nextID++
	rec.ID = r.nextID
	rec.Status = models.IdempotencyProcessing
	cp := *rec
	r.records[rec.Token] = &cp
	return rec, nil
}

func (r *fakeIdemStore) GetByToken(ctx context.Context, token string) (*models.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeIdemStore) Finalize(ctx context.Context, token string, status models.IdempotencyStatus, response []byte, transferID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[token]
	if !ok || rec.Status != models.IdempotencyProcessing {
		return common.ErrorNotFound
	}
	rec.Status = status
	rec.Response = response
	rec.TransferID = transferID
	return nil
}

func (r *fakeIdemStore) DeleteByToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, token)
	return nil
}

func (r *fakeIdemStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	return 0, nil
}

func (r *fakeIdemStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ---- fake submitter (external client slice) ----

type fakeSubmitter struct {
	mu          sync.Mutex
	submitCalls atomic.Int64
	submitRet   *xrpledger.SubmitResult
	submitErr   error
	txByHash    map[string]*xrpledger.Transaction
	balance     decimal.Decimal
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		submitRet: &xrpledger.SubmitResult{
			Hash:        "LOCALHASH",
			LedgerIndex: 90000001,
			ResultCode:  "tesSUCCESS",
			Fee:         common.StandardFee,
		},
		txByHash: make(map[string]*xrpledger.Transaction),
		balance:  decimal.RequireFromString("100"),
	}
}

func (f *fakeSubmitter) Sign(ctx context.Context, secret string, p xrpledger.Payment) (*xrpledger.SignedIntent, error) {
	return &xrpledger.SignedIntent{
		Account:     p.Account,
		Destination: p.Destination,
		Amount:      p.Amount,
		Blob:        "BLOB",
		Hash:        "LOCALHASH",
		Sequence:    7,
	}, nil
}

func (f *fakeSubmitter) Submit(ctx context.Context, intent *xrpledger.SignedIntent) (*xrpledger.SubmitResult, error) {
	f.submitCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitRet, f.submitErr
}

func (f *fakeSubmitter) Transaction(ctx context.Context, hash string) (*xrpledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txByHash[hash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return tx, nil
}

func (f *fakeSubmitter) Balance(ctx context.Context, address string) (*extclient.BalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &extclient.BalanceResult{Address: address, Amount: f.balance, FetchedAt: time.Now()}, nil
}

func (f *fakeSubmitter) InvalidateBalance(address string) {}

func (f *fakeSubmitter) setBalance(amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = decimal.RequireFromString(amount)
}

// ---- fake sealer ----

type fakeSealer struct{}

func (fakeSealer) Seal(secret []byte) ([]byte, error)   { return secret, nil }
func (fakeSealer) Unseal(sealed []byte) ([]byte, error) { return sealed, nil }

// ---- harness ----

type fixture struct {
	svc       *Service
	accounts  *fakeAccounts
	records   *fakeRecords
	idemStore *fakeIdemStore
	ext       *fakeSubmitter
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sender := &models.Account{
		ID: 1, OwnerRef: "tg:100", Address: senderAddr,
		SealedSecret: []byte("sSenderSecret"), Active: true, Notifications: true,
	}
	log := testLogger()
	accts := newFakeAccounts(sender)
	recs := newFakeRecords()
	idemStore := newFakeIdemStore()
	ext := newFakeSubmitter()

	svc := NewService(accts, recs, idempotency.NewManager(idemStore, log), ext,
		cachex.New(time.Minute), fakeSealer{}, metrics.NewCollector(), time.Hour, log)

	return &fixture{svc: svc, accounts: accts, records: recs, idemStore: idemStore, ext: ext}
}

func request(amount string) Request {
	return Request{
		OwnerID:   1,
		Recipient: recipientAddr,
		Amount:    decimal.RequireFromString(amount),
		Token:     "client-token-0001",
	}
}

// ---- tests ----

func TestExecute_Confirmed(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.Equal(t, models.TransferConfirmed, out.Status)
	require.Equal(t, "LOCALHASH", out.TxHash)
	require.False(t, out.Replayed)

	rec, err := f.records.GetByID(context.Background(), out.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferConfirmed, rec.Status)

	// balance reconciled from the ledger, not local arithmetic
	require.True(t, f.accounts.balances[1].Equal(decimal.RequireFromString("100")))

	stored, err := f.idemStore.GetByToken(context.Background(), "client-token-0001")
	require.NoError(t, err)
	require.Equal(t, models.IdempotencySuccess, stored.Status)
	require.Equal(t, out.TransferID, *stored.TransferID)
}

func TestExecute_ZeroAmount_NoStateCreated(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), request("0"))
	require.ErrorIs(t, err, common.ErrValidation)
	require.Zero(t, f.records.count())
	require.Zero(t, f.idemStore.count())
}

func TestExecute_BadRecipient(t *testing.T) {
	f := newFixture(t)

	req := request("10")
	req.Recipient = "not-an-address"
	_, err := f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestExecute_SelfSend(t *testing.T) {
	f := newFixture(t)

	req := request("10")
	req.Recipient = senderAddr
	_, err := f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestExecute_AmountAboveCeiling(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), request("1000001"))
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestExecute_InsufficientBalance_NoStateCreated(t *testing.T) {
	f := newFixture(t)

	// fixture balance is 100; amount plus fee exceeds it
	_, err := f.svc.Execute(context.Background(), request("100"))
	require.ErrorIs(t, err, common.ErrValidation)
	require.Zero(t, f.records.count())
	// the reservation is released so a retry after a deposit runs fresh
	require.Zero(t, f.idemStore.count())
}

func TestExecute_ReserveExcludedFromSpendable(t *testing.T) {
	f := newFixture(t)

	// balance 11, base reserve 1: only 10 is spendable and the fee tips it over
	f.ext.setBalance("11")
	_, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrValidation)
	require.Zero(t, f.records.count())
}

func TestExecute_ReplayUnaffectedByBalanceDrop(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.Equal(t, models.TransferConfirmed, first.Status)

	// the account is drained after the transfer confirmed; a retry with the
	// same token must still get the stored outcome, not a funds rejection
	f.ext.setBalance("0.5")

	second, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.TxHash, second.TxHash)
	require.Equal(t, first.TransferID, second.TransferID)
	require.Equal(t, int64(1), f.ext.submitCalls.Load())
}

func TestExecute_RetryAfterDepositSucceeds(t *testing.T) {
	f := newFixture(t)

	f.ext.setBalance("0.5")
	_, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrValidation)

	f.ext.setBalance("100")
	out, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.Equal(t, models.TransferConfirmed, out.Status)
	require.False(t, out.Replayed)
}

func TestExecute_ReplaySuccess(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)

	second, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.TxHash, second.TxHash)
	require.Equal(t, first.TransferID, second.TransferID)
	require.Equal(t, int64(1), f.ext.submitCalls.Load())
}

func TestExecute_CollisionOnDifferentPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)

	req := request("20") // same token, different amount
	_, err = f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, common.ErrIdempotencyCollision)
}

func TestExecute_ConcurrentSameToken_OneSubmission(t *testing.T) {
	f := newFixture(t)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	hashes := map[string]int{}
	var duplicateInFlight int

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Execute(context.Background(), request("10"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, common.ErrDuplicateInFlight) {
					duplicateInFlight++
				}
				return
			}
			hashes[out.TxHash]++
		}()
	}
	wg.Wait()

	// exactly one ledger submission happened
	require.Equal(t, int64(1), f.ext.submitCalls.Load())
	// every caller that got an outcome saw the same hash
	require.LessOrEqual(t, len(hashes), 1)
	for h := range hashes {
		require.Equal(t, "LOCALHASH", h)
	}
	// callers that raced a processing record were told not to resubmit
	require.Equal(t, n, hashes["LOCALHASH"]+duplicateInFlight)
}

func TestExecute_LedgerRejection(t *testing.T) {
	f := newFixture(t)
	f.ext.submitRet = &xrpledger.SubmitResult{
		Hash: "LOCALHASH", ResultCode: "tecUNFUNDED_PAYMENT",
		Message: "Insufficient XRP balance to send.",
	}

	out, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrLedgerRejected)

	// the verbatim engine code stays inspectable on the error chain
	var rej *xrpledger.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "tecUNFUNDED_PAYMENT", rej.Code)
	require.Equal(t, "Insufficient XRP balance to send.", rej.Message)
	require.NotNil(t, out)
	require.Equal(t, models.TransferFailed, out.Status)
	require.Equal(t, "tecUNFUNDED_PAYMENT", out.ErrorDetail)

	rec, err := f.records.GetByID(context.Background(), out.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferFailed, rec.Status)
	require.Equal(t, "tecUNFUNDED_PAYMENT", *rec.ErrorDetail)

	stored, err := f.idemStore.GetByToken(context.Background(), "client-token-0001")
	require.NoError(t, err)
	require.Equal(t, models.IdempotencyFailed, stored.Status)
}

func TestExecute_AmbiguousOutcome_StaysPending(t *testing.T) {
	f := newFixture(t)
	f.ext.submitErr = errors.New("i/o timeout")
	f.ext.submitRet = nil

	_, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrAmbiguousOutcome)

	// the record stays pending with the locally computed hash attached
	rec, err := f.records.GetByTxHash(context.Background(), "LOCALHASH")
	require.NoError(t, err)
	require.Equal(t, models.TransferPending, rec.Status)

	// the token stays processing: a retry is told the operation is in flight
	_, err = f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrDuplicateInFlight)
}

func TestResolvePending_ConfirmsViaLedger(t *testing.T) {
	f := newFixture(t)
	f.ext.submitErr = errors.New("i/o timeout")
	f.ext.submitRet = nil

	_, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrAmbiguousOutcome)

	// the ledger later reports the transaction as validated and successful
	f.ext.mu.Lock()
	f.ext.txByHash["LOCALHASH"] = &xrpledger.Transaction{
		Hash: "LOCALHASH", ResultCode: "tesSUCCESS", Validated: true,
		LedgerIndex: 90000002, Fee: common.StandardFee,
	}
	f.ext.mu.Unlock()

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	resolved, err := f.svc.ResolvePending(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	rec, err := f.records.GetByTxHash(context.Background(), "LOCALHASH")
	require.NoError(t, err)
	require.Equal(t, models.TransferConfirmed, rec.Status)

	// a retry with the same token now replays the confirmed outcome
	f.svc.now = time.Now
	out, err := f.svc.Execute(context.Background(), request("10"))
	require.NoError(t, err)
	require.True(t, out.Replayed)
	require.Equal(t, models.TransferConfirmed, out.Status)
	require.Equal(t, int64(1), f.ext.submitCalls.Load())
}

func TestResolvePending_FailsOnlyOnPositiveRejection(t *testing.T) {
	f := newFixture(t)
	f.ext.submitErr = errors.New("i/o timeout")
	f.ext.submitRet = nil

	_, err := f.svc.Execute(context.Background(), request("10"))
	require.ErrorIs(t, err, common.ErrAmbiguousOutcome)

	// ledger has never seen the transaction: stays pending, never guessed failed
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	resolved, err := f.svc.ResolvePending(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Zero(t, resolved)

	rec, err := f.records.GetByTxHash(context.Background(), "LOCALHASH")
	require.NoError(t, err)
	require.Equal(t, models.TransferPending, rec.Status)

	// now the ledger reports a definitive rejection
	f.ext.mu.Lock()
	f.ext.txByHash["LOCALHASH"] = &xrpledger.Transaction{
		Hash: "LOCALHASH", ResultCode: "tecUNFUNDED_PAYMENT", Validated: true,
	}
	f.ext.mu.Unlock()

	resolved, err = f.svc.ResolvePending(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	rec, err = f.records.GetByTxHash(context.Background(), "LOCALHASH")
	require.NoError(t, err)
	require.Equal(t, models.TransferFailed, rec.Status)
}

func TestExecute_DerivedTokenConverges(t *testing.T) {
	f := newFixture(t)

	req := request("10")
	req.Token = ""
	first, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.TransferID, second.TransferID)
	require.Equal(t, int64(1), f.ext.submitCalls.Load())
}

func TestHistory_Paging(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		req := request("10")
		req.Token = ""
		req.Amount = decimal.NewFromInt(int64(i + 1))
		_, err := f.svc.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	page, total, err := f.svc.History(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Len(t, page, 2)

	_, total, err = f.svc.History(context.Background(), 99, 10, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}
