// Package transfers orchestrates the outbound transfer pipeline:
// validate, reserve the idempotency slot, submit to the ledger under the
// sender's account lock, persist the record, reconcile cached balances, and
// bind the token to the final outcome.
package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/extclient"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/idempotency"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/accounts"
	transferrepo "github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/transfers"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/sealing"
	"github.com/dmitrijs2005/xrpkeeper/internal/xrpledger"
)

const opKindTransfer = "transfer"

// Submitter is the slice of the external client the pipeline needs.
type Submitter interface {
	Sign(ctx context.Context, secret string, p xrpledger.Payment) (*xrpledger.SignedIntent, error)
	Submit(ctx context.Context, intent *xrpledger.SignedIntent) (*xrpledger.SubmitResult, error)
	Transaction(ctx context.Context, hash string) (*xrpledger.Transaction, error)
	Balance(ctx context.Context, address string) (*extclient.BalanceResult, error)
	InvalidateBalance(address string)
}

var _ Submitter = (*extclient.Service)(nil)

// Request is one transfer invocation.
type Request struct {
	OwnerID   int64
	Recipient string
	Amount    decimal.Decimal
	Token     string // optional; derived deterministically when empty
	Memo      string
}

// Outcome is the pipeline's answer, identical for every caller that shares
// an idempotency token.
type Outcome struct {
	TransferID  int64                 `json:"transfer_id"`
	TxHash      string                `json:"tx_hash"`
	LedgerIndex int64                 `json:"ledger_index"`
	Fee         decimal.Decimal       `json:"fee"`
	Status      models.TransferStatus `json:"status"`
	ErrorDetail string                `json:"error_detail,omitempty"`
	Replayed    bool                  `json:"-"`
}

// Service runs the transfer pipeline.
type Service struct {
	accounts accounts.Repository
	records  transferrepo.Repository
	idem     *idempotency.Manager
	ext      Submitter
	cache    *cachex.Cache
	sealer   sealing.Sealer
	stats    *metrics.Collector

	idemTTL time.Duration
	now     func() time.Time
	log     logging.Logger
}

func NewService(accountsRepo accounts.Repository, recordsRepo transferrepo.Repository,
	idem *idempotency.Manager, ext Submitter, cache *cachex.Cache, sealer sealing.Sealer,
	stats *metrics.Collector, idemTTL time.Duration, log logging.Logger) *Service {
	return &Service{
		accounts: accountsRepo,
		records:  recordsRepo,
		idem:     idem,
		ext:      ext,
		cache:    cache,
		sealer:   sealer,
		stats:    stats,
		idemTTL:  idemTTL,
		now:      time.Now,
		log:      log.With("component", "transfers"),
	}
}

// Execute runs the full pipeline for one request. Identical concurrent
// requests produce exactly one ledger submission; every caller receives the
// same outcome.
func (s *Service) Execute(ctx context.Context, req Request) (*Outcome, error) {
	started := s.now()

	sender, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	token := req.Token
	payload := canonicalPayload(req)
	if token == "" {
		token, err = idempotency.DeriveToken(req.OwnerID, opKindTransfer, payload)
		if err != nil {
			return nil, err
		}
	}

	rec, existing, err := s.idem.Reserve(ctx, token, req.OwnerID, opKindTransfer, payload, s.idemTTL)
	if err != nil {
		return nil, err
	}
	if existing {
		return s.replay(ctx, token, rec)
	}

	// The funds precheck runs only for a fresh reservation: a replayed token
	// must get its stored outcome even if the balance has since dropped.
	if err := s.precheckFunds(ctx, sender, req); err != nil {
		if relErr := s.idem.Release(ctx, rec); relErr != nil {
			s.log.Error(ctx, "releasing reservation after precheck", "token", token, "error", relErr)
		}
		return nil, err
	}

	// The slot is ours. From here on the submission must run to completion
	// even if the originating request goes away: once sent, a ledger
	// transaction cannot be un-sent.
	ctx = context.WithoutCancel(ctx)

	outcome, err := s.submit(ctx, sender, req, token, rec)
	if err != nil {
		return outcome, err
	}

	if s.stats != nil {
		s.stats.ObserveTransfer(string(outcome.Status), s.now().Sub(started))
	}
	return outcome, nil
}

func (s *Service) validate(ctx context.Context, req Request) (*models.Account, error) {
	if !xrpledger.ValidAddress(req.Recipient) {
		return nil, fmt.Errorf("%w: bad recipient address %q", common.ErrValidation, req.Recipient)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", common.ErrValidation)
	}
	if req.Amount.LessThan(common.DustThreshold) {
		return nil, fmt.Errorf("%w: amount below minimum %s", common.ErrValidation, common.DustThreshold)
	}
	if req.Amount.GreaterThan(common.MaxTransferAmount) {
		return nil, fmt.Errorf("%w: amount above maximum %s", common.ErrValidation, common.MaxTransferAmount)
	}

	sender, err := s.accounts.GetByID(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !sender.Active {
		return nil, fmt.Errorf("%w: account %d is deactivated", common.ErrValidation, sender.ID)
	}
	if sender.Address == req.Recipient {
		return nil, fmt.Errorf("%w: sender and recipient are the same address", common.ErrValidation)
	}
	return sender, nil
}

// precheckFunds rejects transfers the sender visibly cannot afford. The base
// reserve is not spendable and is excluded from the available balance. The
// check is best-effort: a stale or failed read does not block the transfer,
// since the ledger itself rejects underfunded submissions with a definitive
// engine code.
func (s *Service) precheckFunds(ctx context.Context, sender *models.Account, req Request) error {
	res, err := s.ext.Balance(ctx, sender.Address)
	if err != nil || res.Stale {
		return nil
	}
	spendable := res.Amount.Sub(common.MinAccountBalance)
	needed := req.Amount.Add(common.StandardFee)
	if spendable.LessThan(needed) {
		return fmt.Errorf("%w: spendable balance %s is below %s (amount plus fee)",
			common.ErrValidation, spendable, needed)
	}
	return nil
}

// replay answers from an existing idempotency record without executing.
func (s *Service) replay(ctx context.Context, token string, rec *models.IdempotencyRecord) (*Outcome, error) {
	switch rec.Status {
	case models.IdempotencyProcessing:
		return nil, fmt.Errorf("%w: token %q", common.ErrDuplicateInFlight, token)
	case models.IdempotencySuccess, models.IdempotencyFailed:
		if s.stats != nil {
			s.stats.IdempotencyReplay()
		}
		var out Outcome
		if err := json.Unmarshal(rec.Response, &out); err != nil {
			return nil, fmt.Errorf("decoding stored outcome for %q: %w", token, err)
		}
		out.Replayed = true
		s.log.Info(ctx, "replaying stored transfer outcome", "token", token, "status", out.Status)
		if rec.Status == models.IdempotencyFailed {
			return &out, fmt.Errorf("%w: %s", common.ErrLedgerRejected, out.ErrorDetail)
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("%w: unknown idempotency status %q", common.ErrorInternal, rec.Status)
	}
}

func (s *Service) submit(ctx context.Context, sender *models.Account, req Request, token string, rec *models.IdempotencyRecord) (*Outcome, error) {
	record := &models.TransferRecord{
		SenderID:         sender.ID,
		SenderAddress:    sender.Address,
		RecipientAddress: req.Recipient,
		Amount:           req.Amount,
		Fee:              common.StandardFee,
		IdempotencyToken: &token,
	}
	record, err := s.records.Create(ctx, record)
	if err != nil {
		return nil, err
	}

	secret, err := s.sealer.Unseal(sender.SealedSecret)
	if err != nil {
		return nil, s.fail(ctx, record, rec, "unsealing signing secret failed")
	}

	intent, err := s.ext.Sign(ctx, string(secret), xrpledger.Payment{
		Account:     sender.Address,
		Destination: req.Recipient,
		Amount:      req.Amount,
		Memo:        req.Memo,
	})
	if err != nil {
		return nil, s.fail(ctx, record, rec, fmt.Sprintf("signing failed: %v", err))
	}

	// The hash is known before submission; persisting it now lets the
	// reconciler resolve an ambiguous outcome later.
	if err := s.records.SetTxHash(ctx, record.ID, intent.Hash); err != nil {
		return nil, err
	}

	// The lock serializes submissions from one account (sequence-number
	// races) and is released right after the network call, not after the
	// bookkeeping below.
	unlock := s.cache.Lock(cachex.KeyTransferLock(sender.ID))
	result, submitErr := s.ext.Submit(ctx, intent)
	unlock()

	if submitErr != nil {
		// Transport failure with unknown remote outcome: the record stays
		// pending and the token stays processing until reconciliation.
		s.log.Warn(ctx, "submission outcome unknown, leaving for reconciliation",
			"transfer", record.ID, "hash", intent.Hash, "error", submitErr)
		return nil, fmt.Errorf("%w: transfer %d hash %s: %v",
			common.ErrAmbiguousOutcome, record.ID, intent.Hash, submitErr)
	}

	if !result.Applied() {
		out, err := s.finishFailed(ctx, record, rec, result.ResultCode)
		if err != nil {
			return nil, err
		}
		return out, fmt.Errorf("%w: %w", common.ErrLedgerRejected,
			&xrpledger.RejectionError{Code: result.ResultCode, Message: result.Message})
	}

	return s.finishConfirmed(ctx, record, rec, sender, req.Recipient, result)
}

// fail marks both the record and the token failed for a definite local
// error before any submission happened.
func (s *Service) fail(ctx context.Context, record *models.TransferRecord, rec *models.IdempotencyRecord, detail string) error {
	if err := s.records.MarkFailed(ctx, record.ID, detail); err != nil {
		s.log.Error(ctx, "marking transfer failed", "transfer", record.ID, "error", err)
	}
	out := &Outcome{TransferID: record.ID, Status: models.TransferFailed, ErrorDetail: detail}
	if err := s.completeIdem(ctx, rec, models.IdempotencyFailed, out, record.ID); err != nil {
		s.log.Error(ctx, "completing idempotency record", "token", rec.Token, "error", err)
	}
	return fmt.Errorf("%w: %s", common.ErrLedgerRejected, detail)
}

func (s *Service) finishFailed(ctx context.Context, record *models.TransferRecord, rec *models.IdempotencyRecord, code string) (*Outcome, error) {
	if err := s.records.MarkFailed(ctx, record.ID, code); err != nil {
		return nil, err
	}
	out := &Outcome{TransferID: record.ID, Status: models.TransferFailed, ErrorDetail: code}
	if err := s.completeIdem(ctx, rec, models.IdempotencyFailed, out, record.ID); err != nil {
		return nil, err
	}
	if s.stats != nil {
		s.stats.ObserveTransfer(string(models.TransferFailed), 0)
	}
	return out, nil
}

func (s *Service) finishConfirmed(ctx context.Context, record *models.TransferRecord, rec *models.IdempotencyRecord,
	sender *models.Account, recipient string, result *xrpledger.SubmitResult) (*Outcome, error) {

	confirmedAt := s.now()
	if err := s.records.MarkConfirmed(ctx, record.ID, result.Hash, result.LedgerIndex, result.Fee, confirmedAt); err != nil {
		return nil, err
	}

	// Balances come back from the ledger, never from local arithmetic, so
	// fee rounding and reserve rules cannot drift the cache.
	s.refreshBalance(ctx, sender.ID, sender.Address)
	if other, err := s.accounts.GetByAddress(ctx, recipient); err == nil {
		s.refreshBalance(ctx, other.ID, other.Address)
	} else if !errors.Is(err, common.ErrorNotFound) {
		s.log.Warn(ctx, "recipient lookup failed during reconcile", "address", recipient, "error", err)
	}

	out := &Outcome{
		TransferID:  record.ID,
		TxHash:      result.Hash,
		LedgerIndex: result.LedgerIndex,
		Fee:         result.Fee,
		Status:      models.TransferConfirmed,
	}
	if err := s.completeIdem(ctx, rec, models.IdempotencySuccess, out, record.ID); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "transfer confirmed", "transfer", record.ID, "hash", result.Hash, "amount", record.Amount)
	return out, nil
}

func (s *Service) completeIdem(ctx context.Context, rec *models.IdempotencyRecord, status models.IdempotencyStatus, out *Outcome, transferID int64) error {
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return s.idem.Complete(ctx, rec, status, body, &transferID)
}

// refreshBalance re-reads the address balance from the ledger and persists
// it. Failures are logged, not propagated: the cache is an optimization.
func (s *Service) refreshBalance(ctx context.Context, accountID int64, address string) {
	s.ext.InvalidateBalance(address)
	res, err := s.ext.Balance(ctx, address)
	if err != nil {
		s.log.Warn(ctx, "balance refresh failed", "address", address, "error", err)
		return
	}
	if res.Stale {
		return
	}
	if err := s.accounts.UpdateBalance(ctx, accountID, res.Amount, s.now()); err != nil {
		s.log.Warn(ctx, "persisting refreshed balance failed", "account", accountID, "error", err)
	}
}

// canonicalPayload is the request shape hashed into the idempotency record.
func canonicalPayload(req Request) map[string]any {
	return map[string]any{
		"recipient": req.Recipient,
		"amount":    req.Amount.String(),
	}
}
