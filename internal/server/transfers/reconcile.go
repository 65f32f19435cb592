package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
)

// ResolvePending reconciles transfers whose submission outcome was unknown:
// it polls the ledger for the locally computed transaction hash and settles
// the record either way. Transfers the ledger has not seen yet stay pending;
// a pending record is never guessed into failed. Returns the number of
// records resolved.
func (s *Service) ResolvePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	pending, err := s.records.ListPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		rec := &pending[i]
		if rec.TxHash == nil {
			// submission never got as far as signing; the pipeline already
			// settled these, so a hashless pending record is settle-able as
			// failed only by manual intervention
			s.log.Warn(ctx, "pending transfer without a hash", "transfer", rec.ID)
			continue
		}

		tx, err := s.ext.Transaction(ctx, *rec.TxHash)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.log.Debug(ctx, "submitted transaction not on ledger yet", "transfer", rec.ID, "hash", *rec.TxHash)
				continue
			}
			s.log.Warn(ctx, "reconciliation lookup failed", "transfer", rec.ID, "error", err)
			continue
		}
		if !tx.Validated {
			continue
		}

		if tx.Succeeded() {
			if err := s.resolveConfirmed(ctx, rec, tx.LedgerIndex, tx.Fee); err != nil {
				s.log.Error(ctx, "resolving transfer as confirmed", "transfer", rec.ID, "error", err)
				continue
			}
		} else {
			if err := s.resolveFailed(ctx, rec, tx.ResultCode); err != nil {
				s.log.Error(ctx, "resolving transfer as failed", "transfer", rec.ID, "error", err)
				continue
			}
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) resolveConfirmed(ctx context.Context, rec *models.TransferRecord, ledgerIndex int64, fee decimal.Decimal) error {
	confirmedAt := s.now()
	if err := s.records.MarkConfirmed(ctx, rec.ID, *rec.TxHash, ledgerIndex, fee, confirmedAt); err != nil {
		return err
	}

	s.refreshBalance(ctx, rec.SenderID, rec.SenderAddress)
	if other, err := s.accounts.GetByAddress(ctx, rec.RecipientAddress); err == nil {
		s.refreshBalance(ctx, other.ID, other.Address)
	}

	if rec.IdempotencyToken != nil {
		out := &Outcome{
			TransferID:  rec.ID,
			TxHash:      *rec.TxHash,
			LedgerIndex: ledgerIndex,
			Fee:         fee,
			Status:      models.TransferConfirmed,
		}
		body, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := s.idem.CompleteToken(ctx, *rec.IdempotencyToken, models.IdempotencySuccess, body, &rec.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
	}

	s.log.Info(ctx, "ambiguous transfer resolved as confirmed", "transfer", rec.ID, "hash", *rec.TxHash)
	return nil
}

func (s *Service) resolveFailed(ctx context.Context, rec *models.TransferRecord, code string) error {
	if err := s.records.MarkFailed(ctx, rec.ID, code); err != nil {
		return err
	}

	if rec.IdempotencyToken != nil {
		out := &Outcome{TransferID: rec.ID, Status: models.TransferFailed, ErrorDetail: code}
		body, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := s.idem.CompleteToken(ctx, *rec.IdempotencyToken, models.IdempotencyFailed, body, &rec.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
	}

	s.log.Info(ctx, "ambiguous transfer resolved as failed", "transfer", rec.ID, "code", code)
	return nil
}
