// Package idempotency binds client-supplied tokens to at most one operation
// outcome. Reservation races are resolved through the store's uniqueness
// constraint on the token, so the guarantee holds across process instances.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/idemkeys"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,255}$`)

// ValidToken reports whether the token matches the accepted format:
// 8 to 255 characters of alphanumerics, hyphen and underscore.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// CanonicalHash computes the SHA-256 hex digest of the canonical request
// serialization. Map keys marshal in sorted order, so equal payloads hash
// equally regardless of field insertion order.
func CanonicalHash(ownerID int64, opKind string, payload map[string]any) (string, error) {
	canonical := map[string]any{
		"owner_id":       ownerID,
		"operation_kind": opKind,
		"request":        payload,
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveToken builds a deterministic token for callers that have none, so a
// retried request from a disconnected client converges on the same record.
func DeriveToken(ownerID int64, opKind string, payload map[string]any) (string, error) {
	hash, err := CanonicalHash(ownerID, opKind, payload)
	if err != nil {
		return "", err
	}
	return opKind + "_" + hash[:16], nil
}

// Manager implements the token lifecycle: check, reserve, complete, sweep.
type Manager struct {
	repo idemkeys.Repository
	now  func() time.Time
	log  logging.Logger
}

func NewManager(repo idemkeys.Repository, log logging.Logger) *Manager {
	return &Manager{
		repo: repo,
		now:  time.Now,
		log:  log.With("component", "idempotency"),
	}
}

// Check returns the unexpired record bound to token, or nil if the token is
// unknown (the caller proceeds as a new operation). Expired records are
// purged lazily and treated as absent. A token reused with a different
// payload fails with ErrIdempotencyCollision and leaves the record untouched.
func (m *Manager) Check(ctx context.Context, token string, ownerID int64, opKind string, payload map[string]any) (*models.IdempotencyRecord, error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("%w: %q", common.ErrInvalidTokenFormat, token)
	}

	rec, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if rec.Expired(m.now()) {
		if err := m.repo.DeleteByToken(ctx, token); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
		return nil, nil
	}

	hash, err := CanonicalHash(ownerID, opKind, payload)
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != hash {
		return nil, fmt.Errorf("%w: token %q bound to a different request", common.ErrIdempotencyCollision, token)
	}

	return rec, nil
}

// Reserve inserts a processing record for the token. When a concurrent
// reserver wins the race, the loser re-runs Check and returns the winner's
// record with existing=true instead of failing — neither side executes twice.
func (m *Manager) Reserve(ctx context.Context, token string, ownerID int64, opKind string, payload map[string]any, ttl time.Duration) (rec *models.IdempotencyRecord, existing bool, err error) {
	prior, err := m.Check(ctx, token, ownerID, opKind, payload)
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		return prior, true, nil
	}

	hash, err := CanonicalHash(ownerID, opKind, payload)
	if err != nil {
		return nil, false, err
	}

	fresh := &models.IdempotencyRecord{
		Token:         token,
		AccountID:     ownerID,
		OperationKind: opKind,
		RequestHash:   hash,
		ExpiresAt:     m.now().Add(ttl),
	}

	inserted, err := m.repo.Insert(ctx, fresh)
	if err == nil {
		return inserted, false, nil
	}
	if !errors.Is(err, common.ErrorAlreadyExists) {
		return nil, false, err
	}

	// lost the insert race; the winner's record answers for both
	m.log.Debug(ctx, "lost reservation race", "token", token)
	winner, err := m.Check(ctx, token, ownerID, opKind, payload)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		// winner expired or was swept between insert and re-check
		return nil, false, fmt.Errorf("%w: token %q vanished during reservation", common.ErrorInternal, token)
	}
	return winner, true, nil
}

// Complete finalizes a reserved record with its real outcome. Must be called
// exactly once per successful Reserve.
func (m *Manager) Complete(ctx context.Context, rec *models.IdempotencyRecord, status models.IdempotencyStatus, response []byte, transferID *int64) error {
	if err := m.CompleteToken(ctx, rec.Token, status, response, transferID); err != nil {
		return err
	}
	rec.Status = status
	rec.Response = response
	rec.TransferID = transferID
	return nil
}

// Release drops a reservation whose operation never started, so a later
// retry of the same token runs fresh instead of replaying a non-outcome.
func (m *Manager) Release(ctx context.Context, rec *models.IdempotencyRecord) error {
	if err := m.repo.DeleteByToken(ctx, rec.Token); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("releasing idempotency record %q: %w", rec.Token, err)
	}
	return nil
}

// CompleteToken finalizes by token alone, for reconcilers that only hold the
// token string from a persisted record.
func (m *Manager) CompleteToken(ctx context.Context, token string, status models.IdempotencyStatus, response []byte, transferID *int64) error {
	if err := m.repo.Finalize(ctx, token, status, response, transferID); err != nil {
		return fmt.Errorf("finalizing idempotency record %q: %w", token, err)
	}
	return nil
}

// Sweep deletes expired records in bounded batches and returns the total
// removed. Safe to run concurrently and repeatedly.
func (m *Manager) Sweep(ctx context.Context, batchSize int) (int64, error) {
	var total int64
	for {
		n, err := m.repo.DeleteExpired(ctx, m.now(), batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}
