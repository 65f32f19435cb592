package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencySuccess    IdempotencyStatus = "success"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord binds a token to exactly one in-flight or completed
// operation outcome. A token may bind to a single request-payload hash for
// its whole lifetime.
type IdempotencyRecord struct {
	ID            int64
	Token         string
	AccountID     int64
	OperationKind string
	RequestHash   string
	Status        IdempotencyStatus
	Response      []byte
	TransferID    *int64
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Expired reports whether the record is past its expiry at the given time.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
