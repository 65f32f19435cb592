// Package common defines shared constants and sentinel errors used across
// the payment core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Validation errors — rejected before any external call, no state created.
	ErrValidation         = errors.New("validation error")
	ErrInvalidTokenFormat = errors.New("invalid idempotency token format")

	// Idempotency errors.
	ErrIdempotencyCollision = errors.New("idempotency token collision")
	ErrDuplicateInFlight    = errors.New("duplicate operation in flight")

	// External-call errors.
	ErrExternalThrottled = errors.New("external service throttled")
	ErrLedgerRejected    = errors.New("ledger rejected transaction")
	ErrAmbiguousOutcome  = errors.New("ambiguous submission outcome")
)
