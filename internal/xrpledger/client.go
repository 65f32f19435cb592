// Package xrpledger defines the boundary to the XRP Ledger network: the
// request/response client, the subscription transport, and helpers for
// addresses and drop/XRP conversion. The network itself is a black box
// reachable only through these interfaces.
package xrpledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Payment describes an outbound payment before signing.
type Payment struct {
	Account     string
	Destination string
	Amount      decimal.Decimal
	Memo        string
}

// SignedIntent is a payment that has been signed and is ready to submit.
// Hash is the deterministic transaction hash of the signed blob, known
// before submission — reconciliation after an ambiguous submit keys on it.
type SignedIntent struct {
	Account     string
	Destination string
	Amount      decimal.Decimal
	Blob        string
	Hash        string
	Sequence    uint32
}

// SubmitResult is the ledger's answer to a submission attempt.
type SubmitResult struct {
	Hash        string
	LedgerIndex int64
	ResultCode  string
	Message     string
	Fee         decimal.Decimal
}

// Applied reports whether the engine accepted the transaction.
// XRP engine codes starting with "tes" indicate success.
func (r *SubmitResult) Applied() bool {
	return strings.HasPrefix(r.ResultCode, "tes")
}

// Transaction is a validated (or still unvalidated) ledger transaction.
type Transaction struct {
	Hash        string
	Type        string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Sender      string
	Destination string
	ResultCode  string
	LedgerIndex int64
	Validated   bool
}

// Succeeded reports whether the validated transaction applied successfully.
func (t *Transaction) Succeeded() bool {
	return t.Validated && strings.HasPrefix(t.ResultCode, "tes")
}

// Client is the request/response boundary to the ledger network.
type Client interface {
	// Sign assembles and signs a payment using the given plaintext secret.
	Sign(ctx context.Context, secret string, p Payment) (*SignedIntent, error)

	// Submit sends a signed transaction. A returned error means the outcome
	// is unknown (transport failure); a definitive rejection comes back as a
	// SubmitResult whose Applied() is false.
	Submit(ctx context.Context, intent *SignedIntent) (*SubmitResult, error)

	// AccountBalance returns the XRP balance. Unactivated accounts report zero.
	AccountBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// Transaction fetches a transaction by hash. common.ErrorNotFound when
	// the ledger does not know it.
	Transaction(ctx context.Context, hash string) (*Transaction, error)

	// AccountTransactions returns recent transactions for an address.
	AccountTransactions(ctx context.Context, address string, limit int) ([]Transaction, error)
}

// StreamMessage is one message from the subscription stream. Amount fields
// stay raw because non-XRP (token) amounts arrive as objects.
type StreamMessage struct {
	Type        string          `json:"type"`
	Transaction *StreamTx       `json:"transaction"`
	Meta        *StreamMeta     `json:"meta"`
	Raw         json.RawMessage `json:"-"`
}

type StreamTx struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	DeliverMax      json.RawMessage `json:"DeliverMax"`
	Hash            string          `json:"hash"`
}

type StreamMeta struct {
	TransactionResult string `json:"TransactionResult"`
}

// PaymentDrops extracts the delivered amount in drops. Newer servers report
// DeliverMax, older ones Amount. Object-shaped (issued-token) amounts return
// ok=false.
func (tx *StreamTx) PaymentDrops() (string, bool) {
	for _, raw := range [][]byte{tx.DeliverMax, tx.Amount} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
		return "", false
	}
	return "", false
}

// DecodeStreamMessage parses one raw subscription frame. Frames without a
// type field (command acks, ping responses) return ok=false.
func DecodeStreamMessage(data []byte) (*StreamMessage, bool) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Type == "" {
		return nil, false
	}
	msg.Raw = data
	return &msg, true
}

// Stream is one open subscription connection.
type Stream interface {
	// Subscribe registers addresses for transaction events. Safe to call
	// repeatedly; re-subscribing an address is a no-op server-side.
	Subscribe(ctx context.Context, addresses []string) error

	// Next blocks for the next message until the context is cancelled or the
	// transport fails.
	Next(ctx context.Context) (*StreamMessage, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// SubscribeTransport dials subscription streams.
type SubscribeTransport interface {
	Dial(ctx context.Context) (Stream, error)
}

// RejectionError carries the ledger's verbatim engine code for a definitive
// rejection.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected transaction: %s (%s)", e.Code, e.Message)
}
