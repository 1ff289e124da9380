package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAlreadySettled is returned when a terminal transaction is asked to change state.
	ErrAlreadySettled = errors.New("transaction already settled")

	// ErrTransactionNotFound indicates an unknown transaction identifier.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrClaimed is returned by Claim while another dispatch holds the row.
	ErrClaimed = errors.New("transaction dispatch in progress")
)

// Status is the lifecycle state of a transaction. Only pending rows may change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Transaction records one value movement between two phone-addressed accounts.
// The sender, recipient, asset and amount never change after Create.
type Transaction struct {
	ID        string
	Sender    string
	Recipient string
	Asset     string
	Amount    decimal.Decimal
	Status    Status
	// Reference is the settlement-layer identifier, set on completion.
	Reference string
	// ErrorDetail explains a failure, set on failure.
	ErrorDetail string
	// Attempts and LastError track transient dispatch failures on a pending row.
	Attempts    int
	LastError   string
	// ClaimedUntil is the dispatch lease on a pending row.
	ClaimedUntil *time.Time
	CreatedAt    time.Time
	CompletedAt *time.Time
}

// Ledger is the durable record of transactions.
type Ledger interface {
	Create(ctx context.Context, tx Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	// Complete and Fail are compare-and-set on the pending status.
	Complete(ctx context.Context, id, reference string, at time.Time) (Transaction, error)
	Fail(ctx context.Context, id, detail string, at time.Time) (Transaction, error)
	// Claim leases a pending row for dispatch until the given time. It fails with
	// ErrClaimed while an unexpired lease is held.
	Claim(ctx context.Context, id string, until, now time.Time) (Transaction, error)
	RecordAttempt(ctx context.Context, id, detail string) (Transaction, error)
	// PendingTotal sums the sender's in-flight amounts for an asset.
	PendingTotal(ctx context.Context, sender, asset string) (decimal.Decimal, error)
	// ListBySender returns the most recent transactions sent or received by phone.
	ListBySender(ctx context.Context, phone string, limit int) ([]Transaction, error)
	// ListPending returns pending rows created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time) ([]Transaction, error)
}
