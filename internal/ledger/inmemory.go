package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type inMemoryLedger struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests.
func NewInMemory() Ledger {
	return &inMemoryLedger{transactions: make(map[string]Transaction)}
}

func (l *inMemoryLedger) Create(_ context.Context, tx Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.transactions[tx.ID]; exists {
		return errors.New("transaction exists")
	}
	tx.Status = StatusPending
	l.transactions[tx.ID] = tx
	return nil
}

func (l *inMemoryLedger) Get(_ context.Context, id string) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (l *inMemoryLedger) Complete(_ context.Context, id, reference string, at time.Time) (Transaction, error) {
	return l.settle(id, func(tx *Transaction) {
		tx.Status = StatusCompleted
		tx.Reference = reference
		tx.CompletedAt = &at
	})
}

func (l *inMemoryLedger) Fail(_ context.Context, id, detail string, at time.Time) (Transaction, error) {
	return l.settle(id, func(tx *Transaction) {
		tx.Status = StatusFailed
		tx.ErrorDetail = detail
		tx.CompletedAt = &at
	})
}

func (l *inMemoryLedger) Claim(_ context.Context, id string, until, now time.Time) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return tx, ErrAlreadySettled
	}
	if tx.ClaimedUntil != nil && tx.ClaimedUntil.After(now) {
		return tx, ErrClaimed
	}
	tx.ClaimedUntil = &until
	l.transactions[id] = tx
	return tx, nil
}

func (l *inMemoryLedger) RecordAttempt(_ context.Context, id, detail string) (Transaction, error) {
	return l.settle(id, func(tx *Transaction) {
		tx.Attempts++
		tx.LastError = detail
	})
}

func (l *inMemoryLedger) settle(id string, mutate func(*Transaction)) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return tx, ErrAlreadySettled
	}
	mutate(&tx)
	l.transactions[id] = tx
	return tx, nil
}

func (l *inMemoryLedger) PendingTotal(_ context.Context, sender, asset string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range l.transactions {
		if tx.Sender == sender && tx.Asset == asset && tx.Status == StatusPending {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (l *inMemoryLedger) ListBySender(_ context.Context, phone string, limit int) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, tx := range l.transactions {
		if tx.Sender == phone || tx.Recipient == phone {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *inMemoryLedger) ListPending(_ context.Context, olderThan time.Time) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, tx := range l.transactions {
		if tx.Status == StatusPending && tx.CreatedAt.Before(olderThan) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
