package identity

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryRepository builds an in-memory account store for tests and local runs.
func NewMemoryRepository() Repository {
	return &memoryRepository{accounts: make(map[string]Account)}
}

func (r *memoryRepository) Get(_ context.Context, phone string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct.clone(), nil
}

func (r *memoryRepository) Create(_ context.Context, acct Account) (Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.accounts[acct.Phone]; ok {
		return existing.clone(), false, nil
	}
	acct.FailedPINAttempts = 0
	acct.LockedUntil = nil
	acct.UpdatedAt = acct.CreatedAt
	stored := acct.clone()
	r.accounts[acct.Phone] = stored
	return stored.clone(), true, nil
}

func (r *memoryRepository) Promote(_ context.Context, phone string, pinHash []byte, at time.Time) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if acct.Kind != KindPlaceholder {
		return Account{}, ErrAlreadyRegistered
	}
	acct.Kind = KindRegistered
	acct.PINHash = append([]byte(nil), pinHash...)
	acct.FailedPINAttempts = 0
	acct.LockedUntil = nil
	acct.UpdatedAt = at
	r.accounts[phone] = acct
	return acct.clone(), nil
}

func (r *memoryRepository) IncrementFailedPIN(_ context.Context, phone string, threshold int, lockUntil *time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if acct.FailedPINAttempts >= threshold {
		return threshold, ErrAccountLocked
	}
	acct.FailedPINAttempts++
	if acct.FailedPINAttempts >= threshold && lockUntil != nil {
		t := *lockUntil
		acct.LockedUntil = &t
	}
	r.accounts[phone] = acct
	return acct.FailedPINAttempts, nil
}

func (r *memoryRepository) ResetFailedPIN(_ context.Context, phone string, threshold int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.FailedPINAttempts < threshold {
		acct.FailedPINAttempts = 0
		r.accounts[phone] = acct
	}
	return nil
}

func (r *memoryRepository) Unlock(_ context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return ErrAccountNotFound
	}
	acct.FailedPINAttempts = 0
	acct.LockedUntil = nil
	r.accounts[phone] = acct
	return nil
}

func (r *memoryRepository) SetBalances(_ context.Context, phone string, balances map[string]decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[phone]
	if !ok {
		return ErrAccountNotFound
	}
	acct = acct.clone()
	for code, amount := range balances {
		acct.Balances[code] = amount
	}
	asOf := at
	acct.BalancesAsOf = &asOf
	acct.UpdatedAt = at
	r.accounts[phone] = acct
	return nil
}
