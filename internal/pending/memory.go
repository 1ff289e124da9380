package pending

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and single-instance runs.
type MemoryRegistry struct {
	mu        sync.Mutex
	transfers map[string]Transfer
}

// NewMemoryRegistry builds an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{transfers: make(map[string]Transfer)}
}

func (r *MemoryRegistry) Put(_ context.Context, t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[t.Sender] = t
	return nil
}

func (r *MemoryRegistry) Consume(_ context.Context, sender, code string, now time.Time) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[sender]
	if !ok {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	if t.Expired(now) {
		delete(r.transfers, sender)
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	if !strings.EqualFold(t.Code, strings.TrimSpace(code)) {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	delete(r.transfers, sender)
	return t, nil
}

func (r *MemoryRegistry) Cancel(_ context.Context, sender string, now time.Time) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[sender]
	if !ok {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	delete(r.transfers, sender)
	if t.Expired(now) {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	return t, nil
}

func (r *MemoryRegistry) Active(_ context.Context, sender string, now time.Time) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[sender]
	if !ok {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	if t.Expired(now) {
		delete(r.transfers, sender)
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	return t, nil
}

// Reap drops expired proposals and reports how many were removed.
func (r *MemoryRegistry) Reap(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for sender, t := range r.transfers {
		if t.Expired(now) {
			delete(r.transfers, sender)
			n++
		}
	}
	return n
}
