package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/lock"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/settlement"
)

// ErrReconciliation wraps any failure to refresh cached balances. It is logged, never escalated.
var ErrReconciliation = errors.New("balance reconciliation failed")

// Reconciler refreshes cached account balances from the settlement layer.
type Reconciler struct {
	accounts identity.Repository
	adapter  settlement.Adapter
	assets   *asset.Registry
	locker   lock.Locker
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// New builds a reconciler. timeout bounds each background run.
func New(accounts identity.Repository, adapter settlement.Adapter, assets *asset.Registry, locker lock.Locker, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Reconciler{
		accounts: accounts,
		adapter:  adapter,
		assets:   assets,
		locker:   locker,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile reads every configured asset balance for phone and replaces the cache.
// Nothing is written unless all reads succeed.
func (r *Reconciler) Reconcile(ctx context.Context, phone string) (identity.Account, error) {
	unlock, err := r.locker.Lock(ctx, lock.IdentityKey(phone))
	if err != nil {
		return identity.Account{}, fmt.Errorf("%w: %v", ErrReconciliation, err)
	}
	defer unlock()

	acct, err := r.accounts.Get(ctx, phone)
	if err != nil {
		return identity.Account{}, fmt.Errorf("%w: %w", ErrReconciliation, err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, a := range r.assets.All() {
		amount, err := r.adapter.Balance(ctx, acct.Address, a)
		if err != nil {
			return identity.Account{}, fmt.Errorf("%w: %s: %w", ErrReconciliation, a.Code, err)
		}
		balances[a.Code] = amount
	}

	at := r.now().UTC()
	if err := r.accounts.SetBalances(ctx, phone, balances, at); err != nil {
		return identity.Account{}, fmt.Errorf("%w: %w", ErrReconciliation, err)
	}
	acct.Balances = balances
	acct.BalancesAsOf = &at
	return acct, nil
}

// Trigger reconciles the given phones in the background. Failures are logged only.
func (r *Reconciler) Trigger(phones ...string) {
	for _, phone := range phones {
		r.wg.Add(1)
		go func(phone string) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if _, err := r.Reconcile(ctx, phone); err != nil {
				r.logger.Warn("reconciliation failed", "phone", logging.MaskPhone(phone), "error", err)
			}
		}(phone)
	}
}

// Wait blocks until every triggered run has finished.
func (r *Reconciler) Wait() { r.wg.Wait() }
