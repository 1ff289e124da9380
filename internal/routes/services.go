package routes

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/congo-pay/textpay/internal/config"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/lock"
	"github.com/congo-pay/textpay/internal/notification"
	"github.com/congo-pay/textpay/internal/payments"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/reconcile"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/settlement/mock"
	"github.com/congo-pay/textpay/internal/settlement/solana"
	"github.com/congo-pay/textpay/internal/sms"
	"github.com/congo-pay/textpay/internal/vault"
	"github.com/congo-pay/textpay/internal/wallet"
)

const reapInterval = time.Minute

// Services is the composed engine and its collaborators.
type Services struct {
	Engine     *payments.Service
	Accounts   *identity.Service
	Reconciler *reconcile.Reconciler
	SMS        *sms.Dispatcher
	Adapter    settlement.Adapter

	stop chan struct{}
	wg   sync.WaitGroup
}

// BuildServices wires storage, settlement and the engine. Postgres and Redis are used when
// present; otherwise in-memory backends serve a single development process.
func BuildServices(d Deps) (*Services, error) {
	cfg := d.Cfg
	assets, err := cfg.AssetRegistry()
	if err != nil {
		return nil, err
	}

	v, err := buildVault(cfg, d)
	if err != nil {
		return nil, err
	}
	wallets := wallet.NewService(v)

	adapter := d.Adapter
	if adapter == nil {
		switch cfg.SettlementDriver {
		case config.DriverMock:
			adapter = mock.New(assets.Native().Code)
		default:
			adapter = solana.New(cfg.SolanaRPCURL, cfg.SolanaCommitment, assets.Native(), d.Logger)
		}
	}

	var (
		accountRepo identity.Repository
		ledgerStore ledger.Ledger
		registry    pending.Registry
		locker      lock.Locker
		memPending  *pending.MemoryRegistry
	)
	if d.DB != nil {
		accountRepo = identity.NewPostgresRepository(d.DB)
		ledgerStore = ledger.NewPostgresLedger(d.DB)
	} else {
		accountRepo = identity.NewMemoryRepository()
		ledgerStore = ledger.NewInMemory()
	}
	if d.Cache != nil {
		registry = pending.NewRedisRegistry(d.Cache)
		locker = lock.NewRedisLocker(d.Cache, cfg.LockTTL)
	} else {
		memPending = pending.NewMemoryRegistry()
		registry = memPending
		locker = lock.NewKeyedMutex()
	}

	accounts := identity.NewService(accountRepo, wallets, identity.Options{
		MaxAttempts:  cfg.PINMaxAttempts,
		LockDuration: cfg.PINLockDuration,
	}, d.Logger)
	reconciler := reconcile.New(accountRepo, adapter, assets, locker, cfg.ReconcileTimeout, d.Logger)

	engine := payments.NewService(payments.Deps{
		Accounts:   accounts,
		Signers:    wallets,
		Ledger:     ledgerStore,
		Pending:    registry,
		Adapter:    adapter,
		Assets:     assets,
		Locker:     locker,
		Reconciler: reconciler,
		Notifier:   notification.NewLoggerNotifier(d.Logger),
		Logger:     d.Logger,
	}, payments.Options{
		PendingTTL:      cfg.PendingTransferTTL,
		MaxAttempts:     cfg.SettlementMaxAttempts,
		RetryDelay:      cfg.SettlementRetryDelay,
		DispatchTimeout: cfg.SettlementTimeout,
	})

	s := &Services{
		Engine:     engine,
		Accounts:   accounts,
		Reconciler: reconciler,
		SMS:        sms.NewDispatcher(engine, assets, d.Logger),
		Adapter:    adapter,
		stop:       make(chan struct{}),
	}
	if memPending != nil {
		s.wg.Add(1)
		go s.reap(memPending)
	}
	return s, nil
}

// Close stops background work and waits for in-flight reconciliations.
func (s *Services) Close() {
	close(s.stop)
	s.wg.Wait()
	s.Reconciler.Wait()
}

// ReportStale returns pending transactions older than age so operators can re-execute them.
func (s *Services) ReportStale(ctx context.Context, age time.Duration) ([]ledger.Transaction, error) {
	return s.Engine.Stale(ctx, age)
}

func (s *Services) reap(r *pending.MemoryRegistry) {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

func buildVault(cfg config.Config, d Deps) (*vault.Vault, error) {
	if cfg.VaultKey != "" {
		key, err := vault.ParseKey(cfg.VaultKey)
		if err != nil {
			return nil, err
		}
		return vault.New(key)
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("VAULT_KEY is required when APP_ENV=%s", cfg.AppEnv)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	d.Logger.Warn("VAULT_KEY not set, using an ephemeral key; custodial keys will not survive a restart")
	return vault.New(key)
}
