package payments

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/lock"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/notification"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/reconcile"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/settlement/mock"
	"github.com/congo-pay/textpay/internal/vault"
	"github.com/congo-pay/textpay/internal/wallet"
)

const (
	alice = "+237650000001"
	bob   = "+237650000002"
	carol = "+237650000003"
	pin   = "1234"
)

type testNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *testNotifier) sent() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.messages...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc        *Service
	chain      *mock.Chain
	repo       identity.Repository
	accounts   *identity.Service
	ledger     ledger.Ledger
	reconciler *reconcile.Reconciler
	notifier   *testNotifier
	clock      *clock
	vault      *vault.Vault
}

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v := newVault(t)
	wallets := wallet.NewService(v)
	repo := identity.NewMemoryRepository()
	accounts := identity.NewService(repo, wallets, identity.Options{MaxAttempts: 5, BcryptCost: bcrypt.MinCost}, logging.Discard())
	chain := mock.New("SOL")
	assets := asset.Default()
	locker := lock.NewKeyedMutex()
	reconciler := reconcile.New(repo, chain, assets, locker, time.Second, logging.Discard())
	led := ledger.NewInMemory()
	notifier := &testNotifier{}
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(Deps{
		Accounts:   accounts,
		Signers:    wallets,
		Ledger:     led,
		Pending:    pending.NewMemoryRegistry(),
		Adapter:    chain,
		Assets:     assets,
		Locker:     locker,
		Reconciler: reconciler,
		Notifier:   notifier,
		Logger:     logging.Discard(),
	}, Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Now: c.Now})

	t.Cleanup(reconciler.Wait)
	return &harness{svc: svc, chain: chain, repo: repo, accounts: accounts, ledger: led, reconciler: reconciler, notifier: notifier, clock: c, vault: v}
}

// fund registers phone, credits it on chain and syncs the cache.
func (h *harness) fund(t *testing.T, phone, code, amount string) identity.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := h.repo.Get(ctx, phone)
	if errors.Is(err, identity.ErrAccountNotFound) {
		acct, err = h.svc.Register(ctx, phone, pin)
	}
	require.NoError(t, err)
	h.chain.Fund(acct.Address, code, decimal.RequireFromString(amount))
	acct, err = h.reconciler.Reconcile(ctx, phone)
	require.NoError(t, err)
	return acct
}

func (h *harness) propose(t *testing.T, sender, recipient, amount, code string) pending.Transfer {
	t.Helper()
	p, err := h.svc.ProposeTransfer(context.Background(), ProposeInput{Sender: sender, Recipient: recipient, Amount: amount, Asset: code, PIN: pin})
	require.NoError(t, err)
	return p
}

func (h *harness) cached(t *testing.T, phone, code string) decimal.Decimal {
	t.Helper()
	acct, err := h.repo.Get(context.Background(), phone)
	require.NoError(t, err)
	return acct.Balance(code)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransferHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")
	bobAcct, err := h.svc.Register(ctx, bob, "5678")
	require.NoError(t, err)

	p := h.propose(t, alice, bob, "10", "usdc")
	require.Len(t, p.Code, 6)
	require.Equal(t, "USDC", p.Asset)
	require.Equal(t, 0, h.chain.Transfers(), "proposal must not move value")

	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
	require.NotEmpty(t, tx.Reference)
	require.NotNil(t, tx.CompletedAt)
	require.Equal(t, p.ID, tx.ID)

	h.reconciler.Wait()
	require.True(t, h.cached(t, alice, "USDC").Equal(dec("90")))
	require.True(t, h.cached(t, bob, "USDC").Equal(dec("10")))
	require.True(t, h.chain.BalanceOf(bobAcct.Address, "USDC").Equal(dec("10")))

	msgs := h.notifier.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, notification.KindTransferReceived, msgs[0].Kind)
	require.Equal(t, bob, msgs[0].Destination)
}

func TestExactBalanceToNewcomerWithLowercaseCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "10.00")

	p := h.propose(t, alice, carol, "10", "USDC")
	tx, err := h.svc.ConfirmTransfer(ctx, alice, strings.ToLower(p.Code))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
	require.True(t, tx.Amount.Equal(dec("10")))

	h.reconciler.Wait()
	require.True(t, h.cached(t, alice, "USDC").IsZero())

	placeholder, err := h.repo.Get(ctx, carol)
	require.NoError(t, err)
	require.False(t, placeholder.Verified())
	require.True(t, placeholder.Balance("USDC").Equal(dec("10.00")))

	_, err = h.svc.ProposeTransfer(ctx, ProposeInput{Sender: alice, Recipient: bob, Amount: "0.01", Asset: "USDC", PIN: pin})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestTransferToUnknownRecipientCreatesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "SOL", "2")

	p := h.propose(t, alice, carol, "0.5", "SOL")
	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
	h.reconciler.Wait()

	placeholder, err := h.repo.Get(ctx, carol)
	require.NoError(t, err)
	require.False(t, placeholder.Verified())
	require.True(t, placeholder.Balance("SOL").Equal(dec("0.5")))

	_, err = h.svc.CheckBalance(ctx, carol, pin)
	require.ErrorIs(t, err, identity.ErrNotRegistered)

	registered, err := h.svc.Register(ctx, carol, "4321")
	require.NoError(t, err)
	require.Equal(t, placeholder.Address, registered.Address)

	report, err := h.svc.CheckBalance(ctx, carol, "4321")
	require.NoError(t, err)
	require.False(t, report.Stale)
	for _, line := range report.Balances {
		if line.Asset.Code == "SOL" {
			require.True(t, line.Amount.Equal(dec("0.5")))
		}
	}
}

func TestProposeInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "5")

	_, err := h.svc.ProposeTransfer(ctx, ProposeInput{Sender: alice, Recipient: bob, Amount: "5.01", Asset: "USDC", PIN: pin})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = h.svc.ConfirmTransfer(ctx, alice, "AAAAAA")
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)
}

func TestInFlightTransfersReduceAvailableBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "10")

	p := h.propose(t, alice, bob, "8", "USDC")
	h.chain.FailNext(
		settlement.Transient("transfer_token", "node behind", nil),
		settlement.Transient("transfer_token", "node behind", nil),
		settlement.Transient("transfer_token", "node behind", nil),
	)
	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, settlement.ErrTransient)
	require.Equal(t, ledger.StatusPending, tx.Status)

	_, err = h.svc.ProposeTransfer(ctx, ProposeInput{Sender: alice, Recipient: bob, Amount: "3", Asset: "USDC", PIN: pin})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	report, err := h.svc.CheckBalance(ctx, alice, pin)
	require.NoError(t, err)
	for _, line := range report.Balances {
		if line.Asset.Code == "USDC" {
			require.True(t, line.Pending.Equal(dec("8")))
			require.True(t, line.Available().Equal(dec("2")))
		}
	}
}

func TestConfirmAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")

	p := h.propose(t, alice, bob, "10", "USDC")
	h.clock.Advance(5*time.Minute + time.Second)

	_, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)
	require.Equal(t, 0, h.chain.Transfers())

	history, err := h.svc.History(ctx, alice, pin, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestConfirmWrongCodeKeepsProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")
	p := h.propose(t, alice, bob, "10", "USDC")

	_, err := h.svc.ConfirmTransfer(ctx, alice, "ZZZZZZ")
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)

	_, err = h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.NoError(t, err)
}

func TestNewProposalSupersedesOld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")

	first := h.propose(t, alice, bob, "10", "USDC")
	second := h.propose(t, alice, carol, "20", "USDC")
	if first.Code == second.Code {
		t.Skip("codes collided")
	}

	_, err := h.svc.ConfirmTransfer(ctx, alice, first.Code)
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)

	tx, err := h.svc.ConfirmTransfer(ctx, alice, second.Code)
	require.NoError(t, err)
	require.Equal(t, carol, tx.Recipient)
	require.True(t, tx.Amount.Equal(dec("20")))
}

func TestCancelTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")
	p := h.propose(t, alice, bob, "10", "USDC")

	cancelled, err := h.svc.CancelTransfer(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, p.ID, cancelled.ID)

	_, err = h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)

	_, err = h.svc.CancelTransfer(ctx, alice)
	require.ErrorIs(t, err, pending.ErrNoSuchPendingTransfer)
}

func TestConcurrentConfirmExecutesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")
	p := h.propose(t, alice, bob, "10", "USDC")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, pending.ErrNoSuchPendingTransfer) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, 1, h.chain.Transfers())
}

func TestTransientFailureLeavesPendingAndCanBeReExecuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "SOL", "3")
	p := h.propose(t, alice, bob, "1", "SOL")

	timeout := settlement.Transient("transfer_native", "rpc timeout", context.DeadlineExceeded)
	h.chain.FailNext(timeout, timeout, timeout)

	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, settlement.ErrTransient)
	require.Equal(t, ledger.StatusPending, tx.Status)
	require.Equal(t, 1, tx.Attempts)
	require.Equal(t, "rpc timeout", tx.LastError)
	require.Equal(t, 3, h.chain.Transfers())

	stale, err := h.svc.Stale(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, stale, "row created at the current instant is not older than now")
	h.clock.Advance(time.Minute)
	stale, err = h.svc.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// the dispatch lease outlives the last send's blockhash
	_, err = h.svc.Execute(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrClaimed)
	require.Equal(t, 3, h.chain.Transfers())

	h.clock.Advance(3 * time.Minute)
	done, err := h.svc.Execute(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, done.Status)
	require.Equal(t, 4, h.chain.Transfers())
}

// gatedAdapter holds token transfers until release is closed.
type gatedAdapter struct {
	*mock.Chain
	started chan struct{}
	release chan struct{}
}

func (g *gatedAdapter) TransferToken(ctx context.Context, signer settlement.Signer, to string, amount decimal.Decimal, a asset.Asset) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", settlement.Transient("transfer_token", "deadline", ctx.Err())
	}
	return g.Chain.TransferToken(ctx, signer, to, amount, a)
}

func TestExecuteWhileDispatchOutlivesLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "100")
	p := h.propose(t, alice, bob, "10", "USDC")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	h.svc.Locker = lock.NewRedisLocker(client, 30*time.Second)
	gate := &gatedAdapter{Chain: h.chain, started: make(chan struct{}, 1), release: make(chan struct{})}
	h.svc.Adapter = gate

	type result struct {
		tx  ledger.Transaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
		done <- result{tx, err}
	}()
	<-gate.started

	// the Redis lock on the row lapses while the first dispatch is still in flight
	mr.FastForward(31 * time.Second)

	again, err := h.svc.Execute(ctx, p.ID)
	require.ErrorIs(t, err, ledger.ErrClaimed)
	require.Equal(t, ledger.StatusPending, again.Status)

	close(gate.release)
	first := <-done
	require.NoError(t, first.err)
	require.Equal(t, ledger.StatusCompleted, first.tx.Status)
	require.Equal(t, 1, h.chain.Transfers())

	sender, err := h.repo.Get(ctx, alice)
	require.NoError(t, err)
	require.True(t, h.chain.BalanceOf(sender.Address, "USDC").Equal(dec("90")))
}

func TestTransientRecoversWithinRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "SOL", "3")
	p := h.propose(t, alice, bob, "1", "SOL")

	h.chain.FailNext(settlement.Transient("transfer_native", "node behind", nil))
	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
	require.Equal(t, 2, h.chain.Transfers())
}

func TestRejectedFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "50")
	p := h.propose(t, alice, bob, "10", "USDC")

	h.chain.FailNext(settlement.Rejected("transfer_token", "token account frozen", nil))
	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, settlement.ErrRejected)
	require.Equal(t, ledger.StatusFailed, tx.Status)
	require.Equal(t, "token account frozen", tx.ErrorDetail)
	require.Equal(t, 1, h.chain.Transfers(), "rejections are not retried")

	again, err := h.svc.Execute(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrAlreadySettled)
	require.Equal(t, ledger.StatusFailed, again.Status)
	require.Equal(t, 1, h.chain.Transfers())

	msgs := h.notifier.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, notification.KindTransferFailed, msgs[0].Kind)
	require.Equal(t, alice, msgs[0].Destination)
}

func TestExecuteCompletedIsAlreadySettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "50")
	p := h.propose(t, alice, bob, "10", "USDC")
	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.NoError(t, err)

	again, err := h.svc.Execute(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrAlreadySettled)
	require.Equal(t, tx.Reference, again.Reference)
	require.Equal(t, 1, h.chain.Transfers())
}

func TestKeyCorruptionFailsWithoutDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "50")
	p := h.propose(t, alice, bob, "10", "USDC")

	// a signer backed by a different process key cannot open any stored blob
	h.svc.Signers = wallet.NewService(newVault(t))

	tx, err := h.svc.ConfirmTransfer(ctx, alice, p.Code)
	require.ErrorIs(t, err, vault.ErrKeyCorruption)
	require.Equal(t, ledger.StatusFailed, tx.Status)
	require.Equal(t, keyUnavailableDetail, tx.ErrorDetail)
	require.Equal(t, 0, h.chain.Transfers())
}

func TestLockoutBlocksProposals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "50")

	for i := 0; i < 5; i++ {
		_, err := h.svc.ProposeTransfer(ctx, ProposeInput{Sender: alice, Recipient: bob, Amount: "1", Asset: "USDC", PIN: "9999"})
		require.ErrorIs(t, err, identity.ErrInvalidPIN)
		require.ErrorIs(t, err, identity.ErrAuth)
	}
	_, err := h.svc.ProposeTransfer(ctx, ProposeInput{Sender: alice, Recipient: bob, Amount: "1", Asset: "USDC", PIN: pin})
	require.ErrorIs(t, err, identity.ErrAccountLocked)

	require.NoError(t, h.accounts.Unlock(ctx, alice))
	h.propose(t, alice, bob, "1", "USDC")
}

func TestProposeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "50")

	cases := []struct {
		name  string
		in    ProposeInput
		field string
	}{
		{"self", ProposeInput{Sender: alice, Recipient: alice, Amount: "1", Asset: "USDC", PIN: "0000"}, "recipient"},
		{"recipient", ProposeInput{Sender: alice, Recipient: "12", Amount: "1", Asset: "USDC", PIN: "0000"}, "recipient"},
		{"asset", ProposeInput{Sender: alice, Recipient: bob, Amount: "1", Asset: "DOGE", PIN: "0000"}, "asset"},
		{"zero", ProposeInput{Sender: alice, Recipient: bob, Amount: "0", Asset: "USDC", PIN: "0000"}, "amount"},
		{"precision", ProposeInput{Sender: alice, Recipient: bob, Amount: "0.0000001", Asset: "USDC", PIN: "0000"}, "amount"},
		{"pin", ProposeInput{Sender: alice, Recipient: bob, Amount: "1", Asset: "USDC", PIN: "12"}, "pin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ProposeTransfer(ctx, tc.in)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
		})
	}

	// validation runs before authorization, so the wrong PINs above were never counted
	acct, err := h.repo.Get(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, acct.FailedPINAttempts)
}

type brokenBalances struct{ *mock.Chain }

func (brokenBalances) Balance(context.Context, string, asset.Asset) (decimal.Decimal, error) {
	return decimal.Zero, settlement.Transient("balance", "rpc down", nil)
}

func TestCheckBalanceFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, "USDC", "12")

	h.svc.Reconciler = reconcile.New(h.repo, brokenBalances{h.chain}, asset.Default(), lock.NewKeyedMutex(), time.Second, logging.Discard())

	report, err := h.svc.CheckBalance(ctx, alice, pin)
	require.NoError(t, err)
	require.True(t, report.Stale)
	require.NotNil(t, report.AsOf)
	for _, line := range report.Balances {
		if line.Asset.Code == "USDC" {
			require.True(t, line.Amount.Equal(dec("12")))
		}
	}
}
