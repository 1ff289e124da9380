package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/lock"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/notification"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/vault"
)

const keyUnavailableDetail = "custodial key unavailable"

// Accounts is the identity surface the engine relies on.
type Accounts interface {
	Register(ctx context.Context, phone, pin string) (identity.Account, error)
	Authorize(ctx context.Context, phone, pin string) (identity.Account, error)
	EnsurePlaceholder(ctx context.Context, phone string) (identity.Account, error)
	Get(ctx context.Context, phone string) (identity.Account, error)
}

// Signers lends a decrypted custodial key to one call.
type Signers interface {
	WithSigner(address string, blob []byte, fn func(settlement.Signer) error) error
}

// Reconciler refreshes cached balances.
type Reconciler interface {
	Reconcile(ctx context.Context, phone string) (identity.Account, error)
	Trigger(phones ...string)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Accounts   Accounts
	Signers    Signers
	Ledger     ledger.Ledger
	Pending    pending.Registry
	Adapter    settlement.Adapter
	Assets     *asset.Registry
	Locker     lock.Locker
	Reconciler Reconciler
	Notifier   notification.Notifier
	Logger     *slog.Logger
}

// Options tunes the engine.
type Options struct {
	// PendingTTL is the confirmation window. Zero means five minutes.
	PendingTTL time.Duration
	// MaxAttempts bounds in-call dispatches of one transaction on transient failures.
	MaxAttempts int
	RetryDelay  time.Duration
	// DispatchTimeout bounds one Execute's settlement calls, retries included.
	// Zero means one minute.
	DispatchTimeout time.Duration
	Now             func() time.Time
}

// Service is the transaction engine: propose, confirm, execute.
type Service struct {
	Deps
	opts Options
}

// NewService constructs the transaction engine.
func NewService(deps Deps, opts Options) *Service {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = time.Minute
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Service{Deps: deps, opts: opts}
}

// ProposeInput is an unconfirmed transfer request.
type ProposeInput struct {
	Sender    string
	Recipient string
	Amount    string
	Asset     string
	PIN       string
}

// AssetBalance is one line of a balance report.
type AssetBalance struct {
	Asset asset.Asset
	// Amount is the cached settlement-layer balance.
	Amount decimal.Decimal
	// Pending is the sum of the holder's in-flight outgoing transfers.
	Pending decimal.Decimal
}

// Available is what a new proposal may spend.
func (b AssetBalance) Available() decimal.Decimal { return b.Amount.Sub(b.Pending) }

// BalanceReport is the result of CheckBalance.
type BalanceReport struct {
	Phone    string
	Balances []AssetBalance
	AsOf     *time.Time
	// Stale is set when the settlement layer could not be read and the cache was used.
	Stale bool
}

// Register creates or promotes the account for phone.
func (s *Service) Register(ctx context.Context, phone, pin string) (identity.Account, error) {
	phone, err := normalize("phone", phone)
	if err != nil {
		return identity.Account{}, err
	}
	if err := identity.ValidatePIN(pin); err != nil {
		return identity.Account{}, invalid("pin", err)
	}
	return s.Accounts.Register(ctx, phone, pin)
}

// CheckBalance authorizes the holder, refreshes balances when possible and reports them.
func (s *Service) CheckBalance(ctx context.Context, phone, pin string) (BalanceReport, error) {
	acct, err := s.authorize(ctx, phone, pin)
	if err != nil {
		return BalanceReport{}, err
	}

	report := BalanceReport{Phone: acct.Phone}
	if fresh, err := s.Reconciler.Reconcile(ctx, acct.Phone); err != nil {
		s.Logger.Warn("balance refresh failed, serving cache", "phone", logging.MaskPhone(acct.Phone), "error", err)
		report.Stale = true
	} else {
		acct = fresh
	}
	report.AsOf = acct.BalancesAsOf

	for _, a := range s.Assets.All() {
		inFlight, err := s.Ledger.PendingTotal(ctx, acct.Phone, a.Code)
		if err != nil {
			return BalanceReport{}, err
		}
		report.Balances = append(report.Balances, AssetBalance{Asset: a, Amount: acct.Balance(a.Code), Pending: inFlight})
	}
	return report, nil
}

// ProposeTransfer validates and authorizes a transfer and parks it for confirmation.
// Nothing moves until ConfirmTransfer presents the returned code.
func (s *Service) ProposeTransfer(ctx context.Context, in ProposeInput) (pending.Transfer, error) {
	sender, err := normalize("sender", in.Sender)
	if err != nil {
		return pending.Transfer{}, err
	}
	recipient, err := normalize("recipient", in.Recipient)
	if err != nil {
		return pending.Transfer{}, err
	}
	if sender == recipient {
		return pending.Transfer{}, &ValidationError{Field: "recipient", Reason: "cannot send to yourself"}
	}
	a, err := s.Assets.Lookup(in.Asset)
	if err != nil {
		return pending.Transfer{}, invalid("asset", err)
	}
	amount, err := a.ParseAmount(in.Amount)
	if err != nil {
		return pending.Transfer{}, invalid("amount", err)
	}
	if err := identity.ValidatePIN(in.PIN); err != nil {
		return pending.Transfer{}, invalid("pin", err)
	}

	if _, err := s.Accounts.Authorize(ctx, sender, in.PIN); err != nil {
		return pending.Transfer{}, err
	}

	unlock, err := s.Locker.Lock(ctx, lock.IdentityKey(sender))
	if err != nil {
		return pending.Transfer{}, err
	}
	defer unlock()

	if err := s.ensureAvailable(ctx, sender, a, amount); err != nil {
		return pending.Transfer{}, err
	}

	code, err := pending.NewCode()
	if err != nil {
		return pending.Transfer{}, fmt.Errorf("generate confirmation code: %w", err)
	}
	now := s.opts.Now().UTC()
	transfer := pending.Transfer{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Asset:     a.Code,
		Amount:    amount,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.PendingTTL),
	}
	if err := s.Pending.Put(ctx, transfer); err != nil {
		return pending.Transfer{}, fmt.Errorf("store pending transfer: %w", err)
	}
	s.Logger.Info("transfer proposed", "id", transfer.ID, "sender", logging.MaskPhone(sender), "asset", a.Code, "amount", amount.String())
	return transfer, nil
}

// ConfirmTransfer consumes the sender's proposal and executes it.
func (s *Service) ConfirmTransfer(ctx context.Context, phone, code string) (ledger.Transaction, error) {
	phone, err := normalize("phone", phone)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transfer, err := s.Pending.Consume(ctx, phone, code, s.opts.Now())
	if err != nil {
		return ledger.Transaction{}, err
	}

	tx, err := s.record(ctx, transfer)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return s.Execute(ctx, tx.ID)
}

// CancelTransfer drops the sender's active proposal.
func (s *Service) CancelTransfer(ctx context.Context, phone string) (pending.Transfer, error) {
	phone, err := normalize("phone", phone)
	if err != nil {
		return pending.Transfer{}, err
	}
	return s.Pending.Cancel(ctx, phone, s.opts.Now())
}

// History authorizes the holder and lists recent transactions they took part in.
func (s *Service) History(ctx context.Context, phone, pin string, limit int) ([]ledger.Transaction, error) {
	acct, err := s.authorize(ctx, phone, pin)
	if err != nil {
		return nil, err
	}
	return s.Ledger.ListBySender(ctx, acct.Phone, limit)
}

// Transaction looks up a ledger row.
func (s *Service) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.Ledger.Get(ctx, id)
}

// Stale lists pending transactions older than age, for operator re-execution.
func (s *Service) Stale(ctx context.Context, age time.Duration) ([]ledger.Transaction, error) {
	return s.Ledger.ListPending(ctx, s.opts.Now().Add(-age))
}

// record writes the pending row for a consumed proposal. The balance is re-checked under
// the sender lock so two confirmations cannot both pass on the same funds.
func (s *Service) record(ctx context.Context, transfer pending.Transfer) (ledger.Transaction, error) {
	a, err := s.Assets.Lookup(transfer.Asset)
	if err != nil {
		return ledger.Transaction{}, invalid("asset", err)
	}

	unlock, err := s.Locker.Lock(ctx, lock.IdentityKey(transfer.Sender))
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer unlock()

	if err := s.ensureAvailable(ctx, transfer.Sender, a, transfer.Amount); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.Accounts.EnsurePlaceholder(ctx, transfer.Recipient); err != nil {
		return ledger.Transaction{}, fmt.Errorf("prepare recipient: %w", err)
	}

	tx := ledger.Transaction{
		ID:        transfer.ID,
		Sender:    transfer.Sender,
		Recipient: transfer.Recipient,
		Asset:     a.Code,
		Amount:    transfer.Amount,
		Status:    ledger.StatusPending,
		CreatedAt: s.opts.Now().UTC(),
	}
	if err := s.Ledger.Create(ctx, tx); err != nil {
		return ledger.Transaction{}, fmt.Errorf("record transaction: %w", err)
	}
	return tx, nil
}

func (s *Service) ensureAvailable(ctx context.Context, sender string, a asset.Asset, amount decimal.Decimal) error {
	acct, err := s.Accounts.Get(ctx, sender)
	if err != nil {
		return err
	}
	inFlight, err := s.Ledger.PendingTotal(ctx, sender, a.Code)
	if err != nil {
		return err
	}
	if acct.Balance(a.Code).Sub(inFlight).LessThan(amount) {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, phone, pin string) (identity.Account, error) {
	phone, err := normalize("phone", phone)
	if err != nil {
		return identity.Account{}, err
	}
	if err := identity.ValidatePIN(pin); err != nil {
		return identity.Account{}, invalid("pin", err)
	}
	return s.Accounts.Authorize(ctx, phone, pin)
}

func normalize(field, phone string) (string, error) {
	normalized, err := identity.NormalizePhone(phone)
	if err != nil {
		return "", invalid(field, err)
	}
	return normalized, nil
}

func isKeyCorruption(err error) bool { return errors.Is(err, vault.ErrKeyCorruption) }
