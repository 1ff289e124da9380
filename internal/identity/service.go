package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/wallet"
)

var (
	// ErrAuth is the family of authorization failures.
	ErrAuth = errors.New("authorization failed")

	ErrInvalidPIN      = fmt.Errorf("%w: invalid PIN", ErrAuth)
	ErrAccountLocked   = fmt.Errorf("%w: account locked", ErrAuth)
	ErrNotRegistered   = fmt.Errorf("%w: account not registered", ErrAuth)
	ErrAccountNotFound = fmt.Errorf("%w: account not found", ErrAuth)

	ErrAlreadyRegistered = errors.New("account already registered")
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrMalformedPIN      = errors.New("PIN must be 4 to 6 digits")
)

const defaultMaxAttempts = 5

// Provisioner creates custodial wallets for new accounts.
type Provisioner interface {
	Provision() (wallet.Custody, error)
}

// Options tunes PIN policy.
type Options struct {
	// MaxAttempts is the lockout threshold. Zero means 5.
	MaxAttempts int
	// LockDuration bounds a lockout. Zero keeps the account locked until Unlock.
	LockDuration time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Now        func() time.Time
}

// Service manages the account lifecycle and PIN authorization.
type Service struct {
	repo    Repository
	wallets Provisioner
	opts    Options
	logger  *slog.Logger
}

// NewService creates a new identity service.
func NewService(repo Repository, wallets Provisioner, opts Options, logger *slog.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{repo: repo, wallets: wallets, opts: opts, logger: logger}
}

// MaxAttempts exposes the lockout threshold.
func (s *Service) MaxAttempts() int { return s.opts.MaxAttempts }

// Get loads an account by phone.
func (s *Service) Get(ctx context.Context, phone string) (Account, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return Account{}, err
	}
	return s.repo.Get(ctx, phone)
}

// Register creates a registered account, or promotes the placeholder that already holds
// funds for this phone. Registration does not consult the lockout state.
func (s *Service) Register(ctx context.Context, phone, pin string) (Account, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return Account{}, err
	}
	if err := ValidatePIN(pin); err != nil {
		return Account{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.opts.BcryptCost)
	if err != nil {
		return Account{}, err
	}

	acct, err := s.repo.Get(ctx, phone)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		created, fresh, err := s.create(ctx, phone, KindRegistered, hash)
		if err != nil {
			return Account{}, err
		}
		if fresh {
			s.logger.Info("account registered", "phone", logging.MaskPhone(phone))
			return created, nil
		}
		acct = created
	case err != nil:
		return Account{}, err
	}

	if acct.Verified() {
		return Account{}, ErrAlreadyRegistered
	}
	promoted, err := s.repo.Promote(ctx, phone, hash, s.opts.Now().UTC())
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("placeholder promoted", "phone", logging.MaskPhone(phone))
	return promoted, nil
}

// EnsurePlaceholder returns the account for phone, creating an unverified one with a fresh
// custodial wallet when none exists.
func (s *Service) EnsurePlaceholder(ctx context.Context, phone string) (Account, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return Account{}, err
	}
	acct, err := s.repo.Get(ctx, phone)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	acct, fresh, err := s.create(ctx, phone, KindPlaceholder, nil)
	if err != nil {
		return Account{}, err
	}
	if fresh {
		s.logger.Info("placeholder created", "phone", logging.MaskPhone(phone))
	}
	return acct, nil
}

// Authorize verifies the PIN and applies the lockout policy.
func (s *Service) Authorize(ctx context.Context, phone, pin string) (Account, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return Account{}, err
	}
	acct, err := s.repo.Get(ctx, phone)
	if err != nil {
		return Account{}, err
	}
	if !acct.Verified() {
		return Account{}, ErrNotRegistered
	}

	now := s.opts.Now()
	if acct.FailedPINAttempts >= s.opts.MaxAttempts {
		if acct.Locked(s.opts.MaxAttempts, now) {
			return Account{}, ErrAccountLocked
		}
		// timed lock elapsed
		if err := s.repo.Unlock(ctx, phone); err != nil {
			return Account{}, err
		}
		acct.FailedPINAttempts = 0
		acct.LockedUntil = nil
	}

	if bcrypt.CompareHashAndPassword(acct.PINHash, []byte(pin)) != nil {
		var lockUntil *time.Time
		if s.opts.LockDuration > 0 {
			t := now.Add(s.opts.LockDuration).UTC()
			lockUntil = &t
		}
		attempts, err := s.repo.IncrementFailedPIN(ctx, phone, s.opts.MaxAttempts, lockUntil)
		if err != nil {
			return Account{}, err
		}
		if attempts >= s.opts.MaxAttempts {
			s.logger.Warn("account locked", "phone", logging.MaskPhone(phone), "attempts", attempts)
		}
		return Account{}, ErrInvalidPIN
	}

	if acct.FailedPINAttempts > 0 {
		if err := s.repo.ResetFailedPIN(ctx, phone, s.opts.MaxAttempts); err != nil {
			return Account{}, err
		}
		acct.FailedPINAttempts = 0
	}
	return acct, nil
}

// Unlock clears a lockout. It is the support-flow entry point.
func (s *Service) Unlock(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	if err := s.repo.Unlock(ctx, phone); err != nil {
		return err
	}
	s.logger.Info("account unlocked", "phone", logging.MaskPhone(phone))
	return nil
}

func (s *Service) create(ctx context.Context, phone string, kind Kind, pinHash []byte) (Account, bool, error) {
	custody, err := s.wallets.Provision()
	if err != nil {
		return Account{}, false, fmt.Errorf("provision wallet: %w", err)
	}
	now := s.opts.Now().UTC()
	return s.repo.Create(ctx, Account{
		Phone:        phone,
		Kind:         kind,
		Address:      custody.Address,
		EncryptedKey: custody.EncryptedKey,
		PINHash:      pinHash,
		CreatedAt:    now,
	})
}
