package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists accounts. Every mutation is a single atomic step per phone.
type Repository interface {
	Get(ctx context.Context, phone string) (Account, error)
	// Create inserts acct unless the phone already exists. It returns the stored row
	// and whether this call created it.
	Create(ctx context.Context, acct Account) (Account, bool, error)
	// Promote turns a placeholder into a registered account, keeping address, key and balances.
	Promote(ctx context.Context, phone string, pinHash []byte, at time.Time) (Account, error)
	// IncrementFailedPIN bumps the counter while it is below threshold and returns the new
	// value. Reaching threshold stores lockUntil (nil locks until Unlock).
	IncrementFailedPIN(ctx context.Context, phone string, threshold int, lockUntil *time.Time) (int, error)
	// ResetFailedPIN zeroes the counter unless the account is already at threshold.
	ResetFailedPIN(ctx context.Context, phone string, threshold int) error
	Unlock(ctx context.Context, phone string) error
	SetBalances(ctx context.Context, phone string, balances map[string]decimal.Decimal, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `phone, kind, address, encrypted_key, pin_hash, failed_pin_attempts,
        locked_until, balances_as_of, created_at, updated_at`

// Get loads an account and its cached balances.
func (r *PostgresRepository) Get(ctx context.Context, phone string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}

	rows, err := r.db.Query(ctx, `SELECT asset, amount::text FROM account_balances WHERE phone = $1`, phone)
	if err != nil {
		return Account{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var code, amount string
		if err := rows.Scan(&code, &amount); err != nil {
			return Account{}, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return Account{}, fmt.Errorf("balance %s for %s: %w", code, phone, err)
		}
		acct.Balances[code] = value
	}
	return acct, rows.Err()
}

// Create inserts the account if the phone is free.
func (r *PostgresRepository) Create(ctx context.Context, acct Account) (Account, bool, error) {
	cmd, err := r.db.Exec(ctx, `INSERT INTO accounts (phone, kind, address, encrypted_key, pin_hash,
        failed_pin_attempts, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
        ON CONFLICT (phone) DO NOTHING`,
		acct.Phone, string(acct.Kind), acct.Address, acct.EncryptedKey, acct.PINHash, acct.CreatedAt.UTC())
	if err != nil {
		return Account{}, false, err
	}
	stored, err := r.Get(ctx, acct.Phone)
	if err != nil {
		return Account{}, false, err
	}
	return stored, cmd.RowsAffected() == 1, nil
}

// Promote registers a placeholder with a compare-and-set on kind.
func (r *PostgresRepository) Promote(ctx context.Context, phone string, pinHash []byte, at time.Time) (Account, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE accounts
        SET kind = 'registered', pin_hash = $2, failed_pin_attempts = 0, locked_until = NULL, updated_at = $3
        WHERE phone = $1 AND kind = 'placeholder'`, phone, pinHash, at.UTC())
	if err != nil {
		return Account{}, err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.Get(ctx, phone); err != nil {
			return Account{}, err
		}
		return Account{}, ErrAlreadyRegistered
	}
	return r.Get(ctx, phone)
}

// IncrementFailedPIN counts a wrong PIN without ever exceeding threshold.
func (r *PostgresRepository) IncrementFailedPIN(ctx context.Context, phone string, threshold int, lockUntil *time.Time) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `UPDATE accounts
        SET failed_pin_attempts = failed_pin_attempts + 1,
            locked_until = CASE WHEN failed_pin_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
            updated_at = now()
        WHERE phone = $1 AND failed_pin_attempts < $2
        RETURNING failed_pin_attempts`, phone, threshold, utcPtr(lockUntil)).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, phone); getErr != nil {
				return 0, getErr
			}
			return threshold, ErrAccountLocked
		}
		return 0, err
	}
	return attempts, nil
}

// ResetFailedPIN clears the counter after a successful authorization.
func (r *PostgresRepository) ResetFailedPIN(ctx context.Context, phone string, threshold int) error {
	_, err := r.db.Exec(ctx, `UPDATE accounts SET failed_pin_attempts = 0, updated_at = now()
        WHERE phone = $1 AND failed_pin_attempts > 0 AND failed_pin_attempts < $2`, phone, threshold)
	return err
}

// Unlock clears the counter and any lock expiry.
func (r *PostgresRepository) Unlock(ctx context.Context, phone string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET failed_pin_attempts = 0, locked_until = NULL, updated_at = now()
        WHERE phone = $1`, phone)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetBalances replaces the cached balances for the provided assets.
func (r *PostgresRepository) SetBalances(ctx context.Context, phone string, balances map[string]decimal.Decimal, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	cmd, err := tx.Exec(ctx, `UPDATE accounts SET balances_as_of = $2, updated_at = $2 WHERE phone = $1`, phone, at.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	for code, amount := range balances {
		if _, err := tx.Exec(ctx, `INSERT INTO account_balances (phone, asset, amount) VALUES ($1, $2, $3::numeric)
            ON CONFLICT (phone, asset) DO UPDATE SET amount = EXCLUDED.amount`, phone, code, amount.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct         Account
		kind         string
		lockedUntil  *time.Time
		balancesAsOf *time.Time
	)
	if err := row.Scan(&acct.Phone, &kind, &acct.Address, &acct.EncryptedKey, &acct.PINHash,
		&acct.FailedPINAttempts, &lockedUntil, &balancesAsOf, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	acct.Kind = Kind(kind)
	acct.LockedUntil = utcPtr(lockedUntil)
	acct.BalancesAsOf = utcPtr(balancesAsOf)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	acct.Balances = make(map[string]decimal.Decimal)
	return acct, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
