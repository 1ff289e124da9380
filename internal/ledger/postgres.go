package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists transactions in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const transactionColumns = `id::text, sender, recipient, asset, amount::text, status, reference, error_detail,
        attempts, last_error, claimed_until, created_at, completed_at`

// Create inserts a pending transaction.
func (l *PostgresLedger) Create(ctx context.Context, tx Transaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `INSERT INTO transactions (id, sender, recipient, asset, amount, status, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, 'pending', $6)`,
		id, tx.Sender, tx.Recipient, tx.Asset, tx.Amount.String(), tx.CreatedAt.UTC())
	return err
}

// Get fetches a transaction by identifier.
func (l *PostgresLedger) Get(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	tx, err := scanTransaction(l.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, err
}

// Complete marks a pending transaction as completed.
func (l *PostgresLedger) Complete(ctx context.Context, id, reference string, at time.Time) (Transaction, error) {
	return l.settle(ctx, id, `UPDATE transactions SET status = 'completed', reference = $2, completed_at = $3
        WHERE id = $1 AND status = 'pending' RETURNING `+transactionColumns, reference, at.UTC())
}

// Fail marks a pending transaction as failed.
func (l *PostgresLedger) Fail(ctx context.Context, id, detail string, at time.Time) (Transaction, error) {
	return l.settle(ctx, id, `UPDATE transactions SET status = 'failed', error_detail = $2, completed_at = $3
        WHERE id = $1 AND status = 'pending' RETURNING `+transactionColumns, detail, at.UTC())
}

// Claim leases a pending transaction for one dispatch. The row lock taken by the UPDATE
// makes concurrent claims across processes serialize on the database.
func (l *PostgresLedger) Claim(ctx context.Context, id string, until, now time.Time) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	tx, err := scanTransaction(l.db.QueryRow(ctx, `UPDATE transactions SET claimed_until = $2
        WHERE id = $1 AND status = 'pending' AND (claimed_until IS NULL OR claimed_until <= $3)
        RETURNING `+transactionColumns, txID, until.UTC(), now.UTC()))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, err
	}
	current, err := l.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status.Terminal() {
		return current, ErrAlreadySettled
	}
	return current, ErrClaimed
}

// RecordAttempt notes a transient dispatch failure on a pending transaction.
func (l *PostgresLedger) RecordAttempt(ctx context.Context, id, detail string) (Transaction, error) {
	return l.settle(ctx, id, `UPDATE transactions SET attempts = attempts + 1, last_error = $2
        WHERE id = $1 AND status = 'pending' RETURNING `+transactionColumns, detail)
}

func (l *PostgresLedger) settle(ctx context.Context, id, query string, args ...any) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	tx, err := scanTransaction(l.db.QueryRow(ctx, query, append([]any{txID}, args...)...))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, err
	}
	current, err := l.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	return current, ErrAlreadySettled
}

// PendingTotal sums in-flight amounts for a sender and asset.
func (l *PostgresLedger) PendingTotal(ctx context.Context, sender, asset string) (decimal.Decimal, error) {
	var total string
	if err := l.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM transactions
        WHERE sender = $1 AND asset = $2 AND status = 'pending'`, sender, asset).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

// ListBySender returns recent transactions where phone is either party.
func (l *PostgresLedger) ListBySender(ctx context.Context, phone string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.list(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE sender = $1 OR recipient = $1 ORDER BY created_at DESC LIMIT $2`, phone, limit)
}

// ListPending returns stale pending transactions, oldest first.
func (l *PostgresLedger) ListPending(ctx context.Context, olderThan time.Time) ([]Transaction, error) {
	return l.list(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE status = 'pending' AND created_at < $1 ORDER BY created_at ASC`, olderThan.UTC())
}

func (l *PostgresLedger) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx          Transaction
		id          uuid.UUID
		amount      string
		status       string
		claimedUntil *time.Time
		completedAt  *time.Time
	)
	if err := row.Scan(&id, &tx.Sender, &tx.Recipient, &tx.Asset, &amount, &status, &tx.Reference,
		&tx.ErrorDetail, &tx.Attempts, &tx.LastError, &claimedUntil, &tx.CreatedAt, &completedAt); err != nil {
		return Transaction{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s amount: %w", id, err)
	}
	tx.ID = id.String()
	tx.Amount = value
	tx.Status = Status(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if claimedUntil != nil {
		c := claimedUntil.UTC()
		tx.ClaimedUntil = &c
	}
	if completedAt != nil {
		c := completedAt.UTC()
		tx.CompletedAt = &c
	}
	return tx, nil
}
