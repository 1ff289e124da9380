package pending

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoSuchPendingTransfer covers a missing, expired, mismatched or already consumed proposal.
var ErrNoSuchPendingTransfer = errors.New("no such pending transfer")

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// Transfer is a proposal awaiting confirmation. At most one is active per sender.
type Transfer struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Code      string          `json:"code"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the confirmation window has closed. A transfer is still
// confirmable at exactly ExpiresAt.
func (t Transfer) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Registry holds proposals between propose and confirm.
type Registry interface {
	// Put stores t as the sender's active proposal, replacing any previous one.
	Put(ctx context.Context, t Transfer) error
	// Consume atomically removes and returns the sender's proposal when code matches
	// case-insensitively and the proposal has not expired. An expired proposal is
	// removed whatever code was presented.
	Consume(ctx context.Context, sender, code string, now time.Time) (Transfer, error)
	// Cancel removes the sender's proposal. An expired proposal is removed but reported missing.
	Cancel(ctx context.Context, sender string, now time.Time) (Transfer, error)
	// Active returns the sender's unexpired proposal without removing it. An expired
	// one is removed.
	Active(ctx context.Context, sender string, now time.Time) (Transfer, error)
}

// NewCode draws a confirmation code uniformly from A-Z0-9.
func NewCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
