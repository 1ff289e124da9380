package identity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes accounts whose holder has set a PIN from those created on first receipt.
type Kind string

const (
	KindRegistered  Kind = "registered"
	KindPlaceholder Kind = "placeholder"
)

// Account is a phone-addressed custodial wallet.
type Account struct {
	Phone        string
	Kind         Kind
	Address      string
	EncryptedKey []byte
	// PINHash is nil for placeholders.
	PINHash           []byte
	FailedPINAttempts int
	LockedUntil       *time.Time
	// Balances is an advisory cache refreshed from the settlement layer.
	Balances     map[string]decimal.Decimal
	BalancesAsOf *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Verified reports whether the holder completed registration.
func (a Account) Verified() bool { return a.Kind == KindRegistered }

// Locked reports whether PIN authorization is currently refused. A lock without an
// expiry holds until an explicit unlock.
func (a Account) Locked(threshold int, now time.Time) bool {
	if a.FailedPINAttempts < threshold {
		return false
	}
	return a.LockedUntil == nil || now.Before(*a.LockedUntil)
}

// Balance returns the cached balance for an asset code, zero when never reconciled.
func (a Account) Balance(code string) decimal.Decimal {
	return a.Balances[code]
}

func (a Account) clone() Account {
	out := a
	out.EncryptedKey = append([]byte(nil), a.EncryptedKey...)
	if a.PINHash != nil {
		out.PINHash = append([]byte(nil), a.PINHash...)
	}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		out.LockedUntil = &t
	}
	if a.BalancesAsOf != nil {
		t := *a.BalancesAsOf
		out.BalancesAsOf = &t
	}
	out.Balances = make(map[string]decimal.Decimal, len(a.Balances))
	for k, v := range a.Balances {
		out.Balances[k] = v
	}
	return out
}
