package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
)

var (
	// ErrTransient marks failures where the outcome is unknown or retryable (timeouts, congestion).
	ErrTransient = errors.New("settlement transient failure")

	// ErrRejected marks definite refusals by the settlement layer. Retrying will not help.
	ErrRejected = errors.New("settlement rejected")
)

// Kind classifies a settlement failure.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every Adapter.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTransient / ErrRejected by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// Transient builds a retryable settlement error.
func Transient(op, detail string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Detail: detail, Err: err}
}

// Rejected builds a definite settlement refusal.
func Rejected(op, detail string, err error) *Error {
	return &Error{Kind: KindRejected, Op: op, Detail: detail, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Detail extracts the adapter-provided detail suitable for a failed transaction row.
func Detail(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Detail
	}
	return err.Error()
}

// Signer is a decrypted custodial key bound to its address. It lives only for one dispatch.
type Signer struct {
	Address string
	Key     solana.PrivateKey
}

// Adapter moves value on the external settlement layer.
type Adapter interface {
	TransferNative(ctx context.Context, signer Signer, to string, amount decimal.Decimal) (string, error)
	TransferToken(ctx context.Context, signer Signer, to string, amount decimal.Decimal, a asset.Asset) (string, error)
	Balance(ctx context.Context, address string, a asset.Asset) (decimal.Decimal, error)
}

// Dispatch routes a transfer to the native or token path by asset kind.
func Dispatch(ctx context.Context, adapter Adapter, signer Signer, to string, amount decimal.Decimal, a asset.Asset) (string, error) {
	switch a.Kind {
	case asset.KindNative:
		return adapter.TransferNative(ctx, signer, to, amount)
	case asset.KindToken:
		return adapter.TransferToken(ctx, signer, to, amount, a)
	default:
		return "", Rejected("dispatch", fmt.Sprintf("unsupported asset kind %q", a.Kind), nil)
	}
}
