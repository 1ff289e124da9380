package asset

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownAsset is returned when a code is not part of the configured set.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInvalidAmount reports a malformed, non-positive or over-precise amount.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Kind separates the chain's native coin from fungible tokens.
type Kind string

const (
	KindNative Kind = "native"
	KindToken  Kind = "token"
)

// Asset is identity metadata for a transferable asset. It carries no balance.
type Asset struct {
	Code  string
	Kind  Kind
	Scale int32
	// Mint is the network identifier of a token. Empty for the native coin.
	Mint string
}

// ParseAmount converts user input into a positive amount no finer than the asset scale.
func (a Asset) ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	return amount, a.ValidateAmount(amount)
}

// ValidateAmount checks sign and precision.
func (a Asset) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(a.Scale)) {
		return fmt.Errorf("%w: %s supports at most %d decimals", ErrInvalidAmount, a.Code, a.Scale)
	}
	return nil
}

// ToBaseUnits converts a display amount into integer base units (lamports, token atoms).
func (a Asset) ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	if err := a.ValidateAmount(amount); err != nil {
		return 0, err
	}
	units := amount.Shift(a.Scale)
	if !units.IsInteger() || units.BigInt().BitLen() > 64 {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, amount.String())
	}
	return units.BigInt().Uint64(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func (a Asset) FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -a.Scale)
}

// Format renders an amount with the asset code, trimming trailing zeros.
func (a Asset) Format(amount decimal.Decimal) string {
	return amount.String() + " " + a.Code
}

// Registry is the closed set of assets the deployment supports.
type Registry struct {
	byCode map[string]Asset
	order  []string
}

// NewRegistry validates and indexes the provided assets. Exactly one native asset is required.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{byCode: make(map[string]Asset, len(assets))}
	natives := 0
	for _, a := range assets {
		a.Code = strings.ToUpper(strings.TrimSpace(a.Code))
		if a.Code == "" {
			return nil, errors.New("asset code is required")
		}
		if _, dup := r.byCode[a.Code]; dup {
			return nil, fmt.Errorf("duplicate asset %s", a.Code)
		}
		if a.Scale < 0 || a.Scale > 18 {
			return nil, fmt.Errorf("asset %s: scale %d out of range", a.Code, a.Scale)
		}
		switch a.Kind {
		case KindNative:
			natives++
		case KindToken:
			if a.Mint == "" {
				return nil, fmt.Errorf("asset %s: token mint is required", a.Code)
			}
		default:
			return nil, fmt.Errorf("asset %s: unknown kind %q", a.Code, a.Kind)
		}
		r.byCode[a.Code] = a
		r.order = append(r.order, a.Code)
	}
	if natives != 1 {
		return nil, fmt.Errorf("exactly one native asset is required, got %d", natives)
	}
	return r, nil
}

// ParseTable builds a registry from "CODE:kind:scale[:mint]" entries separated by commas.
func ParseTable(table string) (*Registry, error) {
	var assets []Asset
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid asset entry %q", entry)
		}
		scale, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid scale in %q: %w", entry, err)
		}
		a := Asset{Code: parts[0], Kind: Kind(strings.ToLower(parts[1])), Scale: int32(scale)}
		if len(parts) == 4 {
			a.Mint = parts[3]
		}
		assets = append(assets, a)
	}
	return NewRegistry(assets...)
}

// Default returns SOL plus the mainnet USDC and USDT mints.
func Default() *Registry {
	r, err := NewRegistry(
		Asset{Code: "SOL", Kind: KindNative, Scale: 9},
		Asset{Code: "USDC", Kind: KindToken, Scale: 6, Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
		Asset{Code: "USDT", Kind: KindToken, Scale: 6, Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves a case-insensitive asset code.
func (r *Registry) Lookup(code string) (Asset, error) {
	a, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, code)
	}
	return a, nil
}

// All returns the assets in configuration order.
func (r *Registry) All() []Asset {
	out := make([]Asset, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.byCode[code])
	}
	return out
}

// Native returns the settlement layer's native coin.
func (r *Registry) Native() Asset {
	for _, code := range r.order {
		if a := r.byCode[code]; a.Kind == KindNative {
			return a
		}
	}
	return Asset{}
}

// Codes returns the asset codes sorted alphabetically.
func (r *Registry) Codes() []string {
	codes := append([]string(nil), r.order...)
	sort.Strings(codes)
	return codes
}
