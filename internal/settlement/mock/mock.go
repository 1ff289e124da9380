// Package mock provides an in-memory settlement layer for tests and local development.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/settlement"
)

// Chain keeps balances per address and asset code and settles instantly.
type Chain struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
	failures []error
	calls    int
	native   string
}

// New builds an empty chain. native is the code charged for native transfers.
func New(native string) *Chain {
	return &Chain{balances: make(map[string]map[string]decimal.Decimal), native: native}
}

var _ settlement.Adapter = (*Chain)(nil)

// Fund credits an address out of thin air.
func (c *Chain) Fund(address, code string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(address, code, amount)
}

// FailNext queues errors returned by the next transfer calls, in order.
func (c *Chain) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// Transfers reports how many transfer calls reached the chain, failed or not.
func (c *Chain) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// BalanceOf reads a balance without the Adapter signature.
func (c *Chain) BalanceOf(address, code string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address][code]
}

func (c *Chain) TransferNative(ctx context.Context, signer settlement.Signer, to string, amount decimal.Decimal) (string, error) {
	return c.transfer(ctx, "transfer_native", signer, to, c.native, amount)
}

func (c *Chain) TransferToken(ctx context.Context, signer settlement.Signer, to string, amount decimal.Decimal, a asset.Asset) (string, error) {
	return c.transfer(ctx, "transfer_token", signer, to, a.Code, amount)
}

func (c *Chain) Balance(ctx context.Context, address string, a asset.Asset) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, settlement.Transient("balance", "context done", err)
	}
	return c.BalanceOf(address, a.Code), nil
}

func (c *Chain) transfer(ctx context.Context, op string, signer settlement.Signer, to, code string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", settlement.Transient(op, "context done", err)
	}
	if len(signer.Key) == 0 || signer.Key.PublicKey().String() != signer.Address {
		return "", settlement.Rejected(op, "signature does not match source account", nil)
	}
	have := c.balances[signer.Address][code]
	if have.LessThan(amount) {
		return "", settlement.Rejected(op, fmt.Sprintf("insufficient %s on chain", code), nil)
	}
	c.credit(signer.Address, code, amount.Neg())
	c.credit(to, code, amount)
	return "mock-" + uuid.NewString(), nil
}

func (c *Chain) credit(address, code string, amount decimal.Decimal) {
	byCode, ok := c.balances[address]
	if !ok {
		byCode = make(map[string]decimal.Decimal)
		c.balances[address] = byCode
	}
	byCode[code] = byCode[code].Add(amount)
}
