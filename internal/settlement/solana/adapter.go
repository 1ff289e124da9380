// Package solana settles transfers on a Solana cluster through JSON-RPC.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/settlement"
)

// RPC error codes that indicate the node could not answer yet rather than refusing the transaction.
const (
	codeSlotSkipped         = -32007
	codeNodeUnhealthy       = -32005
	codeBlockNotAvailable   = -32004
	codeLongTermStorageSlot = -32009
)

// rpcClient is the subset of *rpc.Client the adapter needs.
type rpcClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

const defaultPollInterval = 500 * time.Millisecond

// Adapter implements settlement.Adapter against a Solana RPC endpoint.
type Adapter struct {
	client     rpcClient
	commitment rpc.CommitmentType
	native     asset.Asset
	logger     *slog.Logger
	poll       time.Duration
}

// New dials nothing; the RPC client is HTTP and lazy.
func New(endpoint, commitment string, native asset.Asset, logger *slog.Logger) *Adapter {
	return newWithClient(rpc.New(endpoint), commitment, native, logger)
}

func newWithClient(client rpcClient, commitment string, native asset.Asset, logger *slog.Logger) *Adapter {
	c := rpc.CommitmentType(commitment)
	switch c {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		c = rpc.CommitmentConfirmed
	}
	return &Adapter{client: client, commitment: c, native: native, logger: logger, poll: defaultPollInterval}
}

var _ settlement.Adapter = (*Adapter)(nil)

// TransferNative sends lamports from the signer to the recipient address.
func (a *Adapter) TransferNative(ctx context.Context, signer settlement.Signer, to string, amount decimal.Decimal) (string, error) {
	const op = "transfer_native"
	from, dest, err := a.parties(op, signer, to)
	if err != nil {
		return "", err
	}
	lamports, err := a.native.ToBaseUnits(amount)
	if err != nil {
		return "", settlement.Rejected(op, "invalid amount", err)
	}

	ix := system.NewTransferInstruction(lamports, from, dest).Build()
	return a.submit(ctx, op, signer, []solana.Instruction{ix})
}

// TransferToken sends SPL tokens between associated token accounts, creating the
// recipient's account when it does not exist yet. The sender pays the rent.
func (a *Adapter) TransferToken(ctx context.Context, signer settlement.Signer, to string, amount decimal.Decimal, tok asset.Asset) (string, error) {
	const op = "transfer_token"
	from, dest, err := a.parties(op, signer, to)
	if err != nil {
		return "", err
	}
	mint, err := solana.PublicKeyFromBase58(tok.Mint)
	if err != nil {
		return "", settlement.Rejected(op, "invalid mint", err)
	}
	units, err := tok.ToBaseUnits(amount)
	if err != nil {
		return "", settlement.Rejected(op, "invalid amount", err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return "", settlement.Rejected(op, "derive source token account", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		return "", settlement.Rejected(op, "derive destination token account", err)
	}

	var instructions []solana.Instruction
	if _, err := a.client.GetAccountInfo(ctx, destination); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return "", classify(op, err)
		}
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(from, dest, mint).Build())
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		units,
		uint8(tok.Scale),
		source,
		mint,
		destination,
		from,
		nil,
	).Build())

	return a.submit(ctx, op, signer, instructions)
}

// Balance reads the native balance or the associated token account balance.
// A missing token account is a zero balance.
func (a *Adapter) Balance(ctx context.Context, address string, as asset.Asset) (decimal.Decimal, error) {
	const op = "balance"
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, settlement.Rejected(op, "invalid address", err)
	}

	if as.Kind == asset.KindNative {
		res, err := a.client.GetBalance(ctx, owner, a.commitment)
		if err != nil {
			return decimal.Zero, classify(op, err)
		}
		return as.FromBaseUnits(res.Value), nil
	}

	mint, err := solana.PublicKeyFromBase58(as.Mint)
	if err != nil {
		return decimal.Zero, settlement.Rejected(op, "invalid mint", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, settlement.Rejected(op, "derive token account", err)
	}
	if _, err := a.client.GetAccountInfo(ctx, ata); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, classify(op, err)
	}
	res, err := a.client.GetTokenAccountBalance(ctx, ata, a.commitment)
	if err != nil {
		return decimal.Zero, classify(op, err)
	}
	if res.Value == nil {
		return decimal.Zero, nil
	}
	units, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero, settlement.Transient(op, "malformed token amount", err)
	}
	return units.Shift(-as.Scale), nil
}

func (a *Adapter) parties(op string, signer settlement.Signer, to string) (solana.PublicKey, solana.PublicKey, error) {
	from, err := solana.PublicKeyFromBase58(signer.Address)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, settlement.Rejected(op, "invalid source address", err)
	}
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, settlement.Rejected(op, "invalid destination address", err)
	}
	return from, dest, nil
}

func (a *Adapter) submit(ctx context.Context, op string, signer settlement.Signer, instructions []solana.Instruction) (string, error) {
	from := signer.Key.PublicKey()

	recent, err := a.client.GetLatestBlockhash(ctx, a.commitment)
	if err != nil {
		return "", classify(op, err)
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(from))
	if err != nil {
		return "", settlement.Rejected(op, "build transaction", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &signer.Key
		}
		return nil
	}); err != nil {
		return "", settlement.Rejected(op, "sign transaction", err)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: a.commitment,
	})
	if err != nil {
		return "", classify(op, err)
	}
	a.logger.Debug("settlement submitted", "op", op, "signature", sig.String())

	if err := a.await(ctx, op, sig, recent.Value.LastValidBlockHeight); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// await polls the signature until it reaches the adapter's commitment. A transaction
// that executed with an error is rejected. One not seen before its blockhash expired
// can no longer land and is reported transient, as is anything still unknown when
// ctx ends.
func (a *Adapter) await(ctx context.Context, op string, sig solana.Signature, lastValid uint64) error {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		status, err := a.status(ctx, sig, false)
		if err == nil && status == nil {
			height, heightErr := a.client.GetBlockHeight(ctx, a.commitment)
			if heightErr == nil && height > lastValid {
				// blockhash expired: search history once before declaring the transaction dropped
				status, err = a.status(ctx, sig, true)
				if err == nil && status == nil {
					return settlement.Transient(op, "transaction expired before confirmation", nil)
				}
			}
		}
		if err != nil {
			a.logger.Debug("signature status unavailable", "op", op, "signature", sig.String(), "error", err)
		} else if status != nil {
			if status.Err != nil {
				return settlement.Rejected(op, fmt.Sprintf("transaction failed: %v", status.Err), nil)
			}
			if reached(status.ConfirmationStatus, a.commitment) {
				a.logger.Debug("settlement confirmed", "op", op, "signature", sig.String(), "status", status.ConfirmationStatus)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return settlement.Transient(op, "confirmation not observed", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Adapter) status(ctx context.Context, sig solana.Signature, history bool) (*rpc.SignatureStatusesResult, error) {
	res, err := a.client.GetSignatureStatuses(ctx, history, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// reached reports whether an observed confirmation status satisfies the wanted commitment.
func reached(got rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{
		string(rpc.ConfirmationStatusProcessed): 1,
		string(rpc.ConfirmationStatusConfirmed): 2,
		string(rpc.ConfirmationStatusFinalized): 3,
	}
	return rank[string(got)] > 0 && rank[string(got)] >= rank[string(want)]
}

// classify splits RPC failures: node-side unavailability and transport errors are
// transient, everything else the node answered with is a rejection.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return settlement.Transient(op, "request timed out", err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeNodeUnhealthy, codeBlockNotAvailable, codeSlotSkipped, codeLongTermStorageSlot:
			return settlement.Transient(op, rpcErr.Message, err)
		default:
			return settlement.Rejected(op, fmt.Sprintf("rpc %d: %s", rpcErr.Code, rpcErr.Message), err)
		}
	}
	return settlement.Transient(op, "rpc unavailable", err)
}
