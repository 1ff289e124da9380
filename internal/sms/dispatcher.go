package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/payments"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/vault"
)

const historyLimit = 5

// Engine is the transaction engine surface reachable by text.
type Engine interface {
	Register(ctx context.Context, phone, pin string) (identity.Account, error)
	CheckBalance(ctx context.Context, phone, pin string) (payments.BalanceReport, error)
	ProposeTransfer(ctx context.Context, in payments.ProposeInput) (pending.Transfer, error)
	ConfirmTransfer(ctx context.Context, phone, code string) (ledger.Transaction, error)
	CancelTransfer(ctx context.Context, phone string) (pending.Transfer, error)
	History(ctx context.Context, phone, pin string, limit int) ([]ledger.Transaction, error)
}

// Dispatcher handles one inbound message and returns the reply text.
type Dispatcher struct {
	engine Engine
	assets *asset.Registry
	logger *slog.Logger
}

// NewDispatcher builds a text command dispatcher.
func NewDispatcher(engine Engine, assets *asset.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, assets: assets, logger: logger}
}

// Handle runs the command in text on behalf of from. The reply never carries internal errors.
func (d *Dispatcher) Handle(ctx context.Context, from, text string) string {
	if normalized, err := identity.NormalizePhone(from); err == nil {
		from = normalized
	}
	cmd, err := Parse(text)
	if err != nil {
		var usage *UsageError
		if errors.As(err, &usage) {
			return "Usage: " + Usage(usage.Verb)
		}
		return "Unknown command. " + d.help()
	}

	switch cmd.Verb {
	case VerbHelp:
		return d.help()
	case VerbRegister:
		acct, err := d.engine.Register(ctx, from, cmd.PIN)
		if err != nil {
			return d.reply(from, cmd, err)
		}
		return fmt.Sprintf("Welcome! Your wallet %s is ready. Keep your PIN secret.", shortAddress(acct.Address))
	case VerbBalance:
		report, err := d.engine.CheckBalance(ctx, from, cmd.PIN)
		if err != nil {
			return d.reply(from, cmd, err)
		}
		return renderBalance(report)
	case VerbSend:
		p, err := d.engine.ProposeTransfer(ctx, payments.ProposeInput{
			Sender:    from,
			Recipient: cmd.Recipient,
			Amount:    cmd.Amount,
			Asset:     cmd.Asset,
			PIN:       cmd.PIN,
		})
		if err != nil {
			return d.reply(from, cmd, err)
		}
		a, _ := d.assets.Lookup(p.Asset)
		minutes := int(p.ExpiresAt.Sub(p.CreatedAt).Minutes())
		return fmt.Sprintf("Send %s to %s? Reply YES %s within %d min, or NO to cancel.", a.Format(p.Amount), p.Recipient, p.Code, minutes)
	case VerbConfirm:
		tx, err := d.engine.ConfirmTransfer(ctx, from, cmd.Code)
		if err != nil {
			return d.reply(from, cmd, err)
		}
		a, _ := d.assets.Lookup(tx.Asset)
		return fmt.Sprintf("Sent %s to %s. Ref %s", a.Format(tx.Amount), tx.Recipient, shortReference(tx.Reference))
	case VerbCancel:
		if _, err := d.engine.CancelTransfer(ctx, from); err != nil {
			return d.reply(from, cmd, err)
		}
		return "Transfer cancelled."
	case VerbHistory:
		txs, err := d.engine.History(ctx, from, cmd.PIN, historyLimit)
		if err != nil {
			return d.reply(from, cmd, err)
		}
		return renderHistory(from, txs)
	}
	return d.help()
}

func (d *Dispatcher) help() string {
	return "Commands: REG <PIN> | BAL <PIN> | SEND <amount> <asset> <phone> <PIN> | YES <code> | NO | HISTORY <PIN>. Assets: " +
		strings.Join(d.assets.Codes(), ", ")
}

// reply maps engine errors to user-facing text.
func (d *Dispatcher) reply(from string, cmd Command, err error) string {
	var ve *payments.ValidationError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid %s: %s. Usage: %s", ve.Field, ve.Reason, Usage(cmd.Verb))
	case errors.Is(err, identity.ErrAccountLocked):
		return "Your account is locked after too many wrong PINs. Contact support to unlock it."
	case errors.Is(err, identity.ErrInvalidPIN):
		return "Wrong PIN."
	case errors.Is(err, identity.ErrNotRegistered), errors.Is(err, identity.ErrAccountNotFound):
		return "You are not registered. Reply REG <PIN> to create your wallet."
	case errors.Is(err, identity.ErrAlreadyRegistered):
		return "You are already registered."
	case errors.Is(err, payments.ErrInsufficientFunds):
		return "Insufficient balance for this transfer."
	case errors.Is(err, pending.ErrNoSuchPendingTransfer):
		return "No pending transfer matches. It may have expired; send it again."
	case errors.Is(err, settlement.ErrTransient):
		return "Your transfer is processing. We will confirm once the network responds."
	case errors.Is(err, settlement.ErrRejected):
		return "Your transfer was declined by the network: " + settlement.Detail(err)
	case errors.Is(err, vault.ErrKeyCorruption):
		return "Your transfer could not be completed. Contact support."
	}
	d.logger.Error("sms command failed", "from", logging.MaskPhone(from), "verb", string(cmd.Verb), "error", err)
	return "Something went wrong. Please try again later."
}

func renderBalance(report payments.BalanceReport) string {
	parts := make([]string, 0, len(report.Balances))
	for _, line := range report.Balances {
		text := line.Asset.Format(line.Amount)
		if line.Pending.IsPositive() {
			text += fmt.Sprintf(" (%s pending)", line.Pending.String())
		}
		parts = append(parts, text)
	}
	out := "Balance: " + strings.Join(parts, ", ")
	if report.Stale && report.AsOf != nil {
		out += " as of " + report.AsOf.Format("2006-01-02 15:04 MST")
	}
	return out
}

func renderHistory(phone string, txs []ledger.Transaction) string {
	if len(txs) == 0 {
		return "No transactions yet."
	}
	lines := make([]string, 0, len(txs))
	for _, tx := range txs {
		direction, party := "to", tx.Recipient
		if tx.Recipient == phone {
			direction, party = "from", tx.Sender
		}
		lines = append(lines, fmt.Sprintf("%s %s %s %s %s %s",
			tx.CreatedAt.Format("01/02"), tx.Amount.String(), tx.Asset, direction, party, tx.Status))
	}
	return strings.Join(lines, "\n")
}

func shortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:4] + "..." + address[len(address)-4:]
}

func shortReference(ref string) string {
	if len(ref) <= 12 {
		return ref
	}
	return ref[:12]
}
