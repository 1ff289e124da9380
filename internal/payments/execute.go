package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/asset"
	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/lock"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/notification"
	"github.com/congo-pay/textpay/internal/settlement"
)

// claimGrace keeps the ledger lease alive past the dispatch deadline until a transaction
// sent at the last moment can no longer land.
const claimGrace = 2 * time.Minute

// Execute dispatches a pending transaction to the settlement layer and records the outcome.
// A transaction still pending after transient failures may be executed again; a terminal
// one returns ledger.ErrAlreadySettled without contacting the settlement layer.
//
// The row is leased in the ledger before dispatch, so a second caller that gets past an
// expired lock still finds it claimed and returns ledger.ErrClaimed. The lease is kept
// after a transient outcome; re-execution waits for it to lapse.
func (s *Service) Execute(ctx context.Context, id string) (ledger.Transaction, error) {
	unlock, err := s.Locker.Lock(ctx, lock.TransactionKey(id))
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer unlock()

	tx, err := s.Ledger.Get(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Status.Terminal() {
		return tx, ledger.ErrAlreadySettled
	}

	a, err := s.Assets.Lookup(tx.Asset)
	if err != nil {
		return s.fail(ctx, tx, "asset no longer supported", err)
	}
	sender, err := s.Accounts.Get(ctx, tx.Sender)
	if err != nil {
		return tx, fmt.Errorf("load sender: %w", err)
	}
	recipient, err := s.Accounts.Get(ctx, tx.Recipient)
	if err != nil {
		return tx, fmt.Errorf("load recipient: %w", err)
	}

	now := s.opts.Now().UTC()
	claimed, err := s.Ledger.Claim(ctx, tx.ID, now.Add(s.opts.DispatchTimeout+claimGrace), now)
	if err != nil {
		if claimed.ID == "" {
			claimed = tx
		}
		if errors.Is(err, ledger.ErrClaimed) {
			s.Logger.Warn("transaction already being dispatched", "id", tx.ID, "claimed_until", claimed.ClaimedUntil)
		}
		return claimed, err
	}
	tx = claimed

	dispatchCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()
	reference, err := s.dispatch(dispatchCtx, sender, recipient.Address, tx.Amount, a)

	// The outcome is recorded even if the caller went away mid-dispatch.
	writeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		return s.complete(writeCtx, tx, reference, a)
	case isKeyCorruption(err):
		s.Logger.Error("custodial key unavailable", "id", tx.ID, "sender", logging.MaskPhone(tx.Sender))
		return s.fail(writeCtx, tx, keyUnavailableDetail, err)
	case errors.Is(err, settlement.ErrRejected):
		return s.fail(writeCtx, tx, settlement.Detail(err), err)
	default:
		// Transient or unclassified: the outcome is unknown, keep the row pending.
		updated, recErr := s.Ledger.RecordAttempt(writeCtx, tx.ID, settlement.Detail(err))
		if recErr != nil {
			s.Logger.Error("record attempt failed", "id", tx.ID, "error", recErr)
			updated = tx
		}
		s.Logger.Warn("settlement unresolved, transaction left pending", "id", tx.ID, "attempts", updated.Attempts, "error", err)
		if !errors.Is(err, settlement.ErrTransient) {
			err = settlement.Transient("dispatch", settlement.Detail(err), err)
		}
		return updated, err
	}
}

// dispatch signs and sends the transfer, retrying transient failures in-call.
func (s *Service) dispatch(ctx context.Context, sender identity.Account, to string, amount decimal.Decimal, a asset.Asset) (string, error) {
	var (
		reference string
		err       error
	)
	for attempt := 1; ; attempt++ {
		err = s.Signers.WithSigner(sender.Address, sender.EncryptedKey, func(signer settlement.Signer) error {
			ref, dispatchErr := settlement.Dispatch(ctx, s.Adapter, signer, to, amount, a)
			reference = ref
			return dispatchErr
		})
		if err == nil || !settlement.IsTransient(err) || attempt >= s.opts.MaxAttempts {
			return reference, err
		}
		s.Logger.Debug("transient settlement failure, retrying", "attempt", attempt, "error", err)

		wait := time.NewTimer(s.opts.RetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return "", err
		case <-wait.C:
		}
	}
}

func (s *Service) complete(ctx context.Context, tx ledger.Transaction, reference string, a asset.Asset) (ledger.Transaction, error) {
	done, err := s.Ledger.Complete(ctx, tx.ID, reference, s.opts.Now().UTC())
	if err != nil {
		return done, err
	}
	s.Logger.Info("transfer completed", "id", done.ID, "reference", reference)

	s.Reconciler.Trigger(done.Sender, done.Recipient)
	if s.Notifier != nil {
		if err := s.Notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferReceived,
			Destination: done.Recipient,
			Body:        fmt.Sprintf("You received %s from %s. Ref %s", a.Format(done.Amount), done.Sender, reference),
		}); err != nil {
			s.Logger.Warn("recipient notification failed", "id", done.ID, "error", err)
		}
	}
	return done, nil
}

func (s *Service) fail(ctx context.Context, tx ledger.Transaction, detail string, cause error) (ledger.Transaction, error) {
	failed, err := s.Ledger.Fail(ctx, tx.ID, detail, s.opts.Now().UTC())
	if err != nil {
		return failed, err
	}
	s.Logger.Warn("transfer failed", "id", failed.ID, "detail", detail)
	if s.Notifier != nil {
		if err := s.Notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferFailed,
			Destination: failed.Sender,
			Body:        fmt.Sprintf("Your transfer %s could not be completed: %s", failed.ID, detail),
		}); err != nil {
			s.Logger.Warn("sender notification failed", "id", failed.ID, "error", err)
		}
	}
	return failed, cause
}
