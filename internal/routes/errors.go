package routes

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/payments"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/vault"
)

// httpError maps engine errors onto status codes. Messages never carry key material.
func httpError(err error) error {
	var ve *payments.ValidationError
	switch {
	case errors.As(err, &ve):
		return fiber.NewError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, identity.ErrInvalidPhone), errors.Is(err, identity.ErrMalformedPIN):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrAccountLocked):
		return fiber.NewError(http.StatusLocked, "account locked")
	case errors.Is(err, identity.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, "account not found")
	case errors.Is(err, identity.ErrNotRegistered):
		return fiber.NewError(http.StatusForbidden, "account not registered")
	case errors.Is(err, identity.ErrAuth):
		return fiber.NewError(http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrAlreadyRegistered):
		return fiber.NewError(http.StatusConflict, "already registered")
	case errors.Is(err, payments.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, pending.ErrNoSuchPendingTransfer):
		return fiber.NewError(http.StatusNotFound, "no such pending transfer")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrAlreadySettled):
		return fiber.NewError(http.StatusConflict, "transaction already settled")
	case errors.Is(err, ledger.ErrClaimed):
		return fiber.NewError(http.StatusConflict, "transaction dispatch in progress")
	case errors.Is(err, vault.ErrKeyCorruption):
		return fiber.NewError(http.StatusInternalServerError, "custodial key unavailable")
	case errors.Is(err, settlement.ErrRejected):
		return fiber.NewError(http.StatusUnprocessableEntity, "settlement rejected: "+settlement.Detail(err))
	case errors.Is(err, settlement.ErrTransient):
		return fiber.NewError(http.StatusServiceUnavailable, "settlement unavailable")
	}
	return err
}
