package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/middleware"
	"github.com/congo-pay/textpay/internal/settlement/mock"
)

const defaultStaleAge = 5 * time.Minute

// RegisterAdminRoutes exposes operator actions: unlock, re-execute, resync and lookup.
func RegisterAdminRoutes(r fiber.Router, s *Services, logger *slog.Logger) {
	r.Post("/accounts/:phone/unlock", func(c *fiber.Ctx) error {
		phone := c.Params("phone")
		if err := s.Accounts.Unlock(c.UserContext(), phone); err != nil {
			return httpError(err)
		}
		operatorLog(c, logger).Info("account unlocked by operator", slog.String("phone", logging.MaskPhone(phone)))
		return c.SendStatus(http.StatusNoContent)
	})

	r.Post("/accounts/:phone/reconcile", func(c *fiber.Ctx) error {
		phone, err := identity.NormalizePhone(c.Params("phone"))
		if err != nil {
			return httpError(err)
		}
		acct, err := s.Reconciler.Reconcile(c.UserContext(), phone)
		if errors.Is(err, identity.ErrAccountNotFound) {
			return httpError(err)
		}
		if err != nil {
			return fiber.NewError(http.StatusBadGateway, err.Error())
		}
		balances := fiber.Map{}
		for code, amount := range acct.Balances {
			balances[code] = amount.String()
		}
		return c.JSON(fiber.Map{"phone": acct.Phone, "balances": balances, "as_of": acct.BalancesAsOf})
	})

	if chain, ok := s.Adapter.(*mock.Chain); ok {
		// Development faucet for the in-memory settlement layer.
		r.Post("/accounts/:phone/fund", func(c *fiber.Ctx) error {
			var req struct {
				Asset  string `json:"asset"`
				Amount string `json:"amount"`
			}
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
			amount, err := decimal.NewFromString(req.Amount)
			if err != nil || !amount.IsPositive() {
				return fiber.NewError(http.StatusBadRequest, "invalid amount")
			}
			acct, err := s.Accounts.Get(c.UserContext(), c.Params("phone"))
			if err != nil {
				return httpError(err)
			}
			chain.Fund(acct.Address, strings.ToUpper(req.Asset), amount)
			s.Reconciler.Trigger(acct.Phone)
			return c.SendStatus(http.StatusAccepted)
		})
	}

	r.Get("/transactions/stale", func(c *fiber.Ctx) error {
		age := defaultStaleAge
		if raw := c.Query("older_than"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fiber.NewError(http.StatusBadRequest, "invalid older_than")
			}
			age = d
		}
		txs, err := s.ReportStale(c.UserContext(), age)
		if err != nil {
			return err
		}
		out := make([]fiber.Map, 0, len(txs))
		for _, tx := range txs {
			out = append(out, transactionJSON(tx))
		}
		return c.JSON(fiber.Map{"transactions": out})
	})

	r.Get("/transactions/:id", func(c *fiber.Ctx) error {
		tx, err := s.Engine.Transaction(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(transactionJSON(tx))
	})

	r.Post("/transactions/:id/execute", func(c *fiber.Ctx) error {
		tx, err := s.Engine.Execute(c.UserContext(), c.Params("id"))
		if err != nil {
			if errors.Is(err, ledger.ErrTransactionNotFound) || tx.ID == "" {
				return httpError(err)
			}
			operatorLog(c, logger).Warn("operator re-execution unresolved", slog.String("id", tx.ID), slog.Any("error", err))
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":       httpError(err).Error(),
				"transaction": transactionJSON(tx),
			})
		}
		operatorLog(c, logger).Info("transaction re-executed by operator", slog.String("id", tx.ID))
		return c.JSON(transactionJSON(tx))
	})
}

func operatorLog(c *fiber.Ctx, logger *slog.Logger) *slog.Logger {
	operator, _ := c.Locals(middleware.LocalOperator).(string)
	return logger.With(slog.String("operator", operator), slog.String("request_id", middleware.RequestIDFrom(c)))
}
