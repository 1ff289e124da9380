package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/middleware"
	"github.com/congo-pay/textpay/internal/payments"
	"github.com/congo-pay/textpay/internal/pending"
	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/vault"
)

type credentials struct {
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

// RegisterAPIRoutes exposes the engine operations as JSON for gateways and partner apps.
func RegisterAPIRoutes(r fiber.Router, engine *payments.Service) {
	r.Post("/accounts", func(c *fiber.Ctx) error {
		var req credentials
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		acct, err := engine.Register(c.UserContext(), req.Phone, req.PIN)
		if err != nil {
			return httpError(err)
		}
		c.Locals(middleware.LocalPhone, acct.Phone)
		return c.Status(http.StatusCreated).JSON(fiber.Map{
			"phone":      acct.Phone,
			"address":    acct.Address,
			"created_at": acct.CreatedAt,
		})
	})

	r.Post("/balance", func(c *fiber.Ctx) error {
		var req credentials
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		report, err := engine.CheckBalance(c.UserContext(), req.Phone, req.PIN)
		if err != nil {
			return httpError(err)
		}
		c.Locals(middleware.LocalPhone, report.Phone)
		lines := make([]fiber.Map, 0, len(report.Balances))
		for _, b := range report.Balances {
			lines = append(lines, fiber.Map{
				"asset":     b.Asset.Code,
				"balance":   b.Amount.String(),
				"pending":   b.Pending.String(),
				"available": b.Available().String(),
			})
		}
		return c.JSON(fiber.Map{
			"phone":    report.Phone,
			"balances": lines,
			"as_of":    report.AsOf,
			"stale":    report.Stale,
		})
	})

	r.Post("/transfers", func(c *fiber.Ctx) error {
		var req struct {
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
			Amount    string `json:"amount"`
			Asset     string `json:"asset"`
			PIN       string `json:"pin"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		p, err := engine.ProposeTransfer(c.UserContext(), payments.ProposeInput{
			Sender:    req.Sender,
			Recipient: req.Recipient,
			Amount:    req.Amount,
			Asset:     req.Asset,
			PIN:       req.PIN,
		})
		if err != nil {
			return httpError(err)
		}
		c.Locals(middleware.LocalPhone, p.Sender)
		return c.Status(http.StatusCreated).JSON(pendingJSON(p))
	})

	r.Post("/transfers/confirm", func(c *fiber.Ctx) error {
		var req struct {
			Phone string `json:"phone"`
			Code  string `json:"code"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		tx, err := engine.ConfirmTransfer(c.UserContext(), req.Phone, req.Code)
		if err == nil {
			c.Locals(middleware.LocalPhone, tx.Sender)
			return c.Status(http.StatusOK).JSON(transactionJSON(tx))
		}
		if tx.ID == "" {
			return httpError(err)
		}
		// The row exists; report its state alongside the outcome.
		c.Locals(middleware.LocalPhone, tx.Sender)
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, settlement.ErrTransient):
			status = http.StatusAccepted
		case errors.Is(err, vault.ErrKeyCorruption):
			status = http.StatusInternalServerError
		}
		return c.Status(status).JSON(fiber.Map{
			"error":       httpError(err).Error(),
			"transaction": transactionJSON(tx),
		})
	})

	r.Post("/transfers/cancel", func(c *fiber.Ctx) error {
		var req struct {
			Phone string `json:"phone"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		p, err := engine.CancelTransfer(c.UserContext(), req.Phone)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"cancelled": p.ID})
	})

	r.Post("/history", func(c *fiber.Ctx) error {
		var req struct {
			credentials
			Limit int `json:"limit"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		txs, err := engine.History(c.UserContext(), req.Phone, req.PIN, req.Limit)
		if err != nil {
			return httpError(err)
		}
		out := make([]fiber.Map, 0, len(txs))
		for _, tx := range txs {
			out = append(out, transactionJSON(tx))
		}
		return c.JSON(fiber.Map{"transactions": out})
	})
}

func pendingJSON(p pending.Transfer) fiber.Map {
	return fiber.Map{
		"id":         p.ID,
		"sender":     p.Sender,
		"recipient":  p.Recipient,
		"asset":      p.Asset,
		"amount":     p.Amount.String(),
		"code":       p.Code,
		"expires_at": p.ExpiresAt.Format(time.RFC3339),
	}
}

func transactionJSON(tx ledger.Transaction) fiber.Map {
	m := fiber.Map{
		"id":         tx.ID,
		"sender":     tx.Sender,
		"recipient":  tx.Recipient,
		"asset":      tx.Asset,
		"amount":     tx.Amount.String(),
		"status":     tx.Status,
		"attempts":   tx.Attempts,
		"created_at": tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.Reference != "" {
		m["reference"] = tx.Reference
	}
	if tx.ErrorDetail != "" {
		m["error_detail"] = tx.ErrorDetail
	}
	if tx.CompletedAt != nil {
		m["completed_at"] = tx.CompletedAt.Format(time.RFC3339)
	}
	return m
}
