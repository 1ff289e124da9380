package routes

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/middleware"
	"github.com/congo-pay/textpay/internal/sms"
)

// RegisterSMSRoutes mounts the gateway webhook. The gateway posts From and Body as a form
// and relays the plain-text response back to the sender.
func RegisterSMSRoutes(r fiber.Router, d *sms.Dispatcher, mw ...fiber.Handler) {
	handlers := append(mw, func(c *fiber.Ctx) error {
		from := strings.TrimSpace(c.FormValue("From"))
		body := c.FormValue("Body")
		if from == "" {
			return fiber.NewError(http.StatusBadRequest, "missing From")
		}
		if phone, err := identity.NormalizePhone(from); err == nil {
			c.Locals(middleware.LocalPhone, phone)
		}

		reply := d.Handle(c.UserContext(), from, body)
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(http.StatusOK).SendString(reply)
	})
	r.Post("/sms/inbound", handlers...)
}
