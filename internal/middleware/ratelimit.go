package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/textpay/internal/identity"
	"github.com/congo-pay/textpay/internal/logging"
)

const rateLimitPrefix = "rl:sms:"

// SenderRateLimit caps inbound messages per sender per minute. The sender is the
// normalized From form field, falling back to the client IP. Cache errors fail open.
func SenderRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 20
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		sender := strings.TrimSpace(c.FormValue("From"))
		if normalized, err := identity.NormalizePhone(sender); err == nil {
			sender = normalized
		}
		if sender == "" {
			sender = c.IP()
		}

		key := rateLimitPrefix + sender
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			logger.Warn("rate limit lookup failed", slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			logger.Warn("sms rate limited", slog.String("from", logging.MaskPhone(sender)), slog.Int64("count", cnt))
			return fiber.NewError(http.StatusTooManyRequests, "too many messages, try again later")
		}
		return c.Next()
	}
}
