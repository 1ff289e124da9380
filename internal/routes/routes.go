package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/textpay/internal/config"
	"github.com/congo-pay/textpay/internal/middleware"
	"github.com/congo-pay/textpay/internal/settlement"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Adapter overrides the settlement layer selected by Cfg.SettlementDriver.
	Adapter settlement.Adapter
}

// Setup builds the services and mounts middlewares and all routes on app.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	svcs, err := BuildServices(d)
	if err != nil {
		return nil, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	inbound := []fiber.Handler{middleware.SenderRateLimit(d.Cache, d.Cfg.SMSRateLimitPerMinute, d.Logger)}
	RegisterSMSRoutes(app, svcs.SMS, inbound...)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterAPIRoutes(api, svcs.Engine)

	admin := app.Group("/admin", middleware.AdminAuth([]byte(d.Cfg.AdminJWTSecret)))
	RegisterAdminRoutes(admin, svcs, d.Logger)

	return svcs, nil
}
