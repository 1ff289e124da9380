package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/textpay/internal/config"
	"github.com/congo-pay/textpay/internal/ledger"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/routes"
)

// Server wraps the Fiber application and the composed services.
type Server struct {
	app    *fiber.App
	cfg    config.Config
	svcs   *routes.Services
	logger *slog.Logger
}

// New instantiates the HTTP server and delegates wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	svcs, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, svcs: svcs, logger: logger}, nil
}

// ReportStale logs pending transactions older than the confirmation window. They were
// interrupted mid-dispatch and need operator re-execution.
func (s *Server) ReportStale(ctx context.Context) ([]ledger.Transaction, error) {
	txs, err := s.svcs.ReportStale(ctx, s.cfg.PendingTransferTTL)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		s.logger.Warn("stale pending transaction",
			"id", tx.ID,
			"sender", logging.MaskPhone(tx.Sender),
			"asset", tx.Asset,
			"attempts", tx.Attempts,
			"last_error", tx.LastError,
			"created_at", tx.CreatedAt,
		)
	}
	return txs, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, then drains background reconciliation.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.svcs.Close()
	return err
}
