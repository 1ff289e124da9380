package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/congo-pay/textpay/internal/asset"
)

const (
	defaultAppName          = "TextPay"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultSolanaRPCURL     = "https://api.mainnet-beta.solana.com"
	defaultCommitment       = "confirmed"
	defaultPINMaxAttempts   = 5
	defaultPendingTTL       = 5 * time.Minute
	defaultLockTTL          = 30 * time.Second
	defaultSettleAttempts   = 3
	defaultSettleRetryDelay = 500 * time.Millisecond
	defaultSettleTimeout    = time.Minute
	defaultReconcileTimeout = 15 * time.Second
	defaultSMSRateLimit     = 20

	DriverSolana = "solana"
	DriverMock   = "mock"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// VaultKey is the base64 process key for custodial key encryption.
	VaultKey         string
	SettlementDriver string
	SolanaRPCURL     string
	SolanaCommitment string
	// Assets is the "CODE:kind:scale[:mint]" table; empty selects the built-in set.
	Assets string

	PINMaxAttempts        int
	PINLockDuration       time.Duration
	PendingTransferTTL    time.Duration
	LockTTL               time.Duration
	SettlementMaxAttempts int
	SettlementRetryDelay  time.Duration
	SettlementTimeout     time.Duration
	ReconcileTimeout      time.Duration
	SMSRateLimitPerMinute int
	AdminJWTSecret        string
}

// Load reads an optional .env file and the environment into a Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:          getEnv("APP_NAME", defaultAppName),
		AppEnv:           getEnv("APP_ENV", defaultAppEnv),
		Port:             getEnv("PORT", defaultPort),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		VaultKey:         os.Getenv("VAULT_KEY"),
		SettlementDriver: strings.ToLower(getEnv("SETTLEMENT_DRIVER", DriverSolana)),
		SolanaRPCURL:     getEnv("SOLANA_RPC_URL", defaultSolanaRPCURL),
		SolanaCommitment: strings.ToLower(getEnv("SOLANA_COMMITMENT", defaultCommitment)),
		Assets:           os.Getenv("ASSETS"),
		AdminJWTSecret:   os.Getenv("ADMIN_JWT_SECRET"),
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		name     string
		fallback time.Duration
	}{
		{&cfg.ShutdownPeriod, "SHUTDOWN_TIMEOUT", defaultShutdownDelay},
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", defaultIdempotencyTTL},
		{&cfg.PINLockDuration, "PIN_LOCK_DURATION", 0},
		{&cfg.PendingTransferTTL, "PENDING_TRANSFER_TTL", defaultPendingTTL},
		{&cfg.LockTTL, "LOCK_TTL", defaultLockTTL},
		{&cfg.SettlementRetryDelay, "SETTLEMENT_RETRY_DELAY", defaultSettleRetryDelay},
		{&cfg.SettlementTimeout, "SETTLEMENT_TIMEOUT", defaultSettleTimeout},
		{&cfg.ReconcileTimeout, "RECONCILE_TIMEOUT", defaultReconcileTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.name, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		dst      *int
		name     string
		fallback int
	}{
		{&cfg.PINMaxAttempts, "PIN_MAX_ATTEMPTS", defaultPINMaxAttempts},
		{&cfg.SettlementMaxAttempts, "SETTLEMENT_MAX_ATTEMPTS", defaultSettleAttempts},
		{&cfg.SMSRateLimitPerMinute, "SMS_RATE_LIMIT_PER_MINUTE", defaultSMSRateLimit},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.name, i.fallback); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SettlementDriver {
	case DriverSolana, DriverMock:
	default:
		return fmt.Errorf("invalid SETTLEMENT_DRIVER %q", c.SettlementDriver)
	}
	if c.PINMaxAttempts <= 0 {
		return errors.New("PIN_MAX_ATTEMPTS must be positive")
	}
	if c.PendingTransferTTL <= 0 {
		return errors.New("PENDING_TRANSFER_TTL must be positive")
	}
	if _, err := c.AssetRegistry(); err != nil {
		return fmt.Errorf("invalid ASSETS: %w", err)
	}

	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.VaultKey == "" {
		return fmt.Errorf("VAULT_KEY must be set")
	}
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET must be set")
	}
	if c.SettlementDriver != DriverSolana {
		return fmt.Errorf("SETTLEMENT_DRIVER=%s is only allowed in development", c.SettlementDriver)
	}
	return nil
}

// AssetRegistry builds the configured asset set.
func (c Config) AssetRegistry() (*asset.Registry, error) {
	if strings.TrimSpace(c.Assets) == "" {
		return asset.Default(), nil
	}
	return asset.ParseTable(c.Assets)
}

// IsDev reports whether the environment allows in-memory backends and the mock settlement layer.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration reads NAME_SECONDS as whole seconds, else NAME as a Go duration.
func getDuration(name string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(name + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", name, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
