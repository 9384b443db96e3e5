// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// WALLET_URL is the only strictly required setting — without a wallet the
// gateway cannot mint payments. Everything else has a working default: the
// ledger and settings stores run in memory unless pointed at ClickHouse and
// Redis respectively.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Wallet holds the ecash wallet service connection.
	Wallet WalletConfig

	// Payment controls payment pricing.
	Payment PaymentConfig

	// Ledger selects the transaction/credit store backend.
	Ledger LedgerConfig

	// Settings selects the server-configuration store backend.
	Settings SettingsConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// WalletConfig holds the ecash wallet service configuration.
type WalletConfig struct {
	// URL is the wallet service base URL, e.g. "http://localhost:3333".
	// Required.
	URL string
}

// PaymentConfig controls payment pricing.
type PaymentConfig struct {
	// PriceSats is the flat charge per forwarded call, in sats. Default: 30.
	PriceSats int64
}

// LedgerConfig selects the transaction/credit store backend.
type LedgerConfig struct {
	// Mode selects the ledger backend:
	//   "clickhouse" — ClickHouse-backed append-only store (requires CLICKHOUSE_URL).
	//   "memory"     — In-process store. No external deps; lost on restart.
	// Default: "memory".
	Mode string

	// ClickHouseURL is a clickhouse:// DSN. Example: clickhouse://localhost:9000/gateway
	ClickHouseURL string
}

// SettingsConfig selects the server-configuration store backend.
type SettingsConfig struct {
	// Mode selects the settings backend:
	//   "redis"  — Redis-backed store (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process store. Lost on restart.
	// Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// WALLET_URL must be set. CLICKHOUSE_URL is only required when
// LEDGER_MODE=clickhouse, REDIS_URL only when SETTINGS_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PAYMENT_SATS", 30)
	v.SetDefault("LEDGER_MODE", "memory")
	v.SetDefault("SETTINGS_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Wallet: WalletConfig{URL: v.GetString("WALLET_URL")},

		Payment: PaymentConfig{
			PriceSats: v.GetInt64("PAYMENT_SATS"),
		},

		Ledger: LedgerConfig{
			Mode:          strings.ToLower(v.GetString("LEDGER_MODE")),
			ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		},

		Settings: SettingsConfig{
			Mode:     strings.ToLower(v.GetString("SETTINGS_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Wallet.URL == "" {
		return fmt.Errorf(
			"config: WALLET_URL is required (base URL of the ecash wallet service, " +
				"e.g. http://localhost:3333)",
		)
	}

	if c.Payment.PriceSats < 1 {
		return fmt.Errorf("config: PAYMENT_SATS must be ≥ 1, got %d", c.Payment.PriceSats)
	}

	switch c.Ledger.Mode {
	case "clickhouse":
		if c.Ledger.ClickHouseURL == "" {
			return fmt.Errorf(
				"config: CLICKHOUSE_URL is required when LEDGER_MODE=clickhouse; " +
					"set LEDGER_MODE=memory to use the built-in in-process store",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid LEDGER_MODE %q; must be one of: clickhouse, memory",
			c.Ledger.Mode,
		)
	}

	switch c.Settings.Mode {
	case "redis":
		if c.Settings.RedisURL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when SETTINGS_MODE=redis; " +
					"set SETTINGS_MODE=memory to use the built-in in-process store",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid SETTINGS_MODE %q; must be one of: redis, memory",
			c.Settings.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
