// Package config loads server settings from a .env file and the
// environment using Viper. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/aporte-ledger/factory"
)

// Config stores all configuration for the server.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"` // memory | sqlite | postgres
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventExchange  string `mapstructure:"EVENT_EXCHANGE"`

	JWTSecret   string        `mapstructure:"JWT_SECRET"`
	SessionTTL  time.Duration `mapstructure:"SESSION_TTL"`
	AdminAPIKey string        `mapstructure:"ADMIN_API_KEY"`
	CORSOrigins string        `mapstructure:"CORS_ORIGINS"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogProduction bool   `mapstructure:"LOG_PRODUCTION"`

	AccrualMode          string `mapstructure:"ACCRUAL_MODE"`
	DailyRate            string `mapstructure:"DAILY_RATE"`
	SignupBonus          string `mapstructure:"SIGNUP_BONUS"`
	CheckinBonus         string `mapstructure:"CHECKIN_BONUS"`
	ReferralRate         string `mapstructure:"REFERRAL_RATE"`
	ReferralMaturityDays int    `mapstructure:"REFERRAL_MATURITY_DAYS"`
	DebitOnPurchase      bool   `mapstructure:"DEBIT_ON_PURCHASE"`

	SettlementEnabled  bool          `mapstructure:"SETTLEMENT_ENABLED"`
	SettlementInterval time.Duration `mapstructure:"SETTLEMENT_INTERVAL"`
	CatalogPath        string        `mapstructure:"CATALOG_PATH"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "REDIS_URL",
	"RABBITMQ_URL", "EVENT_EXCHANGE", "JWT_SECRET", "SESSION_TTL", "ADMIN_API_KEY",
	"CORS_ORIGINS", "LOG_LEVEL", "LOG_PRODUCTION", "ACCRUAL_MODE", "DAILY_RATE",
	"SIGNUP_BONUS", "CHECKIN_BONUS", "REFERRAL_RATE", "REFERRAL_MATURITY_DAYS",
	"DEBIT_ON_PURCHASE", "SETTLEMENT_ENABLED", "SETTLEMENT_INTERVAL", "CATALOG_PATH",
}

// Load reads path/.env if present, then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "./data/ledger.db")
	v.SetDefault("EVENT_EXCHANGE", "ledger.events")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRODUCTION", false)
	v.SetDefault("ACCRUAL_MODE", "none")
	v.SetDefault("DAILY_RATE", "0")
	v.SetDefault("SIGNUP_BONUS", "5.00")
	v.SetDefault("CHECKIN_BONUS", "1.00")
	v.SetDefault("REFERRAL_RATE", "0.20")
	v.SetDefault("REFERRAL_MATURITY_DAYS", 20)
	v.SetDefault("DEBIT_ON_PURCHASE", false)
	v.SetDefault("SETTLEMENT_ENABLED", false)
	v.SetDefault("SETTLEMENT_INTERVAL", "1h")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q: want memory, sqlite or postgres", c.DatabaseDriver))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.SettlementEnabled && c.SettlementInterval <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// Policy returns the ledger policy settings in their JSON form, ready for
// factory.BuildPolicy.
func (c *Config) Policy() factory.PolicyJSON {
	return factory.PolicyJSON{
		AccrualMode:          c.AccrualMode,
		DailyRate:            c.DailyRate,
		SignupBonus:          c.SignupBonus,
		CheckinBonus:         c.CheckinBonus,
		ReferralRate:         c.ReferralRate,
		ReferralMaturityDays: &c.ReferralMaturityDays,
		DebitOnPurchase:      c.DebitOnPurchase,
	}
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
