/*
Package config loads service configuration from the environment.

SOURCES (later wins):
  1. Defaults in the struct tags below
  2. An optional .env file (godotenv, never overrides real env vars)
  3. Process environment

VARIABLES:
  PORT               HTTP listen port                 (8080)
  DB_PATH            SQLite file, or "memory"          (./data/team-desk.db)
  JWT_SECRET         HS256 key for bearer tokens       (required)
  ALLOWED_ORIGINS    comma separated CORS origins      (http://localhost:3000)
  ACCRUAL_SCHEDULE   cron line of the monthly accrual  (0 0 1 * *)
  ACCRUAL_AMOUNT     days credited per run             (2.5)
  ACCRUAL_CATCH_UP   accrue the current month on start (true)
  LOG_LEVEL          logrus level                      (info)
  LOG_FORMAT         json or text                      (json)
  SHUTDOWN_TIMEOUT   graceful shutdown budget          (30s)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port            int           `env:"PORT,default=8080"`
	DBPath          string        `env:"DB_PATH,default=./data/team-desk.db"`
	JWTSecret       string        `env:"JWT_SECRET"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	AccrualSchedule string        `env:"ACCRUAL_SCHEDULE,default=0 0 1 * *"`
	AccrualAmount   string        `env:"ACCRUAL_AMOUNT,default=2.5"`
	AccrualCatchUp  bool          `env:"ACCRUAL_CATCH_UP,default=true"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

// Load reads envFile when it exists (empty means ".env") and decodes the
// environment into a validated Config.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(c.AccrualAmount))
	if err != nil {
		return fmt.Errorf("config: ACCRUAL_AMOUNT: %w", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("config: ACCRUAL_AMOUNT must be positive, got %s", amount)
	}
	if _, err := cron.ParseStandard(c.AccrualSchedule); err != nil {
		return fmt.Errorf("config: ACCRUAL_SCHEDULE: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Origins splits AllowedOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Amount returns AccrualAmount as a decimal, or zero when it does not
// parse. Validate rejects both.
func (c *Config) Amount() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.AccrualAmount))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Logger builds the root logger.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	return log
}
