package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configVars = []string{
	"PORT", "DB_PATH", "JWT_SECRET", "ALLOWED_ORIGINS", "ACCRUAL_SCHEDULE",
	"ACCRUAL_AMOUNT", "ACCRUAL_CATCH_UP", "LOG_LEVEL", "LOG_FORMAT", "SHUTDOWN_TIMEOUT",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(missingFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0 0 1 * *", cfg.AccrualSchedule)
	assert.True(t, cfg.Amount().Equal(decimal.RequireFromString("2.5")))
	assert.True(t, cfg.AccrualCatchUp)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Origins())
}

func TestLoad_FromEnvAndDotenv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("JWT_SECRET=from-file\nPORT=9000\n"), 0o600))
	t.Setenv("PORT", "7000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 7000, cfg.Port, "real environment wins over .env")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())

	log := cfg.Logger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestLoad_AccrualAmountIsExactDecimal(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ACCRUAL_AMOUNT", " 1.1 ")

	cfg, err := Load(missingFile(t))
	require.NoError(t, err)

	amount := cfg.Amount()
	assert.Equal(t, "1.1", amount.String())
	assert.Equal(t, int32(-1), amount.Exponent())
	assert.True(t, amount.Mul(decimal.NewFromInt(3)).Equal(decimal.RequireFromString("3.3")))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"zero amount", map[string]string{"JWT_SECRET": "x", "ACCRUAL_AMOUNT": "0"}},
		{"negative amount", map[string]string{"JWT_SECRET": "x", "ACCRUAL_AMOUNT": "-2.5"}},
		{"non-numeric amount", map[string]string{"JWT_SECRET": "x", "ACCRUAL_AMOUNT": "two"}},
		{"bad schedule", map[string]string{"JWT_SECRET": "x", "ACCRUAL_SCHEDULE": "every month"}},
		{"bad level", map[string]string{"JWT_SECRET": "x", "LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"JWT_SECRET": "x", "LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(missingFile(t))
			assert.Error(t, err)
		})
	}
}
