// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `validate:"oneof=development production test"`
	Port        int    `validate:"min=1,max=65535"`
	DBPath      string `validate:"required"`

	JWTSecret  string `validate:"required,min=16"`
	CronSecret string `validate:"required,min=16"`

	// StripeSecretKey empty selects the in-memory transfer gateway.
	StripeSecretKey string

	PayoutInterval   time.Duration `validate:"min=0"`
	PayoutGraceDays  int           `validate:"min=0"`
	PayoutLockWait   time.Duration `validate:"min=0"`
	PayoutLeaseTTL   time.Duration `validate:"gt=0"`
	PayoutBatchLimit int           `validate:"min=1"`

	AllowedOrigins []string
}

// Load reads .env when present, then the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment:     getString("ENV", "development"),
		DBPath:          getString("DB_PATH", "./data/petcare.db"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		AllowedOrigins:  splitList(getString("ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.PayoutInterval, err = getDuration("PAYOUT_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.PayoutGraceDays, err = getInt("PAYOUT_GRACE_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.PayoutLockWait, err = getDuration("PAYOUT_LOCK_WAIT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PayoutLeaseTTL, err = getDuration("PAYOUT_LEASE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.PayoutBatchLimit, err = getInt("PAYOUT_BATCH_LIMIT", 100); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GracePeriod is the delay between appointment completion and payout release.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.PayoutGraceDays) * 24 * time.Hour
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
