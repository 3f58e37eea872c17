package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the service configuration:
//
//  1. Enforces UTC to prevent timezone drift in event timestamps.
//  2. Loads a .env file if present (non-fatal if missing; never overrides
//     existing environment variables).
//  3. Processes envconfig tags to populate the Config struct.
//  4. Validates the struct, including the webhook-secret rule below.
//
// Staging and prod refuse to start without a STRIPE_WEBHOOK_SECRET: an
// unsigned webhook endpoint in a billing environment would accept forged
// events, so the loader fails closed.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	if cfg.IsProductionLike() && cfg.Stripe.WebhookSecret.Unmask() == "" {
		return nil, fmt.Errorf("config: STRIPE_WEBHOOK_SECRET is required when APP_ENV=%s", cfg.Environment)
	}

	return &cfg, nil
}
