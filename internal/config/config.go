// Package config defines the configuration for the Coursedesk billing
// service. Configuration is loaded once at startup and immutable thereafter,
// following 12-Factor principles: OS environment (highest) -> dotenv file.
//
// A missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"coursedesk/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"coursedesk-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Stripe   StripeConfig
	Sweeper  SweeperConfig
}

// IsProductionLike reports whether the environment handles real billing
// traffic and therefore must run with full webhook verification.
func (c *Config) IsProductionLike() bool {
	return c.Environment == "staging" || c.Environment == "prod"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	PlanUpdateQueue string `envconfig:"SQS_PLAN_UPDATES" validate:"required,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// StripeConfig holds Stripe integration credentials.
//
// StripeWebhookSecret has no validate:"required" tag because local and dev
// environments may run unsigned; Validate enforces its presence for staging
// and prod instead.
type StripeConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// SweeperConfig holds maintenance sweep tuning.
type SweeperConfig struct {
	Interval            time.Duration `envconfig:"SWEEP_INTERVAL" default:"6h"`
	LedgerRetention     time.Duration `envconfig:"LEDGER_RETENTION" default:"720h"`
	CheckpointRetention time.Duration `envconfig:"CHECKPOINT_RETENTION" default:"720h"`
}
