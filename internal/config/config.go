// Package config defines the global configuration structure for the ClassPay
// platform. Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the ClassPay platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"classpay-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server       ServerConfig
	Database     DatabaseConfig
	AWS          AWSConfig
	Gateway      GatewayConfig
	Session      SessionConfig
	Subscription SubscriptionConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for gateway callbacks and receipts (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.classpay.ng
	DashboardURL   string `envconfig:"DASHBOARD_URL" validate:"required,url"`    // e.g., https://app.classpay.ng
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS regional configuration for secret resolution.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-west-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GatewayConfig holds payment gateway credentials and settlement settings.
type GatewayConfig struct {
	SecretKey     SecretString `envconfig:"PAYSTACK_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"PAYSTACK_WEBHOOK_SECRET" validate:"required"`
	BaseURL       string       `envconfig:"PAYSTACK_BASE_URL"` // Empty means the gateway default

	// PlatformFee is the flat charge, in major currency units, retained by
	// the platform on every gateway fee payment settled to a school
	// subaccount.
	PlatformFee string `envconfig:"GATEWAY_PLATFORM_FEE" default:"100" validate:"required,numeric"`
	Currency    string `envconfig:"GATEWAY_CURRENCY" default:"NGN"`

	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// PlatformFeeAmount parses the configured platform fee into a decimal.
// LoadConfig has already validated the value as numeric.
func (g GatewayConfig) PlatformFeeAmount() decimal.Decimal {
	fee, err := decimal.NewFromString(g.PlatformFee)
	if err != nil {
		return decimal.Zero
	}
	return fee
}

// SessionConfig points at the platform's session service. Token issuance and
// user management live in the surrounding school-management platform; this
// service only resolves bearer tokens to tenant identities.
type SessionConfig struct {
	BaseURL    string        `envconfig:"SESSION_SERVICE_URL" validate:"required,url"`
	ServiceKey SecretString  `envconfig:"SESSION_SERVICE_KEY" validate:"required"`
	Timeout    time.Duration `envconfig:"SESSION_TIMEOUT" default:"5s"`
}

// SubscriptionConfig holds tenant subscription lifecycle settings.
type SubscriptionConfig struct {
	TrialDays int `envconfig:"SUBSCRIPTION_TRIAL_DAYS" default:"30" validate:"min=0"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
