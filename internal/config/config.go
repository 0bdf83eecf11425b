/**
 * @description
 * This package handles the configuration management for the quota service. It uses the
 * Viper library to read configuration from an optional .env file and environment
 * variables, then normalises the values so the rest of the service can rely on them.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultRateLimitPrefix = "istekhara:rate_limit"
	defaultEventsExchange  = "quota_events"
	defaultTimezone        = "UTC"
)

// Config holds all the configuration variables for the quota service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PurchaseRateLimitPerMinute int    `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	JWKSURL             string `mapstructure:"JWKS_URL"`
	JWTAudience         string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer           string `mapstructure:"JWT_ISSUER"`
	JWKSCacheTTLSeconds int    `mapstructure:"JWKS_CACHE_TTL_SECONDS"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`

	StripeAPIKey        string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripePriceIDs      string `mapstructure:"STRIPE_PRICE_IDS"`

	PayPalBaseURL      string `mapstructure:"PAYPAL_BASE_URL"`
	PayPalClientID     string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `mapstructure:"PAYPAL_CLIENT_SECRET"`
	PayPalWebhookID    string `mapstructure:"PAYPAL_WEBHOOK_ID"`
	PayPalPlanIDs      string `mapstructure:"PAYPAL_PLAN_IDS"`

	AppleSharedSecret  string `mapstructure:"APPLE_SHARED_SECRET"`
	AppleProductionURL string `mapstructure:"APPLE_PRODUCTION_URL"`
	AppleSandboxURL    string `mapstructure:"APPLE_SANDBOX_URL"`
	AppleBundleID      string `mapstructure:"APPLE_BUNDLE_ID"`

	GoogleServiceAccountPath string `mapstructure:"GOOGLE_SERVICE_ACCOUNT_PATH"`
	AndroidPackageName       string `mapstructure:"ANDROID_PACKAGE_NAME"`
	GooglePushToken          string `mapstructure:"GOOGLE_PUSH_TOKEN"`

	ProviderTimeoutSeconds int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	LedgerTimezone         string `mapstructure:"LEDGER_TIMEZONE"`

	PendingSweepSchedule    string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	PendingMaxAgeHours      int    `mapstructure:"PENDING_MAX_AGE_HOURS"`
	CheckoutRecheckSchedule string `mapstructure:"CHECKOUT_RECHECK_SCHEDULE"`
}

// ProviderTimeout returns the per-call bound for payment provider requests.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// JWKSCacheTTL returns how long fetched signing keys are trusted.
func (c Config) JWKSCacheTTL() time.Duration {
	return time.Duration(c.JWKSCacheTTLSeconds) * time.Second
}

// PendingMaxAge returns the age after which unresolved pending entries are failed.
func (c Config) PendingMaxAge() time.Duration {
	return time.Duration(c.PendingMaxAgeHours) * time.Hour
}

// Location resolves LedgerTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		log.Printf("level=warn component=config msg=\"unknown LEDGER_TIMEZONE; using UTC\" value=%q err=%v", c.LedgerTimezone, err)
		return time.UTC
	}
	return loc
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("JWKS_CACHE_TTL_SECONDS", 3600)
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 15)
	viper.SetDefault("LEDGER_TIMEZONE", defaultTimezone)
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", "0 * * * *")       // hourly
	viper.SetDefault("PENDING_MAX_AGE_HOURS", 24)
	viper.SetDefault("CHECKOUT_RECHECK_SCHEDULE", "*/10 * * * *") // every ten minutes

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWKS_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "QUOTA_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("STRIPE_API_KEY", "STRIPE_API_KEY", "STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_PRICE_IDS")
	_ = viper.BindEnv("PAYPAL_BASE_URL")
	_ = viper.BindEnv("PAYPAL_CLIENT_ID")
	_ = viper.BindEnv("PAYPAL_CLIENT_SECRET")
	_ = viper.BindEnv("PAYPAL_WEBHOOK_ID")
	_ = viper.BindEnv("PAYPAL_PLAN_IDS")
	_ = viper.BindEnv("APPLE_SHARED_SECRET")
	_ = viper.BindEnv("APPLE_PRODUCTION_URL")
	_ = viper.BindEnv("APPLE_SANDBOX_URL")
	_ = viper.BindEnv("APPLE_BUNDLE_ID")
	_ = viper.BindEnv("GOOGLE_SERVICE_ACCOUNT_PATH", "GOOGLE_SERVICE_ACCOUNT_PATH", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = viper.BindEnv("ANDROID_PACKAGE_NAME")
	_ = viper.BindEnv("GOOGLE_PUSH_TOKEN")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LEDGER_TIMEZONE")
	_ = viper.BindEnv("PENDING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PENDING_MAX_AGE_HOURS")
	_ = viper.BindEnv("CHECKOUT_RECHECK_SCHEDULE")

	// A missing .env file is fine; the environment is the primary source.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if config.PurchaseRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative purchase rate limit; disabling\" value=%d", config.PurchaseRateLimitPerMinute)
		config.PurchaseRateLimitPerMinute = 0
	}

	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}

	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.JWTAudience = strings.TrimSpace(config.JWTAudience)
	config.JWTIssuer = strings.TrimSpace(config.JWTIssuer)
	if config.JWKSCacheTTLSeconds <= 0 {
		config.JWKSCacheTTLSeconds = 3600
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		log.Printf("level=warn component=config msg=\"INTERNAL_API_KEY not set; internal routes will reject every call\"")
	}

	config.StripeAPIKey = strings.TrimSpace(config.StripeAPIKey)
	config.StripeWebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	config.PayPalBaseURL = strings.TrimSpace(config.PayPalBaseURL)
	config.PayPalClientID = strings.TrimSpace(config.PayPalClientID)
	config.PayPalClientSecret = strings.TrimSpace(config.PayPalClientSecret)
	config.PayPalWebhookID = strings.TrimSpace(config.PayPalWebhookID)
	config.AppleSharedSecret = strings.TrimSpace(config.AppleSharedSecret)
	config.AppleProductionURL = strings.TrimSpace(config.AppleProductionURL)
	config.AppleSandboxURL = strings.TrimSpace(config.AppleSandboxURL)
	config.AppleBundleID = strings.TrimSpace(config.AppleBundleID)
	config.GoogleServiceAccountPath = strings.TrimSpace(config.GoogleServiceAccountPath)
	config.AndroidPackageName = strings.TrimSpace(config.AndroidPackageName)
	config.GooglePushToken = strings.TrimSpace(config.GooglePushToken)

	if config.ProviderTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid PROVIDER_TIMEOUT_SECONDS; using 15\" value=%d", config.ProviderTimeoutSeconds)
		config.ProviderTimeoutSeconds = 15
	}
	config.LedgerTimezone = strings.TrimSpace(config.LedgerTimezone)
	if config.LedgerTimezone == "" {
		config.LedgerTimezone = defaultTimezone
	}

	config.PendingSweepSchedule = strings.TrimSpace(config.PendingSweepSchedule)
	config.CheckoutRecheckSchedule = strings.TrimSpace(config.CheckoutRecheckSchedule)
	if config.PendingMaxAgeHours <= 0 {
		log.Printf("level=warn component=config msg=\"invalid PENDING_MAX_AGE_HOURS; using 24\" value=%d", config.PendingMaxAgeHours)
		config.PendingMaxAgeHours = 24
	}
}
