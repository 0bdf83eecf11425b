package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_DRIVER", "EVENTS_EXCHANGE", "PROVIDER_TIMEOUT_SECONDS", "LEDGER_TIMEZONE", "PENDING_MAX_AGE_HOURS", "REDIS_RATE_LIMIT_PREFIX"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store by default, got %q", cfg.StoreDriver)
	}
	if cfg.EventsExchange != "quota_events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventsExchange)
	}
	if cfg.ProviderTimeout() != 15*time.Second {
		t.Fatalf("expected 15s provider timeout, got %s", cfg.ProviderTimeout())
	}
	if cfg.PendingMaxAge() != 24*time.Hour {
		t.Fatalf("expected 24h pending max age, got %s", cfg.PendingMaxAge())
	}
	if cfg.RedisRateLimitPrefix != "istekhara:rate_limit" {
		t.Fatalf("unexpected rate limit prefix %q", cfg.RedisRateLimitPrefix)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC ledger location")
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesAliases(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	unsetEnvWithCleanup(t, "STRIPE_API_KEY")
	setEnvWithCleanup(t, "QUOTA_SERVICE_INTERNAL_API_KEY", "alias-only-key")
	setEnvWithCleanup(t, "STRIPE_SECRET_KEY", " sk_test_alias ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
	if cfg.StripeAPIKey != "sk_test_alias" {
		t.Fatalf("expected trimmed stripe key from alias, got %q", cfg.StripeAPIKey)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "mongo")
	setEnvWithCleanup(t, "PROVIDER_TIMEOUT_SECONDS", "-3")
	setEnvWithCleanup(t, "PURCHASE_RATE_LIMIT_PER_MINUTE", "-1")
	setEnvWithCleanup(t, "PENDING_MAX_AGE_HOURS", "0")
	setEnvWithCleanup(t, "LEDGER_TIMEZONE", "Mars/Olympus")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected unknown driver to fall back to postgres, got %q", cfg.StoreDriver)
	}
	if cfg.ProviderTimeoutSeconds != 15 {
		t.Fatalf("expected timeout coerced to 15, got %d", cfg.ProviderTimeoutSeconds)
	}
	if cfg.PurchaseRateLimitPerMinute != 0 {
		t.Fatalf("expected negative limit to disable limiter, got %d", cfg.PurchaseRateLimitPerMinute)
	}
	if cfg.PendingMaxAgeHours != 24 {
		t.Fatalf("expected pending max age coerced to 24, got %d", cfg.PendingMaxAgeHours)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected unknown timezone to fall back to UTC")
	}
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "STORE_DRIVER")
	unsetEnvWithCleanup(t, "LEDGER_TIMEZONE")
	unsetEnvWithCleanup(t, "STRIPE_PRICE_IDS")
	unsetEnvWithCleanup(t, "APPLE_BUNDLE_ID")

	dir := t.TempDir()
	contents := "STORE_DRIVER=memory\nLEDGER_TIMEZONE=Asia/Karachi\nSTRIPE_PRICE_IDS=istekhara_1=price_1\nAPPLE_BUNDLE_ID= com.istekharanow.app \n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected memory driver from .env, got %q", cfg.StoreDriver)
	}
	if cfg.LedgerTimezone != "Asia/Karachi" {
		t.Fatalf("expected timezone from .env, got %q", cfg.LedgerTimezone)
	}
	if cfg.StripePriceIDs != "istekhara_1=price_1" {
		t.Fatalf("expected price ids from .env, got %q", cfg.StripePriceIDs)
	}
	if cfg.AppleBundleID != "com.istekharanow.app" {
		t.Fatalf("expected trimmed bundle id from .env, got %q", cfg.AppleBundleID)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
