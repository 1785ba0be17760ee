package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "TRANSFER_ASSET")
	unsetEnvWithCleanup(t, "CALLBACK_PATH")
	unsetEnvWithCleanup(t, "GATEWAY_MAX_ATTEMPTS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.TransferAsset != "SFC" {
		t.Fatalf("expected default asset SFC, got %q", cfg.TransferAsset)
	}
	if cfg.CallbackPath != "/webhook/transaction-status" {
		t.Fatalf("unexpected default callback path %q", cfg.CallbackPath)
	}
	if cfg.GatewayMaxAttempts != 3 {
		t.Fatalf("expected 3 gateway attempts by default, got %d", cfg.GatewayMaxAttempts)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_GatewayBaseURLAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "GATEWAY_BASE_URL")
	setEnvWithCleanup(t, "WEB3_GATEWAY_BASE_URL", "http://gateway.local:3000/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.GatewayBaseURL != "http://gateway.local:3000" {
		t.Fatalf("expected alias with trailing slash trimmed, got %q", cfg.GatewayBaseURL)
	}
}

func TestLoadConfig_NegativeRateLimitDisablesLimiter(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TRANSFER_RATE_LIMIT_PER_MINUTE", "-4")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TransferRateLimitPerMinute != 0 {
		t.Fatalf("expected rate limit coerced to 0, got %d", cfg.TransferRateLimitPerMinute)
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := Config{PublicBaseURL: "https://api.example.com", CallbackPath: "/webhook/transaction-status"}
	got, err := cfg.CallbackURL()
	if err != nil {
		t.Fatalf("CallbackURL returned error: %v", err)
	}
	if got != "https://api.example.com/webhook/transaction-status" {
		t.Fatalf("unexpected callback url %q", got)
	}

	cfg.PublicBaseURL = "api.example.com"
	if _, err := cfg.CallbackURL(); err == nil {
		t.Fatal("expected relative base url to be rejected")
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example.com, ,https://b.example.com "}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example.com" || origins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", origins)
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
