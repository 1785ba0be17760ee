/**
 * @description
 * This package handles the configuration management for the transfer service. It uses the
 * Viper library to read configuration from an optional .env file and environment variables.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 * - github.com/sirupsen/logrus: Structured logging for configuration warnings.
 */

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	DBMaxConns                    int32  `mapstructure:"DB_MAX_CONNS"`
	RunMigrations                 bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TransferRateLimitPerMinute    int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                string `mapstructure:"EVENTS_EXCHANGE"`
	CallbackReplayQueue           string `mapstructure:"CALLBACK_REPLAY_QUEUE"`
	GatewayBaseURL                string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey                 string `mapstructure:"GATEWAY_API_KEY"`
	GatewayTimeoutSeconds         int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayMaxAttempts            int    `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	GatewayInitialBackoffMs       int    `mapstructure:"GATEWAY_INITIAL_BACKOFF_MS"`
	GatewayMaxBackoffMs           int    `mapstructure:"GATEWAY_MAX_BACKOFF_MS"`
	SubmitTimeoutSeconds          int    `mapstructure:"SUBMIT_TIMEOUT_SECONDS"`
	PublicBaseURL                 string `mapstructure:"PUBLIC_BASE_URL"`
	CallbackPath                  string `mapstructure:"CALLBACK_PATH"`
	GatewayCallbackSecret         string `mapstructure:"GATEWAY_CALLBACK_SECRET"`
	AuthJWTSecret                 string `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWTIssuer                 string `mapstructure:"AUTH_JWT_ISSUER"`
	AuthJWTAudience               string `mapstructure:"AUTH_JWT_AUDIENCE"`
	TransferAsset                 string `mapstructure:"TRANSFER_ASSET"`
	TransferOperationType         string `mapstructure:"TRANSFER_OPERATION_TYPE"`
	RequireEVMAddress             bool   `mapstructure:"REQUIRE_EVM_ADDRESS"`
	StaleTransferThresholdMinutes int    `mapstructure:"STALE_TRANSFER_THRESHOLD_MINUTES"`
	StaleSweepSchedule            string `mapstructure:"STALE_SWEEP_SCHEDULE"`
	UnmatchedReplaySchedule       string `mapstructure:"UNMATCHED_REPLAY_SCHEDULE"`
	CORSAllowedOrigins            string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "sfc:rate_limit")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENTS_EXCHANGE", "sfc.events")
	viper.SetDefault("CALLBACK_REPLAY_QUEUE", "transfer_service.callback_replay")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("GATEWAY_MAX_ATTEMPTS", 3)
	viper.SetDefault("GATEWAY_INITIAL_BACKOFF_MS", 200)
	viper.SetDefault("GATEWAY_MAX_BACKOFF_MS", 5000)
	viper.SetDefault("SUBMIT_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("CALLBACK_PATH", "/webhook/transaction-status")
	viper.SetDefault("TRANSFER_ASSET", "SFC")
	viper.SetDefault("TRANSFER_OPERATION_TYPE", "TRANSFER")
	viper.SetDefault("REQUIRE_EVM_ADDRESS", true)
	viper.SetDefault("STALE_TRANSFER_THRESHOLD_MINUTES", 30)
	viper.SetDefault("STALE_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("UNMATCHED_REPLAY_SCHEDULE", "@every 10m")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind explicitly so that Unmarshal sees variables without defaults.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CALLBACK_REPLAY_QUEUE")
	_ = viper.BindEnv("GATEWAY_BASE_URL", "GATEWAY_BASE_URL", "WEB3_GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("GATEWAY_MAX_ATTEMPTS")
	_ = viper.BindEnv("GATEWAY_INITIAL_BACKOFF_MS")
	_ = viper.BindEnv("GATEWAY_MAX_BACKOFF_MS")
	_ = viper.BindEnv("SUBMIT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("CALLBACK_PATH")
	_ = viper.BindEnv("GATEWAY_CALLBACK_SECRET")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("AUTH_JWT_ISSUER")
	_ = viper.BindEnv("AUTH_JWT_AUDIENCE")
	_ = viper.BindEnv("TRANSFER_ASSET")
	_ = viper.BindEnv("TRANSFER_OPERATION_TYPE")
	_ = viper.BindEnv("REQUIRE_EVM_ADDRESS")
	_ = viper.BindEnv("STALE_TRANSFER_THRESHOLD_MINUTES")
	_ = viper.BindEnv("STALE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("UNMATCHED_REPLAY_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.GatewayBaseURL = strings.TrimSuffix(strings.TrimSpace(config.GatewayBaseURL), "/")
	config.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PublicBaseURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "sfc:rate_limit"
	}
	config.TransferAsset = strings.ToUpper(strings.TrimSpace(config.TransferAsset))
	if config.TransferAsset == "" {
		config.TransferAsset = "SFC"
	}

	if config.CallbackPath == "" || !strings.HasPrefix(config.CallbackPath, "/") {
		config.CallbackPath = "/" + strings.TrimPrefix(config.CallbackPath, "/")
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 20
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 10
	}
	if config.GatewayMaxAttempts <= 0 {
		config.GatewayMaxAttempts = 1
	}
	if config.GatewayInitialBackoffMs <= 0 {
		config.GatewayInitialBackoffMs = 200
	}
	if config.GatewayMaxBackoffMs < config.GatewayInitialBackoffMs {
		config.GatewayMaxBackoffMs = config.GatewayInitialBackoffMs
	}
	if config.SubmitTimeoutSeconds <= 0 {
		config.SubmitTimeoutSeconds = 30
	}
	if config.TransferRateLimitPerMinute < 0 {
		logrus.WithField("component", "config").WithField("value", config.TransferRateLimitPerMinute).Warn("negative transfer rate limit configured; disabling")
		config.TransferRateLimitPerMinute = 0
	}
	if config.StaleTransferThresholdMinutes <= 0 {
		config.StaleTransferThresholdMinutes = 30
	}

	return
}

// CallbackURL returns the absolute URL the gateway calls back on status changes.
func (c Config) CallbackURL() (string, error) {
	base, err := url.Parse(c.PublicBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid PUBLIC_BASE_URL: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) url, got %q", c.PublicBaseURL)
	}
	return base.JoinPath(c.CallbackPath).String(), nil
}

// GatewayTimeout is the per-call timeout applied to gateway requests.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// SubmitTimeout bounds the detached submission of an accepted transfer.
func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSeconds) * time.Second
}

// StaleTransferThreshold is the age after which a WAITING transfer is reported as stale.
func (c Config) StaleTransferThreshold() time.Duration {
	return time.Duration(c.StaleTransferThresholdMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
