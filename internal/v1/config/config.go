package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the matching core.
type Config struct {
	// Required variables
	JWTSecret   string
	RedisAddr   string
	DatabaseURL string
	Port        string

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	RedisEnabled   bool
	RedisPassword  string
	FrontendURL    string
	AllowedOrigins string

	// Rate limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitWsIP      string
	RateLimitWsUser    string
	RateLimitSocketMsg string

	// Matchmaking loop
	MatchTickMs            int
	MatchLeaseTTLMs        int
	PresenceSweepMs        int
	PresenceLeaseTTLMs     int
	SubscriptionSweepCron  string
	SubscriptionLeaseTTLMs int
	QueueIdleThresholdMs   int
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			if url := os.Getenv("REDIS_URL"); url != "" {
				cfg.RedisAddr = strings.TrimPrefix(strings.TrimPrefix(url, "redis://"), "rediss://")
			} else {
				cfg.RedisAddr = "localhost:6379"
				slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
			}
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.FrontendURL = getEnvOrDefault("FRONTEND_URL", "http://localhost:3000")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")
	cfg.RateLimitSocketMsg = getEnvOrDefault("RATE_LIMIT_SOCKET_MSG", "10-S")

	cfg.MatchTickMs = getEnvIntOrDefault("MATCH_TICK_MS", 3000)
	cfg.MatchLeaseTTLMs = getEnvIntOrDefault("MATCH_LEASE_TTL_MS", 2000)
	cfg.PresenceSweepMs = getEnvIntOrDefault("PRESENCE_SWEEP_MS", 10000)
	cfg.PresenceLeaseTTLMs = getEnvIntOrDefault("PRESENCE_LEASE_TTL_MS", 28000)
	cfg.SubscriptionSweepCron = getEnvOrDefault("SUBSCRIPTION_SWEEP_CRON", "0 0 * * * *")
	cfg.SubscriptionLeaseTTLMs = getEnvIntOrDefault("SUBSCRIPTION_LEASE_TTL_MS", 50000)
	cfg.QueueIdleThresholdMs = getEnvIntOrDefault("QUEUE_IDLE_THRESHOLD_MS", 30000)

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"match_tick_ms", cfg.MatchTickMs,
		"presence_sweep_ms", cfg.PresenceSweepMs,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
