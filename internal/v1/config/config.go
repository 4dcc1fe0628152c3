package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Address advertised in room listings so clients can reach this process
	// directly (host:port). Defaults to "localhost:<port>".
	PublicAddress string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Matchmaking behaviour
	SeatReservationTime time.Duration
	GracefulShutdown    bool
	HealthChecks        bool
	DevMode             bool
	SnapshotPath        string

	// Auth
	Auth0Domain    string
	Auth0Audience  string
	SkipAuth       bool
	AllowedOrigins string

	// Rate limits (formatted as "<count>-<period>", e.g. "100-M")
	RateLimitAPI string
	RateLimitWs  string

	// Tracing
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.PublicAddress = os.Getenv("PUBLIC_ADDRESS")
	if cfg.PublicAddress == "" {
		cfg.PublicAddress = "localhost:" + cfg.Port
	} else if !isValidHostPort(cfg.PublicAddress) {
		errs = append(errs, fmt.Sprintf("PUBLIC_ADDRESS must be in format 'host:port' (got '%s')", cfg.PublicAddress))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Optional: SEAT_RESERVATION_TIME in seconds (defaults to 15)
	cfg.SeatReservationTime = 15 * time.Second
	if v := os.Getenv("SEAT_RESERVATION_TIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			errs = append(errs, fmt.Sprintf("SEAT_RESERVATION_TIME must be a positive number of seconds (got '%s')", v))
		} else {
			cfg.SeatReservationTime = time.Duration(secs) * time.Second
		}
	}

	cfg.GracefulShutdown = os.Getenv("GRACEFUL_SHUTDOWN") != "false"
	cfg.HealthChecks = os.Getenv("HEALTH_CHECKS") != "false"
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"
	cfg.SnapshotPath = getEnvOrDefault("SNAPSHOT_PATH", ".arena-snapshot.json")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "300-M")
	cfg.RateLimitWs = getEnvOrDefault("RATE_LIMIT_WS", "100-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
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

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"public_address", cfg.PublicAddress,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"seat_reservation_time", cfg.SeatReservationTime,
		"graceful_shutdown", cfg.GracefulShutdown,
		"health_checks", cfg.HealthChecks,
		"dev_mode", cfg.DevMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
