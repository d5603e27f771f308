package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kolscope/kolscope/internal/models"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Collector CollectorConfig
	Analysis  AnalysisConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL           string
	MigrationsDir string
}

// RedisConfig holds the channel/sample cache settings. An empty address
// disables the cache.
type RedisConfig struct {
	Addr string
}

// AuthConfig holds admin API authentication settings.
type AuthConfig struct {
	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string
	TokenTTL          time.Duration
}

// CollectorConfig holds pipeline tuning parameters.
type CollectorConfig struct {
	Mode       models.RunMode
	SampleSize int
}

// AnalysisConfig selects the AI provider and retry sweep cadence.
type AnalysisConfig struct {
	Provider           string
	RetrySweepInterval time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMigrationsDir = "migrations"
	defaultTokenTTL      = 24 * time.Hour
	defaultSampleSize    = 10
	defaultProvider      = "deepseek"
	defaultRetrySweep    = 10 * time.Minute
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MigrationsDir: getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
		},
		Redis: RedisConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		},
		Auth: AuthConfig{
			JWTSecret:         os.Getenv("JWT_SECRET"),
			AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			TokenTTL:          defaultTokenTTL,
		},
		Collector: CollectorConfig{
			Mode:       models.ModeConservative,
			SampleSize: defaultSampleSize,
		},
		Analysis: AnalysisConfig{
			Provider:           getEnv("ANALYSIS_PROVIDER", defaultProvider),
			RetrySweepInterval: defaultRetrySweep,
		},
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("RUN_MODE"); v != "" {
		switch models.RunMode(v) {
		case models.ModeConservative, models.ModeAccelerated:
			cfg.Collector.Mode = models.RunMode(v)
		default:
			return Config{}, fmt.Errorf("invalid RUN_MODE: must be 'conservative' or 'accelerated'")
		}
	}

	if v := os.Getenv("COLLECT_SAMPLE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			return Config{}, fmt.Errorf("invalid COLLECT_SAMPLE_SIZE: must be an integer between 1 and 50")
		}
		cfg.Collector.SampleSize = n
	}

	if v := os.Getenv("ANALYSIS_PROVIDER"); v != "" {
		switch v {
		case "deepseek", "zhipu":
		default:
			return Config{}, fmt.Errorf("invalid ANALYSIS_PROVIDER: must be 'deepseek' or 'zhipu'")
		}
	}

	if v := os.Getenv("ANALYSIS_RETRY_SWEEP_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ANALYSIS_RETRY_SWEEP_SECONDS: %w", err)
		}
		cfg.Analysis.RetrySweepInterval = d
	}

	if v := os.Getenv("AUTH_TOKEN_TTL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AUTH_TOKEN_TTL_SECONDS: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}

	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
