package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	DatabaseURL   string `toml:"database_url"`
	Environment   string `toml:"environment"`

	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`

	IdentityBaseURL string   `toml:"identity_base_url"`
	IdentityAPIKey  string   `toml:"identity_api_key"`
	IdentityTimeout duration `toml:"identity_timeout"`

	NotifySinkURL       string `toml:"notify_sink_url"`
	NotifySecret        string `toml:"notify_secret"`
	NotifyRatePerMinute int    `toml:"notify_rate_per_minute"`

	QueueCapacity int      `toml:"queue_capacity"`
	QueueTTL      duration `toml:"queue_ttl"`

	DefaultCommissionRate float64 `toml:"default_commission_rate"`

	TelemetryEndpoint string `toml:"telemetry_endpoint"`
	TelemetryInsecure bool   `toml:"telemetry_insecure"`

	LogFile string `toml:"log_file"`
}

// duration lets TOML files express durations as strings ("30s", "5m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Value returns the underlying time.Duration.
func (d duration) Value() time.Duration { return time.Duration(d) }

// Load builds the configuration from an optional TOML file (path in
// BOOKLINK_ESCROW_CONFIG) with environment variable overrides on top.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("BOOKLINK_ESCROW_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress:         ":8084",
		Environment:           "development",
		JWTIssuer:             "booklink",
		IdentityTimeout:       duration(10 * time.Second),
		NotifyRatePerMinute:   60,
		QueueCapacity:         1024,
		QueueTTL:              duration(15 * time.Minute),
		DefaultCommissionRate: 0.08,
	}
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = getenvDefault("BOOKLINK_ESCROW_LISTEN", cfg.ListenAddress)
	cfg.DatabaseURL = getenvDefault("BOOKLINK_ESCROW_DATABASE_URL", cfg.DatabaseURL)
	cfg.Environment = getenvDefault("BOOKLINK_ENV", cfg.Environment)
	cfg.JWTSecret = getenvDefault("BOOKLINK_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getenvDefault("BOOKLINK_JWT_ISSUER", cfg.JWTIssuer)
	cfg.IdentityBaseURL = getenvDefault("BOOKLINK_IDENTITY_URL", cfg.IdentityBaseURL)
	cfg.IdentityAPIKey = getenvDefault("BOOKLINK_IDENTITY_API_KEY", cfg.IdentityAPIKey)
	cfg.NotifySinkURL = getenvDefault("BOOKLINK_NOTIFY_SINK_URL", cfg.NotifySinkURL)
	cfg.NotifySecret = getenvDefault("BOOKLINK_NOTIFY_SECRET", cfg.NotifySecret)
	cfg.TelemetryEndpoint = getenvDefault("BOOKLINK_OTEL_ENDPOINT", cfg.TelemetryEndpoint)
	cfg.LogFile = getenvDefault("BOOKLINK_LOG_FILE", cfg.LogFile)

	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_OTEL_INSECURE")); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_OTEL_INSECURE: %w", err)
		}
		cfg.TelemetryInsecure = val
	}
	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_IDENTITY_TIMEOUT")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_IDENTITY_TIMEOUT: %w", err)
		}
		if dur <= 0 {
			return errors.New("BOOKLINK_IDENTITY_TIMEOUT must be positive")
		}
		cfg.IdentityTimeout = duration(dur)
	}
	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_NOTIFY_RATE")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_NOTIFY_RATE: %w", err)
		}
		if val <= 0 {
			return errors.New("BOOKLINK_NOTIFY_RATE must be positive")
		}
		cfg.NotifyRatePerMinute = val
	}
	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return errors.New("BOOKLINK_QUEUE_CAP must be positive")
		}
		cfg.QueueCapacity = val
	}
	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return errors.New("BOOKLINK_QUEUE_TTL must be positive")
		}
		cfg.QueueTTL = duration(dur)
	}
	if raw := strings.TrimSpace(os.Getenv("BOOKLINK_COMMISSION_RATE")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse BOOKLINK_COMMISSION_RATE: %w", err)
		}
		cfg.DefaultCommissionRate = val
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("BOOKLINK_ESCROW_DATABASE_URL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("BOOKLINK_JWT_SECRET is required")
	}
	if strings.TrimSpace(c.IdentityBaseURL) == "" {
		return errors.New("BOOKLINK_IDENTITY_URL is required")
	}
	if strings.TrimSpace(c.NotifySinkURL) == "" {
		return errors.New("BOOKLINK_NOTIFY_SINK_URL is required")
	}
	if c.DefaultCommissionRate < 0 || c.DefaultCommissionRate >= 1 {
		return errors.New("default commission rate must be in [0, 1)")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
