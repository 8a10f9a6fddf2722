package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`

	DatabaseURL         string `env:"DATABASE_URL"`
	RedisURL            string `env:"REDIS_URL"`
	RedisCollectorTypes string `env:"REDIS_COLLECTOR_TYPES"`

	JWTSecret    string `env:"JWT_SECRET"`
	AuthRequired bool   `env:"AUTH_REQUIRED" default:"false"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`

	SendQueueSize     int    `env:"SEND_QUEUE_SIZE" default:"64"`
	OverflowPolicy    string `env:"OVERFLOW_POLICY" default:"drop_oldest"`
	MaxSendFailures   int    `env:"MAX_SEND_FAILURES" default:"8"`
	MaxProtocolErrors int    `env:"MAX_PROTOCOL_ERRORS" default:"5"`

	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatMissedThreshold int           `env:"HEARTBEAT_MISSED_THRESHOLD" default:"2"`

	CacheTTL           time.Duration `env:"CACHE_TTL" default:"30s"`
	CacheNegativeTTL   time.Duration `env:"CACHE_NEGATIVE_TTL" default:"10s"`
	CacheIdleWindow    time.Duration `env:"CACHE_IDLE_WINDOW" default:"5m"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" default:"1m"`

	RefreshTick        time.Duration `env:"REFRESH_TICK" default:"5s"`
	RefreshConcurrency int           `env:"REFRESH_CONCURRENCY" default:"16"`

	CollectorTimeout      time.Duration `env:"COLLECTOR_TIMEOUT" default:"10s"`
	CollectorTimeoutsSpec string        `env:"COLLECTOR_TIMEOUTS"`

	WidgetCacheTTL time.Duration `env:"WIDGET_CACHE_TTL" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// CollectorTimeouts parses COLLECTOR_TIMEOUTS ("docker=5s,ssh=20s").
func (c *Config) CollectorTimeouts() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range splitList(c.CollectorTimeoutsSpec) {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("COLLECTOR_TIMEOUTS: invalid entry %q, want type=duration", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("COLLECTOR_TIMEOUTS: invalid duration for %s: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("COLLECTOR_TIMEOUTS: duration for %s must be positive", name)
		}
		out[name] = d
	}
	return out, nil
}

// RedisTypes lists the widget types served from Redis snapshots.
func (c *Config) RedisTypes() []string {
	return splitList(c.RedisCollectorTypes)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if cfg.AuthRequired && cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when AUTH_REQUIRED is true")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}
	if len(cfg.RedisTypes()) > 0 && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required when REDIS_COLLECTOR_TYPES is set")
	}

	switch cfg.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("OVERFLOW_POLICY must be drop_oldest or disconnect, got %q", cfg.OverflowPolicy)
	}

	positive := map[string]int64{
		"MAX_CONNECTIONS":            int64(cfg.MaxConnections),
		"MAX_CONNECTIONS_PER_IP":     int64(cfg.MaxConnectionsPerIP),
		"CONNECTION_BURST":           int64(cfg.ConnectionBurst),
		"SEND_QUEUE_SIZE":            int64(cfg.SendQueueSize),
		"HEARTBEAT_MISSED_THRESHOLD": int64(cfg.HeartbeatMissedThreshold),
		"REFRESH_CONCURRENCY":        int64(cfg.RefreshConcurrency),
		"HEARTBEAT_INTERVAL":         int64(cfg.HeartbeatInterval),
		"CACHE_TTL":                  int64(cfg.CacheTTL),
		"CACHE_NEGATIVE_TTL":         int64(cfg.CacheNegativeTTL),
		"CACHE_IDLE_WINDOW":          int64(cfg.CacheIdleWindow),
		"CACHE_SWEEP_INTERVAL":       int64(cfg.CacheSweepInterval),
		"REFRESH_TICK":               int64(cfg.RefreshTick),
		"COLLECTOR_TIMEOUT":          int64(cfg.CollectorTimeout),
		"WIDGET_CACHE_TTL":           int64(cfg.WidgetCacheTTL),
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.ConnectionRate <= 0 {
		return errors.New("CONNECTION_RATE must be positive")
	}
	if cfg.MaxSendFailures < 0 || cfg.MaxProtocolErrors < 0 {
		return errors.New("MAX_SEND_FAILURES and MAX_PROTOCOL_ERRORS must not be negative")
	}

	if _, err := cfg.CollectorTimeouts(); err != nil {
		return err
	}

	if cfg.IsProduction() {
		if err := checkSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func checkSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
