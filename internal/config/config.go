// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, optionally via a .env file. All timeouts and operational
// parameters are configurable.
//
// For a complete list of all environment variables and their defaults, see
// Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration (spec.md §6.3).
type Config struct {
	Port string

	MaxWSPerIP     int
	MaxConnections int

	RateLimitMax    int
	RateLimitWindow time.Duration

	CORSOrigins []string

	HeartbeatInterval time.Duration
	QueueTick         time.Duration
	SessionRetention  time.Duration

	StoreDriver string // "memory" or "sqlite"
	DBPath      string

	MaxFrameBytes   int
	MaxMessageChars int

	TLSTerminated bool
}

// Load reads configuration from the environment, loading a .env file first
// if present (teacher pattern: godotenv.Load is allowed to fail silently —
// it's optional in every deployment that sets real env vars directly).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of .env is normal in production; any other load error is
		// not fatal either, since every setting has a usable default.
		_ = err
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		MaxWSPerIP:        getEnvInt("MAX_WS_PER_IP", 5),
		MaxConnections:    getEnvInt("MAX_CONNECTIONS", 1000),
		RateLimitMax:      getEnvInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		CORSOrigins:       getEnvList("CORS_ORIGIN", []string{"*"}),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		QueueTick:         getEnvDuration("QUEUE_TICK", 10*time.Second),
		SessionRetention:  getEnvDuration("SESSION_RETENTION", 60*time.Second),
		StoreDriver:       getEnv("STORE_DRIVER", "memory"),
		DBPath:            getEnv("DB_PATH", "./data/randopair.db"),
		MaxFrameBytes:     getEnvInt("MAX_FRAME_BYTES", 100_000),
		MaxMessageChars:   getEnvInt("MAX_MESSAGE_CHARS", 5000),
		TLSTerminated:     getEnvBool("TLS_TERMINATED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields make sense.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.StoreDriver != "memory" && c.StoreDriver != "sqlite" {
		return fmt.Errorf("STORE_DRIVER must be memory or sqlite, got %q", c.StoreDriver)
	}
	if c.StoreDriver == "sqlite" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when STORE_DRIVER=sqlite")
	}
	if c.MaxWSPerIP <= 0 {
		return fmt.Errorf("MAX_WS_PER_IP must be > 0")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
