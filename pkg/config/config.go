// Package config loads server settings from the environment and ledger
// wiring (pacts, namespaces, container policies) from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Ledger backends.
const (
	BackendSQL    = "sql"
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string
	LogFormat  string // text | json

	// DatabaseURL selects Postgres. Empty means lite mode: SQLite under DataDir.
	DatabaseURL   string
	DataDir       string
	LedgerBackend string
	ConfigFile    string
	RedisURL      string

	OTelEnabled  bool
	OTLPEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int

	Production bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:           envOr("PORT", "8080"),
		HealthPort:     envOr("HEALTH_PORT", "8081"),
		LogLevel:       strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFormat:      strings.ToLower(envOr("LOG_FORMAT", "text")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DataDir:        envOr("DATA_DIR", "data"),
		LedgerBackend:  strings.ToLower(envOr("LEDGER_BACKEND", BackendSQL)),
		ConfigFile:     os.Getenv("UBL_CONFIG"),
		RedisURL:       os.Getenv("REDIS_URL"),
		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),
		Production:     os.Getenv("UBL_PRODUCTION") == "true",
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendSQL, BackendMemory, BackendFile:
	default:
		return fmt.Errorf("config: unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}
	if c.Production {
		if c.LedgerBackend == BackendMemory {
			return fmt.Errorf("config: memory ledger backend is not allowed in production")
		}
		if c.LedgerBackend == BackendSQL && c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required in production")
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	return nil
}

// LiteMode reports whether the SQL backend runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "ubl.db") }

// LedgerDir is where the file backend keeps container chains.
func (c *Config) LedgerDir() string { return filepath.Join(c.DataDir, "ledger") }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}
