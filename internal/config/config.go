// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Blockchain settings. Any of RPCURL, PrivateKey, NotaryContract or
	// EscrowContract missing leaves blockchain features disabled.
	RPCURL         string
	ChainID        int64 // 0 = ask the node
	PrivateKey     string
	NotaryContract string
	EscrowContract string

	// Pending escrow registry
	RegistryBackend string // file, memory, sqlite, postgres, redis
	RegistryPath    string // file and sqlite backends
	DatabaseURL     string
	RedisURL        string

	// Listener tuning
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
	HealthCheckInterval   time.Duration
	EventTimeout          time.Duration
	FilterRefreshInterval time.Duration
	PollInterval          time.Duration
	ConfirmationTimeout   time.Duration
	LookbackBlocks        uint64

	// Outbound webhook for listener activity. Empty URL disables it.
	WebhookURL    string
	WebhookSecret string
	WebhookEvents []string

	// Operations
	AdminSecret   string
	OTLPEndpoint  string
	ShutdownDrain time.Duration
}

const (
	DefaultPort                  = "3001"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultRegistryBackend       = "file"
	DefaultRegistryPath          = "escrowMapping.json"
	DefaultMaxReconnectAttempts  = 5
	DefaultReconnectDelay        = 10 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultEventTimeout          = 60 * time.Second
	DefaultFilterRefreshInterval = 5 * time.Minute
	DefaultPollInterval          = 4 * time.Second
	DefaultConfirmationTimeout   = 2 * time.Minute
	DefaultLookbackBlocks        = 100
	DefaultShutdownDrain         = 2 * time.Second
	DefaultWebhookEvents         = "escrow_released,release_failed"
)

var (
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	registryBackends = map[string]bool{
		"file":     true,
		"memory":   true,
		"sqlite":   true,
		"postgres": true,
		"redis":    true,
	}
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", getEnv("BACKEND_PORT", DefaultPort)),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		RPCURL:                getEnv("RPC_URL", os.Getenv("AMOY_RPC_URL")),
		ChainID:               getEnvInt64("CHAIN_ID", 0),
		PrivateKey:            os.Getenv("PRIVATE_KEY"),
		NotaryContract:        os.Getenv("NOTARY_CONTRACT_ADDRESS"),
		EscrowContract:        os.Getenv("PAYMENT_ESCROW_ADDRESS"),
		RegistryBackend:       strings.ToLower(getEnv("REGISTRY_BACKEND", DefaultRegistryBackend)),
		RegistryPath:          getEnv("REGISTRY_PATH", DefaultRegistryPath),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		MaxReconnectAttempts:  int(getEnvInt64("MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts)),
		ReconnectDelay:        getEnvDuration("RECONNECT_DELAY", DefaultReconnectDelay),
		HealthCheckInterval:   getEnvDuration("HEALTH_CHECK_INTERVAL", DefaultHealthCheckInterval),
		EventTimeout:          getEnvDuration("EVENT_TIMEOUT", DefaultEventTimeout),
		FilterRefreshInterval: getEnvDuration("FILTER_REFRESH_INTERVAL", DefaultFilterRefreshInterval),
		PollInterval:          getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ConfirmationTimeout:   getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		LookbackBlocks:        uint64(getEnvInt64("LOOKBACK_BLOCKS", DefaultLookbackBlocks)),
		WebhookURL:            os.Getenv("WEBHOOK_URL"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		WebhookEvents:         splitList(getEnv("WEBHOOK_EVENTS", DefaultWebhookEvents)),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownDrain:         getEnvDuration("SHUTDOWN_DRAIN", DefaultShutdownDrain),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects malformed values. Absent blockchain settings are not an
// error; see MissingBlockchainSettings.
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.NotaryContract != "" && !addressRegex.MatchString(c.NotaryContract) {
		return fmt.Errorf("NOTARY_CONTRACT_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.EscrowContract != "" && !addressRegex.MatchString(c.EscrowContract) {
		return fmt.Errorf("PAYMENT_ESCROW_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.ChainID < 0 {
		return fmt.Errorf("CHAIN_ID must not be negative")
	}

	if !registryBackends[c.RegistryBackend] {
		return fmt.Errorf("REGISTRY_BACKEND %q is not supported (file, memory, sqlite, postgres, redis)", c.RegistryBackend)
	}
	switch c.RegistryBackend {
	case "file", "sqlite":
		if c.RegistryPath == "" {
			return fmt.Errorf("REGISTRY_PATH is required for the %s registry backend", c.RegistryBackend)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres registry backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis registry backend")
		}
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URL must be an absolute http or https URL")
		}
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"RECONNECT_DELAY":         c.ReconnectDelay,
		"HEALTH_CHECK_INTERVAL":   c.HealthCheckInterval,
		"EVENT_TIMEOUT":           c.EventTimeout,
		"FILTER_REFRESH_INTERVAL": c.FilterRefreshInterval,
		"POLL_INTERVAL":           c.PollInterval,
		"CONFIRMATION_TIMEOUT":    c.ConfirmationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}

	return nil
}

// MissingBlockchainSettings lists the environment variables that must be set
// before the listener can leave the disabled state.
func (c *Config) MissingBlockchainSettings() []string {
	var missing []string
	if c.RPCURL == "" {
		missing = append(missing, "RPC_URL")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.NotaryContract == "" {
		missing = append(missing, "NOTARY_CONTRACT_ADDRESS")
	}
	if c.EscrowContract == "" {
		missing = append(missing, "PAYMENT_ESCROW_ADDRESS")
	}
	return missing
}

// BlockchainEnabled reports whether every blockchain setting is present.
func (c *Config) BlockchainEnabled() bool {
	return len(c.MissingBlockchainSettings()) == 0
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("10s") or bare milliseconds ("10000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
