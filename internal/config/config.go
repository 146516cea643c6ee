package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/relay"
)

// Relay backends.
const (
	RelayBackendRedis  = "redis"
	RelayBackendSQL    = "sql"
	RelayBackendMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Relay
	RelayBackend       string
	RelayTTL           time.Duration
	RelaySweepInterval time.Duration

	// Identity of this host
	Organization   string
	ProviderDomain string
	HostID         string

	// Mesh
	MeshPeers   map[string]string
	MeshToken   string
	MeshTimeout time.Duration
	// MeshRetryInterval is how often messages queued for peer hosts are
	// re-forwarded.
	MeshRetryInterval time.Duration

	// Signature policy
	RequireSignature       bool
	RejectInvalidSignature bool

	PresenceWindow time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, database and redis URLs are required.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		SQLitePath:             os.Getenv("SQLITE_PATH"),
		RedisURL:               os.Getenv("REDIS_URL"),
		RelayBackend:           strings.ToLower(os.Getenv("RELAY_BACKEND")),
		Organization:           strings.ToLower(strings.TrimSpace(os.Getenv("ORGANIZATION"))),
		ProviderDomain:         strings.ToLower(getEnv("PROVIDER_DOMAIN", address.LegacyProvider)),
		HostID:                 os.Getenv("HOST_ID"),
		MeshToken:              os.Getenv("MESH_TOKEN"),
		RequireSignature:       getBool("REQUIRE_SIGNATURE"),
		RejectInvalidSignature: getBool("REJECT_INVALID_SIGNATURE"),
		AutoBlockEnabled:       getBool("AUTO_BLOCK_ENABLED"),
	}

	var err error
	if cfg.RelayTTL, err = getDuration("RELAY_TTL", relay.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.RelaySweepInterval, err = getDuration("RELAY_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MeshTimeout, err = getDuration("MESH_TIMEOUT", mesh.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.MeshRetryInterval, err = getDuration("MESH_RETRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PresenceWindow, err = getDuration("PRESENCE_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}

	if cfg.MeshPeers, err = mesh.ParsePeers(os.Getenv("MESH_PEERS")); err != nil {
		return nil, err
	}
	if len(cfg.MeshPeers) > 0 && cfg.MeshToken == "" {
		return nil, fmt.Errorf("MESH_PEERS requires MESH_TOKEN")
	}

	if cfg.HostID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.HostID = strings.ToLower(host)
	}

	if cfg.RelayBackend == "" {
		cfg.RelayBackend = RelayBackendSQL
		if cfg.RedisURL != "" {
			cfg.RelayBackend = RelayBackendRedis
		}
	}
	switch cfg.RelayBackend {
	case RelayBackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("RELAY_BACKEND=redis requires REDIS_URL")
		}
	case RelayBackendSQL, RelayBackendMemory:
	default:
		return nil, fmt.Errorf("unknown RELAY_BACKEND %q", cfg.RelayBackend)
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required in production")
		}
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
