// Package cloud implements the cloud-backend server: the relay endpoints the
// local agent polls, the message API the chat front end calls, and the
// background sweeper for items nobody is going to pick up.
package cloud

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the cloud backend, loaded from
// environment variables.
type Config struct {
	// Server
	Port int    // HTTP listen port (default: 8080)
	Host string // Bind address (default: "0.0.0.0")

	// Redis
	RedisURL      string // Redis connection URL (empty = start embedded miniredis)
	RedisPrefix   string // Key prefix for every relay key (default: "agents:")
	EmbeddedRedis bool   // True if using embedded miniredis (set by main)

	// Authentication
	AgentKeyHash string // Argon2id hash of the local agent secret (agt_...)
	APIKeyHash   string // Argon2id hash of the message API key (api_...)
	AuthCacheTTL time.Duration

	// Relay
	WaitTimeout     time.Duration // Bounded wait per message (default: 30s)
	PollInterval    time.Duration // Response Store poll interval (default: 1s)
	ResultRetention time.Duration // Unread Result lifetime (default: 5m)

	// Liveness and sweeping
	HeartbeatTTL  time.Duration // Agent is offline once its last poll is older (default: 30s)
	PendingMaxAge time.Duration // Offline-agent items older than this are expired (default: 15m)
	SweepInterval time.Duration // default: 1m

	// Rate limiting
	RateLimit       int           // Messages per user per window; 0 disables (default: 30)
	RateLimitWindow time.Duration // default: 60s

	LogLevel string
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:            envInt("PORT", 8080),
		Host:            envStr("HOST", "0.0.0.0"),
		RedisURL:        os.Getenv("REDIS_URL"), // Empty string = use embedded miniredis
		RedisPrefix:     envStr("REDIS_PREFIX", "agents:"),
		AgentKeyHash:    os.Getenv("LOCAL_AGENT_KEY_HASH"),
		APIKeyHash:      os.Getenv("API_KEY_HASH"),
		AuthCacheTTL:    envDuration("AUTH_CACHE_TTL", 5*time.Minute),
		WaitTimeout:     envDuration("RELAY_WAIT_TIMEOUT", 30*time.Second),
		PollInterval:    envDuration("RELAY_POLL_INTERVAL", time.Second),
		ResultRetention: envDuration("RESULT_RETENTION", 5*time.Minute),
		HeartbeatTTL:    envDuration("AGENT_HEARTBEAT_TTL", 30*time.Second),
		PendingMaxAge:   envDuration("PENDING_MAX_AGE", 15*time.Minute),
		SweepInterval:   envDuration("SWEEP_INTERVAL", time.Minute),
		RateLimit:       envInt("RATE_LIMIT", 30),
		RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		LogLevel:        envStr("LOG_LEVEL", "info"),
	}

	if cfg.AgentKeyHash == "" {
		return nil, fmt.Errorf("LOCAL_AGENT_KEY_HASH is required (run cloud-backend setup to generate)")
	}
	if cfg.APIKeyHash == "" {
		return nil, fmt.Errorf("API_KEY_HASH is required (run cloud-backend setup to generate)")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("RELAY_POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.HeartbeatTTL <= 0 {
		// A zero TTL would write heartbeat keys that never expire.
		return nil, fmt.Errorf("AGENT_HEARTBEAT_TTL must be positive, got %s", cfg.HeartbeatTTL)
	}
	if cfg.RateLimit > 0 && cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", cfg.RateLimitWindow)
	}
	if cfg.ResultRetention < cfg.WaitTimeout {
		// A result published just before the deadline would expire before the
		// caller's last poll could see it.
		return nil, fmt.Errorf("RESULT_RETENTION (%s) must be at least RELAY_WAIT_TIMEOUT (%s)",
			cfg.ResultRetention, cfg.WaitTimeout)
	}
	return cfg, nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return d
}
