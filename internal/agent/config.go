// Package agent implements the local-agent process: it polls the cloud
// backend's relay endpoints, executes each WorkItem against the local tool
// registry and posts the Result back. The cloud cannot reach this machine,
// so every exchange is initiated here.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

// Config holds all runtime configuration for the local agent.
// Values are read once at startup and never re-read.
type Config struct {
	// CloudURL is the base URL of the cloud backend, e.g. "https://agents.fly.dev".
	CloudURL string `yaml:"cloud_url"`

	// Secret is the plaintext agent key (agt_...) whose hash the cloud holds.
	// It also guards the local API.
	Secret string `yaml:"secret"`

	// AgentID identifies this machine in the cloud's heartbeat keys.
	AgentID string `yaml:"agent_id"`

	PollInterval   time.Duration `yaml:"poll_interval"`   // Sleep between relay cycles (default: 2s)
	RequestTimeout time.Duration `yaml:"request_timeout"` // Per HTTP call to the cloud (default: 15s)
	ToolTimeout    time.Duration `yaml:"tool_timeout"`    // Per tool execution (default: 2m)

	// Port is the local API port (default: 3001). 0 disables the local API.
	Port int `yaml:"port"`

	FilesBaseDir string `yaml:"files_base_dir"` // Root for the file tools (default: $HOME)
	DataDir      string `yaml:"data_dir"`       // SQLite location (default: $HOME/.whatsapp-agents)

	// AllowedTools restricts the registry. Empty = all catalog tools.
	AllowedTools []string `yaml:"allowed_tools"`

	BraveAPIKey string           `yaml:"brave_api_key"`
	SMTP        tools.SMTPConfig `yaml:"smtp"`

	LogLevel string `yaml:"log_level"`
}

// LoadConfig builds the config from, in increasing precedence: built-in
// defaults, the YAML file named by LOCAL_AGENT_CONFIG, then environment
// variables.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	cfg := &Config{
		AgentID:        hostname,
		PollInterval:   2 * time.Second,
		RequestTimeout: 15 * time.Second,
		ToolTimeout:    2 * time.Minute,
		Port:           3001,
		FilesBaseDir:   home,
		DataDir:        filepath.Join(home, ".whatsapp-agents"),
		LogLevel:       "info",
	}

	if path := os.Getenv("LOCAL_AGENT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.CloudURL == "" {
		return nil, fmt.Errorf("CLOUD_BACKEND_URL is required (the public URL of cloud-backend)")
	}
	cfg.CloudURL = strings.TrimRight(cfg.CloudURL, "/")
	if !strings.HasPrefix(cfg.CloudURL, "http://") && !strings.HasPrefix(cfg.CloudURL, "https://") {
		return nil, fmt.Errorf("CLOUD_BACKEND_URL must start with http:// or https://, got %q", cfg.CloudURL)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("LOCAL_AGENT_SECRET is required (agent key from cloud-backend setup)")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "local-agent"
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLLING_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path onto cfg.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Unset variables keep
// the current value.
func (c *Config) applyEnv() {
	c.CloudURL = envStr("CLOUD_BACKEND_URL", c.CloudURL)
	c.Secret = envStr("LOCAL_AGENT_SECRET", c.Secret)
	c.AgentID = envStr("AGENT_ID", c.AgentID)
	c.PollInterval = envDuration("POLLING_INTERVAL", c.PollInterval)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ToolTimeout = envDuration("TOOL_TIMEOUT", c.ToolTimeout)
	c.Port = envInt("PORT", c.Port)
	c.FilesBaseDir = envStr("FILES_BASE_DIR", c.FilesBaseDir)
	c.DataDir = envStr("DATA_DIR", c.DataDir)
	if list := envStringList("ALLOWED_TOOLS"); list != nil {
		c.AllowedTools = list
	}
	c.BraveAPIKey = envStr("BRAVE_API_KEY", c.BraveAPIKey)
	c.SMTP.Host = envStr("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = envInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = envStr("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = envStr("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = envStr("SMTP_FROM", c.SMTP.From)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

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

// envStringList reads a comma-separated env var into a string slice.
// Returns nil if the env var is unset or empty.
func envStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
