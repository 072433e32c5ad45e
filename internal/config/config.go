// Package config handles Stella configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/stella/config.yaml, /etc/stella/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stella", "config.yaml"))
	}

	paths = append(paths, "/etc/stella/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Stella configuration.
type Config struct {
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	Models    ModelsConfig  `yaml:"models"`
	Gateway   GatewayConfig `yaml:"gateway"`
	Tracker   TrackerConfig `yaml:"tracker"`
	Email     EmailConfig   `yaml:"email"`
	Checkup   CheckupConfig `yaml:"checkup"`
	Confirm   ConfirmConfig `yaml:"confirm"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Web       WebConfig     `yaml:"web"`
	RosterVCF string        `yaml:"roster_vcf"` // optional vCard file to seed the roster
}

// ModelsConfig defines model provider settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`    // model used for interactive sessions
	Checkup   string `yaml:"checkup"`    // model used for checkup conversations
	Extract   string `yaml:"extract"`    // model used for post-checkup extraction
	OllamaURL string `yaml:"ollama_url"` // empty disables the Ollama provider
	OpenAIKey string `yaml:"openai_api_key"`
}

// GatewayConfig defines the chat gateway connection.
type GatewayConfig struct {
	URL       string `yaml:"url"`   // WebSocket endpoint of the chat gateway
	Token     string `yaml:"token"` // gateway auth token
	BotUserID string `yaml:"bot_user_id"`
}

// TrackerConfig defines the task tracker backend.
type TrackerConfig struct {
	Backend string `yaml:"backend"` // "notion" or "github"

	// Notion backend settings.
	NotionToken      string `yaml:"notion_token"`
	TasksDatabase    string `yaml:"tasks_database"`
	ProjectsDatabase string `yaml:"projects_database"`

	// GitHub backend settings.
	GitHubToken string `yaml:"github_token"`
	GitHubOwner string `yaml:"github_owner"`
	GitHubRepo  string `yaml:"github_repo"`
}

// EmailConfig defines IMAP/SMTP account settings for the email tools.
type EmailConfig struct {
	Enabled bool       `yaml:"enabled"`
	Address string     `yaml:"address"` // From address, e.g. "Stella <stella@example.org>"
	IMAP    IMAPConfig `yaml:"imap"`
	SMTP    SMTPConfig `yaml:"smtp"`
}

// IMAPConfig defines the IMAP connection.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SMTPConfig defines the SMTP connection.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// CheckupConfig tunes the checkup lifecycle.
type CheckupConfig struct {
	// MaxToolCalls bounds tool execution within one checkup conversation.
	MaxToolCalls int `yaml:"max_tool_calls"`
	// ExtractMaxToolCalls bounds the post-conversation extraction engine.
	ExtractMaxToolCalls int `yaml:"extract_max_tool_calls"`
	// DefaultInterval is used when extraction fails to choose a next time.
	DefaultInterval time.Duration `yaml:"default_interval"`
}

// ConfirmConfig tunes the confirmation exchange.
type ConfirmConfig struct {
	// Timeout bounds how long a pending confirmation waits for a reply.
	// Expired confirmations resolve as declined.
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig defines the optional events-to-MQTT mirror.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. "mqtt://broker:1883" or "mqtts://..."
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // topic prefix, default "stella"
}

// WebConfig defines the status dashboard server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // bind address, default "" = all interfaces
	Port    int    `yaml:"port"`
}

// Load reads and parses the config file at path. A .env file in the
// working directory is loaded first (best-effort) so ${VAR} references
// in the YAML can resolve secrets kept out of the config file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Models.OllamaURL == "" && c.Models.OpenAIKey == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4.1"
	}
	if c.Models.Checkup == "" {
		c.Models.Checkup = c.Models.Default
	}
	if c.Models.Extract == "" {
		c.Models.Extract = c.Models.Default
	}
	if c.Checkup.MaxToolCalls <= 0 {
		c.Checkup.MaxToolCalls = 99
	}
	if c.Checkup.ExtractMaxToolCalls <= 0 {
		c.Checkup.ExtractMaxToolCalls = 7
	}
	if c.Checkup.DefaultInterval <= 0 {
		c.Checkup.DefaultInterval = 24 * time.Hour
	}
	if c.Confirm.Timeout <= 0 {
		c.Confirm.Timeout = 45 * time.Second
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "stella"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8487
	}
	if c.Tracker.Backend == "" {
		c.Tracker.Backend = "notion"
	}
}

func (c *Config) validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	switch c.Tracker.Backend {
	case "notion", "github":
	default:
		return fmt.Errorf("tracker.backend must be \"notion\" or \"github\", got %q", c.Tracker.Backend)
	}
	return nil
}
