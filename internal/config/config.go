// Package config provides YAML-based configuration loading for Parley.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Parley configuration, loaded from parley.yaml.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	HTTP          HTTPConfig          `yaml:"http"`
	WhatsApp      WhatsAppConfig      `yaml:"whatsapp"`
	LLM           LLMConfig           `yaml:"llm"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	VectorIndex   VectorIndexConfig   `yaml:"vector_index"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Storage       StorageConfig       `yaml:"storage"`
}

// DatabaseConfig selects the relational store. Driver is "mysql" or "sqlite".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HTTPConfig holds the REST listener settings.
type HTTPConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

// WhatsAppConfig holds transport session settings.
type WhatsAppConfig struct {
	CredentialsDir string `yaml:"credentials_dir"`
	LogLevel       string `yaml:"log_level"`
	// AlternateIdentityServers lists JID servers treated as alternate
	// identities of a known contact in contacts_only mode. Empty disables it.
	AlternateIdentityServers []string `yaml:"alternate_identity_servers"`
	AutoRestore              *bool    `yaml:"auto_restore"`
}

// LLMConfig configures the generation provider.
type LLMConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	DefaultModel string  `yaml:"default_model"`
	RateLimit    float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	Model      string  `yaml:"model"`
	Dimensions int     `yaml:"dimensions"`
	CachePath  string  `yaml:"cache_path"`
	RateLimit  float64 `yaml:"rate_limit"`
}

// TranscriptionConfig configures speech-to-text for voice notes.
type TranscriptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// VectorIndexConfig selects the vector backend: "qdrant" or "chromem".
type VectorIndexConfig struct {
	Backend string `yaml:"backend"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key"`
	UseTLS  bool   `yaml:"use_tls"`
	Path    string `yaml:"path"` // chromem persistence dir; empty = in-memory
}

// JobsConfig tunes the durable job queue.
type JobsConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	MaxAttempts         int           `yaml:"max_attempts"`
	EmbedConcurrency    int           `yaml:"embed_concurrency"`
	WebhookConcurrency  int           `yaml:"webhook_concurrency"`
	MediaConcurrency    int           `yaml:"media_concurrency"`
	BroadcastDelay      time.Duration `yaml:"broadcast_delay"`
	MaintenanceSchedule string        `yaml:"maintenance_schedule"`
}

// PaymentsConfig configures the payment-link provider. Empty BaseURL disables it.
type PaymentsConfig struct {
	BaseURL    string        `yaml:"base_url"`
	ClientID   string        `yaml:"client_id"`
	SecretKey  string        `yaml:"secret_key"`
	APIVersion string        `yaml:"api_version"`
	Currency   string        `yaml:"currency"`
	LinkPrefix string        `yaml:"link_prefix"`
	Expiry     time.Duration `yaml:"expiry"`
}

// AlertsConfig routes human-handoff alerts to team chat.
type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Discord DiscordAlertConfig `yaml:"discord"`
}

// SlackAlertConfig holds Slack bot credentials.
type SlackAlertConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordAlertConfig holds Discord bot credentials.
type DiscordAlertConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// StorageConfig holds the media directory.
type StorageConfig struct {
	MediaDir string `yaml:"media_dir"`
}

// envOverrides maps environment variables onto secret fields.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"PARLEY_DATABASE_DSN":        &c.Database.DSN,
		"PARLEY_API_TOKEN":           &c.HTTP.APIToken,
		"PARLEY_LLM_API_KEY":         &c.LLM.APIKey,
		"PARLEY_EMBEDDINGS_API_KEY":  &c.Embeddings.APIKey,
		"PARLEY_QDRANT_API_KEY":      &c.VectorIndex.APIKey,
		"PARLEY_PAYMENTS_SECRET_KEY": &c.Payments.SecretKey,
		"PARLEY_SLACK_BOT_TOKEN":     &c.Alerts.Slack.BotToken,
		"PARLEY_DISCORD_BOT_TOKEN":   &c.Alerts.Discord.BotToken,
	}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// variables take precedence over secrets in the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for key, field := range c.envOverrides() {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}
}

// AutoRestoreEnabled reports whether persisted sessions reconnect at startup.
func (c *Config) AutoRestoreEnabled() bool {
	return c.WhatsApp.AutoRestore == nil || *c.WhatsApp.AutoRestore
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "parley.db"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.WhatsApp.CredentialsDir == "" {
		c.WhatsApp.CredentialsDir = "credentials"
	}
	if c.WhatsApp.LogLevel == "" {
		c.WhatsApp.LogLevel = "WARN"
	}
	if c.WhatsApp.AlternateIdentityServers == nil {
		c.WhatsApp.AlternateIdentityServers = []string{"lid"}
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.Dimensions == 0 {
		c.Embeddings.Dimensions = 1536
	}
	if c.Transcription.BaseURL == "" {
		c.Transcription.BaseURL = c.LLM.BaseURL
	}
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = c.LLM.APIKey
	}
	if c.VectorIndex.Backend == "" {
		c.VectorIndex.Backend = "chromem"
	}
	if c.VectorIndex.Backend == "qdrant" {
		if c.VectorIndex.Host == "" {
			c.VectorIndex.Host = "localhost"
		}
		if c.VectorIndex.Port == 0 {
			c.VectorIndex.Port = 6334
		}
	}
	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = time.Second
	}
	if c.Jobs.StaleAfter == 0 {
		c.Jobs.StaleAfter = 10 * time.Minute
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 5
	}
	if c.Jobs.EmbedConcurrency == 0 {
		c.Jobs.EmbedConcurrency = 3
	}
	if c.Jobs.WebhookConcurrency == 0 {
		c.Jobs.WebhookConcurrency = 10
	}
	if c.Jobs.MediaConcurrency == 0 {
		c.Jobs.MediaConcurrency = 2
	}
	if c.Jobs.BroadcastDelay == 0 {
		c.Jobs.BroadcastDelay = time.Second
	}
	if c.Jobs.MaintenanceSchedule == "" {
		c.Jobs.MaintenanceSchedule = "* * * * *"
	}
	if c.Payments.APIVersion == "" {
		c.Payments.APIVersion = "2023-08-01"
	}
	if c.Payments.Currency == "" {
		c.Payments.Currency = "INR"
	}
	if c.Payments.LinkPrefix == "" {
		c.Payments.LinkPrefix = "PRL"
	}
	if c.Payments.Expiry == 0 {
		c.Payments.Expiry = 48 * time.Hour
	}
	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = "media"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key is required")
	}
	if c.Embeddings.Dimensions < 0 {
		errs = append(errs, "embeddings.dimensions must be positive")
	}
	switch c.VectorIndex.Backend {
	case "qdrant", "chromem":
	default:
		errs = append(errs, fmt.Sprintf("vector_index.backend %q must be qdrant or chromem", c.VectorIndex.Backend))
	}
	if c.Jobs.MaxAttempts < 1 {
		errs = append(errs, "jobs.max_attempts must be at least 1")
	}
	if c.Payments.BaseURL != "" && (c.Payments.ClientID == "" || c.Payments.SecretKey == "") {
		errs = append(errs, "payments.client_id and payments.secret_key are required when payments.base_url is set")
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.ChannelID == "" {
		errs = append(errs, "alerts.slack.channel_id is required")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
