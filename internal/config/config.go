package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for claudechat.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Anthropic   AnthropicConfig   `json:"anthropic"`
	Context     ContextConfig     `json:"context"`
	Storage     StorageConfig     `json:"storage"`
	Attachments AttachmentsConfig `json:"attachments"`
	Server      ServerConfig      `json:"server"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile"` // optional log file path
}

// AnthropicConfig configures the completion client.
type AnthropicConfig struct {
	APIKey             string  `json:"apiKey"` // falls back to ANTHROPIC_API_KEY
	APIBase            string  `json:"apiBase"`
	Model              string  `json:"model"`
	MaxTokens          int     `json:"maxTokens"`
	TimeoutSeconds     int     `json:"timeoutSeconds"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute"`
	RateLimitBurst     int     `json:"rateLimitBurst"`
}

// ContextConfig tunes context selection. Zero values use the built-in defaults.
type ContextConfig struct {
	SystemPrompt        string `json:"systemPrompt"`
	RecencyThreshold    int    `json:"recencyThreshold"`
	MaxContextMessages  int    `json:"maxContextMessages"`
	MaxRelevantMessages int    `json:"maxRelevantMessages"`
}

type StorageConfig struct {
	Backend string      `json:"backend"` // "sqlite" | "redis"
	DBPath  string      `json:"dbPath"`
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type AttachmentsConfig struct {
	Backend      string      `json:"backend"` // "filesystem" | "minio"
	StoragePath  string      `json:"storagePath"`
	MaxSizeBytes int64       `json:"maxSizeBytes"`
	MinIO        MinIOConfig `json:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"useSSL"`
}

// ServerConfig configures the WebSocket panel bridge.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.claudechat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claudechat"
	}
	return filepath.Join(home, ".claudechat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Attachments.StoragePath = ExpandPath(cfg.Attachments.StoragePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults loads path, or returns validated defaults when the file
// does not exist.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
		cfg.Attachments.StoragePath = ExpandPath(cfg.Attachments.StoragePath)
		return cfg, nil
	}
	return Load(path)
}

// ResolvedAPIKey returns anthropic.apiKey, or ANTHROPIC_API_KEY when the
// config leaves it empty. The environment value is never written back by Save.
func (c *Config) ResolvedAPIKey() string {
	if c.Anthropic.APIKey != "" {
		return c.Anthropic.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Anthropic.APIBase == "" {
		errs = append(errs, "anthropic.apiBase is required")
	}
	if cfg.Anthropic.MaxTokens < 1 {
		errs = append(errs, "anthropic.maxTokens must be >= 1")
	}
	if cfg.Anthropic.TimeoutSeconds < 1 {
		errs = append(errs, "anthropic.timeoutSeconds must be >= 1")
	}
	if cfg.Anthropic.RateLimitPerMinute < 0 || cfg.Anthropic.RateLimitBurst < 0 {
		errs = append(errs, "anthropic rate limits must not be negative")
	}

	if cfg.Context.RecencyThreshold < 0 {
		errs = append(errs, "context.recencyThreshold must be >= 0")
	}
	if cfg.Context.MaxContextMessages != 0 && cfg.Context.MaxContextMessages < 2 {
		errs = append(errs, "context.maxContextMessages must be >= 2")
	}
	if cfg.Context.MaxRelevantMessages < 0 {
		errs = append(errs, "context.maxRelevantMessages must be >= 0")
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.dbPath is required for the sqlite backend")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: sqlite, redis")
	}

	switch cfg.Attachments.Backend {
	case "filesystem":
		if cfg.Attachments.StoragePath == "" {
			errs = append(errs, "attachments.storagePath is required for the filesystem backend")
		}
	case "minio":
		if cfg.Attachments.MinIO.Endpoint == "" || cfg.Attachments.MinIO.Bucket == "" {
			errs = append(errs, "attachments.minio.endpoint and bucket are required for the minio backend")
		}
	default:
		errs = append(errs, "attachments.backend must be one of: filesystem, minio")
	}
	if cfg.Attachments.MaxSizeBytes < 1 {
		errs = append(errs, "attachments.maxSizeBytes must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		errs = append(errs, "server.path must start with /")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
