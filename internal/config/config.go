package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Provenance ProvenanceConfig `yaml:"provenance"`
	Batch      BatchConfig      `yaml:"batch"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storage_dir/pixelsmith.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight jobs before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// ProviderConfig selects the image generation backend and its options.
type ProviderConfig struct {
	Kind    string          `yaml:"kind"` // "openai" or "mock"
	Model   string          `yaml:"model"`
	OpenAI  OpenAISettings  `yaml:"openai"`
	Mock    MockSettings    `yaml:"mock"`
	RateRPS float64         `yaml:"rateRps"`  // outbound requests per second, 0 disables limiting
	Burst   int             `yaml:"rateBurst"`
}

// OpenAISettings config for an OpenAI-compatible image API.
type OpenAISettings struct {
	BaseURL string        `yaml:"baseUrl"` // e.g. https://api.openai.com
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// MockSettings config for the mock provider used in tests and local runs.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
}

// ProvenanceConfig controls the metadata embedded into produced images.
type ProvenanceConfig struct {
	Level string `yaml:"level"` // minimal|standard|full
}

// BatchConfig holds default bounds for batch execution.
type BatchConfig struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"pollInterval"`
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var PIXELSMITH_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("PIXELSMITH_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "pixelsmith.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Provider defaults
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "mock"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gpt-image-1"
	}
	if cfg.Provider.Mock.Delay == 0 {
		cfg.Provider.Mock.Delay = 100 * time.Millisecond
	}
	if strings.EqualFold(cfg.Provider.Kind, "openai") {
		if strings.TrimSpace(cfg.Provider.OpenAI.BaseURL) == "" {
			cfg.Provider.OpenAI.BaseURL = "https://api.openai.com"
		}
		if cfg.Provider.OpenAI.Timeout == 0 {
			cfg.Provider.OpenAI.Timeout = 2 * time.Minute
		}
	}
	if cfg.Provider.Burst <= 0 {
		cfg.Provider.Burst = 1
	}

	// Provenance defaults
	if cfg.Provenance.Level == "" {
		cfg.Provenance.Level = "standard"
	}

	// Batch defaults
	if cfg.Batch.MaxConcurrent <= 0 {
		cfg.Batch.MaxConcurrent = 3
	}
	if cfg.Batch.Timeout == 0 {
		cfg.Batch.Timeout = 10 * time.Minute
	}
	if cfg.Batch.PollInterval == 0 {
		cfg.Batch.PollInterval = 500 * time.Millisecond
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Provider.Kind) {
	case "mock":
	case "openai":
		if strings.TrimSpace(cfg.Provider.OpenAI.APIKey) == "" {
			return errors.New("openai.apiKey is required")
		}
	default:
		return fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
	}

	switch strings.ToLower(cfg.Provenance.Level) {
	case "minimal", "standard", "full":
	default:
		return fmt.Errorf("unsupported provenance level %q", cfg.Provenance.Level)
	}

	if cfg.Batch.MaxConcurrent > 10 {
		return fmt.Errorf("batch.maxConcurrent must be at most 10, got %d", cfg.Batch.MaxConcurrent)
	}
	return nil
}
