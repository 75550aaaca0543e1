package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/username/turbochat/internal/pkg/configutil"
)

// Config represents the application configuration
type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Generation GenerationConfig `mapstructure:"generation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BackendConfig holds the inference backend connection settings
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// StreamTimeout is how long to wait for the first chunk on an open
	// stream before treating the channel as failed.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	// NoStreamFamilies lists model-name fragments whose models do not
	// support streaming; generation falls back to a direct request.
	NoStreamFamilies []string `mapstructure:"no_stream_families"`
}

// StorageConfig holds the local conversation store settings
type StorageConfig struct {
	Path                  string        `mapstructure:"path"`
	MaxSavedConversations int           `mapstructure:"max_saved_conversations"`
	DebounceInterval      time.Duration `mapstructure:"debounce_interval"`
}

// GenerationConfig holds default sampling parameters
type GenerationConfig struct {
	Model            string  `mapstructure:"model"`
	Temperature      float64 `mapstructure:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	TopP             float64 `mapstructure:"top_p"`
	FrequencyPenalty float64 `mapstructure:"frequency_penalty"`
	PresencePenalty  float64 `mapstructure:"presence_penalty"`
	Stream           bool    `mapstructure:"stream"`
	Tone             string  `mapstructure:"tone"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:          "http://localhost:8000",
			RequestTimeout:   60 * time.Second,
			StreamTimeout:    30 * time.Second,
			NoStreamFamilies: []string{"qwen"},
		},
		Storage: StorageConfig{
			Path:                  "./data/turbochat.db",
			MaxSavedConversations: 100,
			DebounceInterval:      500 * time.Millisecond,
		},
		Generation: GenerationConfig{
			Temperature:      0.7,
			MaxTokens:        2000,
			TopP:             0.9,
			FrequencyPenalty: 0,
			PresencePenalty:  0,
			Stream:           true,
			Tone:             "default",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from files and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// Environment variable support
	v.SetEnvPrefix("TURBOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay, we'll use defaults + env vars
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return configutil.NewValidator().
		ValidateURL("backend.base_url", c.Backend.BaseURL).
		RequiredString("backend.base_url", c.Backend.BaseURL).
		RequiredDuration("backend.request_timeout", c.Backend.RequestTimeout).
		RequiredDuration("backend.stream_timeout", c.Backend.StreamTimeout).
		ValidateFilePath("storage.path", c.Storage.Path).
		IntRange("storage.max_saved_conversations", c.Storage.MaxSavedConversations, 1, 10000).
		DurationRange("storage.debounce_interval", c.Storage.DebounceInterval, 10*time.Millisecond, 10*time.Second).
		IntRange("generation.max_tokens", c.Generation.MaxTokens, 1, 128000).
		OneOf("generation.tone", c.Generation.Tone, []string{"default", "teacher", "simple", "detailed"}).
		OneOf("logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"}).
		OneOf("logging.format", c.Logging.Format, []string{"text", "json"}).
		Result()
}
