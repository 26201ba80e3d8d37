// Package config provides configuration management for vidcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxSources          = 16
	defaultMaxAttempts         = 5
	defaultBaseDelay           = 250 * time.Millisecond
	defaultCapDelay            = 30 * time.Second
	defaultJitter              = 0.5
	defaultFailureThreshold    = 5
	defaultFailureWindow       = 60 * time.Second
	defaultOpenDuration        = 30 * time.Second
	defaultMinFPS              = 1.0
	defaultStallThreshold      = 5 * time.Second
	defaultHealthWindow        = 5 * time.Second
	defaultBatchSize           = 8
	defaultDrainTimeout        = 5 * time.Second
	defaultLinkTimeout         = 10 * time.Second
	defaultOverlayBBoxWidth    = 2
	defaultOverlayTextSize     = 14
	defaultInferenceThreshold  = 0.5
	defaultMetadataRingDepth   = 64
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Circuit  CircuitConfig  `mapstructure:"circuit"`
	Health   HealthConfig   `mapstructure:"health"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// ServerConfig holds the optional HTTP control-plane configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// BackendConfig holds backend selection configuration.
type BackendConfig struct {
	// Preference lists backend names in descending priority; the registry
	// picks the backend with the highest probed role coverage and uses
	// this order only to break ties.
	Preference []string `mapstructure:"preference"`
}

// SourcesConfig holds source-manager sizing configuration.
type SourcesConfig struct {
	MaxSources int `mapstructure:"max_sources"`
}

// RecoveryConfig holds retry/backoff configuration for the recovery manager.
type RecoveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	CapDelay    time.Duration `mapstructure:"cap_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// CircuitConfig holds per-source circuit-breaker configuration.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
}

// HealthConfig holds health-monitor thresholds.
type HealthConfig struct {
	MinFPS         float64       `mapstructure:"min_fps"`
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	Window         time.Duration `mapstructure:"window"`
}

// PipelineConfig holds pipeline graph configuration.
type PipelineConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	DrainTimeout         time.Duration `mapstructure:"drain_timeout"`
	LinkTimeout          time.Duration `mapstructure:"link_timeout"`
	InferenceConfigPath  string        `mapstructure:"inference_config_path"`
	InferenceThreshold   float64       `mapstructure:"inference_threshold"`
	Overlay              OverlayConfig `mapstructure:"overlay"`
	MetadataRingDepth    int           `mapstructure:"metadata_ring_depth"`
}

// OverlayConfig holds the overlay stage's drawing configuration.
type OverlayConfig struct {
	BBox     bool `mapstructure:"bbox"`
	Text     bool `mapstructure:"text"`
	LineWidth int `mapstructure:"line_width"`
	TextSize  int `mapstructure:"text_size"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VIDCORE_ and use underscores for nesting.
// Example: VIDCORE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vidcore")
		v.AddConfigPath("$HOME/.vidcore")
	}

	v.SetEnvPrefix("VIDCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("backend.preference", []string{"standard", "accelerated", "mock"})

	v.SetDefault("sources.max_sources", defaultMaxSources)

	v.SetDefault("recovery.max_attempts", defaultMaxAttempts)
	v.SetDefault("recovery.base_delay", defaultBaseDelay)
	v.SetDefault("recovery.cap_delay", defaultCapDelay)
	v.SetDefault("recovery.jitter", defaultJitter)

	v.SetDefault("circuit.failure_threshold", defaultFailureThreshold)
	v.SetDefault("circuit.failure_window", defaultFailureWindow)
	v.SetDefault("circuit.open_duration", defaultOpenDuration)

	v.SetDefault("health.min_fps", defaultMinFPS)
	v.SetDefault("health.stall_threshold", defaultStallThreshold)
	v.SetDefault("health.window", defaultHealthWindow)

	v.SetDefault("pipeline.batch_size", defaultBatchSize)
	v.SetDefault("pipeline.drain_timeout", defaultDrainTimeout)
	v.SetDefault("pipeline.link_timeout", defaultLinkTimeout)
	v.SetDefault("pipeline.inference_config_path", "")
	v.SetDefault("pipeline.inference_threshold", defaultInferenceThreshold)
	v.SetDefault("pipeline.overlay.bbox", true)
	v.SetDefault("pipeline.overlay.text", true)
	v.SetDefault("pipeline.overlay.line_width", defaultOverlayBBoxWidth)
	v.SetDefault("pipeline.overlay.text_size", defaultOverlayTextSize)
	v.SetDefault("pipeline.metadata_ring_depth", defaultMetadataRingDepth)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Sources.MaxSources < 1 {
		return fmt.Errorf("sources.max_sources must be at least 1")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery.max_attempts must be at least 1")
	}
	if c.Recovery.BaseDelay <= 0 {
		return fmt.Errorf("recovery.base_delay must be positive")
	}
	if c.Recovery.CapDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("recovery.cap_delay must be >= recovery.base_delay")
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be at least 1")
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
