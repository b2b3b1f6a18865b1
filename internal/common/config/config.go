// Package config provides configuration management for the platform.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Extensions ExtensionsConfig `mapstructure:"extensions"`
	Auth       AuthConfig       `mapstructure:"auth"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig holds the host-side workspace tree configuration.
type WorkspaceConfig struct {
	// Dir is the root of the host workspace tree (users/, database/,
	// containers/, logs/, backups/). Env: WORKSPACE_DIR.
	Dir string `mapstructure:"dir"`
}

// DatabasePath returns the path of the embedded database file.
func (w *WorkspaceConfig) DatabasePath() string {
	return filepath.Join(w.Dir, "database", "auth.db")
}

// SandboxConfig holds container engine and lifecycle configuration.
type SandboxConfig struct {
	// Image is the sandbox image every user container runs. Env: CONTAINER_IMAGE.
	Image string `mapstructure:"image"`
	// EngineSocket is the engine's local control socket. Env: ENGINE_SOCKET_PATH.
	EngineSocket string `mapstructure:"engineSocket"`
	// Network is the container network mode (empty means the engine default).
	Network string `mapstructure:"network"`
	// PullImage pulls the sandbox image on startup when true.
	PullImage bool `mapstructure:"pullImage"`

	// IdleSweepInterval is the sweeper tick. Env: IDLE_SWEEP_INTERVAL (Go duration).
	IdleSweepInterval time.Duration `mapstructure:"idleSweepInterval"`
	// ReadinessTimeout bounds the acquire readiness poll. Env: READINESS_TIMEOUT.
	ReadinessTimeout time.Duration `mapstructure:"readinessTimeout"`
	// ReadinessPoll is the inspect interval while waiting for readiness.
	ReadinessPoll time.Duration `mapstructure:"readinessPoll"`
	// StopGrace is how long stop waits before the engine kills the container.
	StopGrace time.Duration `mapstructure:"stopGrace"`

	// MetricsInterval is the sampling period for sandbox resource metrics.
	MetricsInterval time.Duration `mapstructure:"metricsInterval"`
	// MetricsRetention prunes samples older than this.
	MetricsRetention time.Duration `mapstructure:"metricsRetention"`
}

// ExtensionsConfig holds the managed extension bundle configuration.
type ExtensionsConfig struct {
	// Source is the managed bundle directory (the `.claude` source of truth).
	Source string `mapstructure:"source"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// TokenSigningKey signs bearer tokens. Env: TOKEN_SIGNING_KEY.
	TokenSigningKey string `mapstructure:"tokenSigningKey"`
	// TokenTTL bounds token validity.
	TokenTTL time.Duration `mapstructure:"tokenTtl"`
	// AdminToken authorises the admin extension endpoints. Env: ADMIN_TOKEN.
	AdminToken string `mapstructure:"adminToken"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDEBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Workspace defaults
	v.SetDefault("workspace.dir", "./workspace")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "claude-code-sandbox:latest")
	v.SetDefault("sandbox.engineSocket", "/var/run/docker.sock")
	v.SetDefault("sandbox.network", "")
	v.SetDefault("sandbox.pullImage", false)
	v.SetDefault("sandbox.idleSweepInterval", 5*time.Minute)
	v.SetDefault("sandbox.readinessTimeout", 60*time.Second)
	v.SetDefault("sandbox.readinessPoll", 500*time.Millisecond)
	v.SetDefault("sandbox.stopGrace", 10*time.Second)
	v.SetDefault("sandbox.metricsInterval", time.Minute)
	v.SetDefault("sandbox.metricsRetention", 24*time.Hour)

	// Extensions defaults - bundle source sits next to the workspace root
	v.SetDefault("extensions.source", "./extensions/.claude")

	// Auth defaults
	v.SetDefault("auth.tokenSigningKey", "")
	v.SetDefault("auth.tokenTtl", 24*time.Hour)
	v.SetDefault("auth.adminToken", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDEBOX_ with snake_case naming; the
// contractual variables below are also bound without the prefix.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/claudebox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CLAUDEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Contractual environment names do not carry the prefix and do not map
	// onto config keys mechanically, so each is bound explicitly.
	_ = v.BindEnv("workspace.dir", "WORKSPACE_DIR")
	_ = v.BindEnv("sandbox.image", "CONTAINER_IMAGE")
	_ = v.BindEnv("sandbox.engineSocket", "ENGINE_SOCKET_PATH")
	_ = v.BindEnv("sandbox.idleSweepInterval", "IDLE_SWEEP_INTERVAL")
	_ = v.BindEnv("sandbox.readinessTimeout", "READINESS_TIMEOUT")
	_ = v.BindEnv("auth.tokenSigningKey", "TOKEN_SIGNING_KEY")
	_ = v.BindEnv("auth.adminToken", "ADMIN_TOKEN")
	_ = v.BindEnv("extensions.source", "EXTENSIONS_DIR")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("server.port", "PORT", "CLAUDEBOX_SERVER_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/claudebox/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Dir == "" {
		errs = append(errs, "workspace.dir is required")
	}
	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.EngineSocket == "" {
		errs = append(errs, "sandbox.engineSocket is required")
	}
	if cfg.Sandbox.IdleSweepInterval <= 0 {
		errs = append(errs, "sandbox.idleSweepInterval must be positive")
	}
	if cfg.Sandbox.ReadinessTimeout <= 0 {
		errs = append(errs, "sandbox.readinessTimeout must be positive")
	}
	if cfg.Sandbox.ReadinessPoll <= 0 {
		errs = append(errs, "sandbox.readinessPoll must be positive")
	}

	// Auth - generate a throwaway secret if not set (dev mode)
	if cfg.Auth.TokenSigningKey == "" {
		cfg.Auth.TokenSigningKey = generateDevSecret()
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.tokenTtl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// EngineHost returns the engine socket as a client host URL.
func (s *SandboxConfig) EngineHost() string {
	if strings.Contains(s.EngineSocket, "://") {
		return s.EngineSocket
	}
	return "unix://" + s.EngineSocket
}

// generateDevSecret produces a per-process secret so that development
// deployments work without TOKEN_SIGNING_KEY. Tokens do not survive a
// restart in this mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
