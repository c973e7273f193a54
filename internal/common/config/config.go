// Package config provides configuration management for coderelay.
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

// Config holds all configuration sections for the control plane.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Docker        DockerConfig        `mapstructure:"docker"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	Worktree      WorktreeConfig      `mapstructure:"worktree"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	RepoDiscovery RepoDiscoveryConfig `mapstructure:"repoDiscovery"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	Session       SessionConfig       `mapstructure:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicHost is the address sandboxes use to dial back into the control
	// plane. Inside Docker this is normally host.docker.internal.
	PublicHost string `mapstructure:"publicHost"`
}

// DatabaseConfig holds the optional PostgreSQL configuration. When Host is
// empty the control plane uses the embedded SQLite store under DataDir.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	DataDir  string `mapstructure:"dataDir"`
}

// NATSConfig holds NATS messaging configuration. Empty URL means the
// in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// SandboxConfig holds sandbox container configuration.
type SandboxConfig struct {
	Image          string  `mapstructure:"image"`
	CPUs           float64 `mapstructure:"cpus"`
	MemoryMB       int64   `mapstructure:"memoryMb"`
	StopGrace      int     `mapstructure:"stopGrace"` // in seconds
	NetworkMode    string  `mapstructure:"networkMode"`
	MountHostCreds bool    `mapstructure:"mountHostCreds"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepoDiscoveryConfig holds configuration for local repository scanning.
type RepoDiscoveryConfig struct {
	Roots    []string `mapstructure:"roots"`
	MaxDepth int      `mapstructure:"maxDepth"`
}

// SecretsConfig controls which host environment variables are forwarded into
// sandbox environments in addition to the stored secret overlay.
type SecretsConfig struct {
	ForwardEnvPrefixes []string `mapstructure:"forwardEnvPrefixes"`
}

// SessionConfig holds session supervision tunables.
type SessionConfig struct {
	DefaultModel      string `mapstructure:"defaultModel"`
	InactivityTimeout int    `mapstructure:"inactivityTimeout"` // in seconds
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // in seconds
	HeartbeatStale    int    `mapstructure:"heartbeatStale"`    // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopGraceDuration returns the container stop grace period as a time.Duration.
func (s *SandboxConfig) StopGraceDuration() time.Duration {
	return time.Duration(s.StopGrace) * time.Second
}

// InactivityTimeoutDuration returns the inactivity timeout as a time.Duration.
func (s *SessionConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(s.InactivityTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the watchdog check interval as a time.Duration.
func (s *SessionConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// HeartbeatStaleDuration returns the heartbeat staleness threshold as a time.Duration.
func (s *SessionConfig) HeartbeatStaleDuration() time.Duration {
	return time.Duration(s.HeartbeatStale) * time.Second
}

// SQLitePath returns the path of the embedded SQLite database file.
func (d *DatabaseConfig) SQLitePath() string {
	return filepath.Join(d.DataDir, "coderelay.db")
}

// UsePostgres reports whether the PostgreSQL store is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.publicHost", "host.docker.internal")

	// Database defaults - empty host means embedded SQLite under dataDir
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coderelay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "coderelay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.dataDir", "~/.coderelay/data")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "coderelay-sandbox:latest")
	v.SetDefault("sandbox.cpus", 2.0)
	v.SetDefault("sandbox.memoryMb", 4096)
	v.SetDefault("sandbox.stopGrace", 10)
	v.SetDefault("sandbox.networkMode", "bridge")
	v.SetDefault("sandbox.mountHostCreds", true)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.coderelay/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Repo discovery defaults
	v.SetDefault("repoDiscovery.roots", []string{})
	v.SetDefault("repoDiscovery.maxDepth", 5)

	// Secret forwarding defaults cover the common LLM provider keys
	v.SetDefault("secrets.forwardEnvPrefixes", []string{
		"ANTHROPIC_", "OPENAI_", "GEMINI_", "OPENROUTER_",
	})

	// Session supervision defaults
	v.SetDefault("session.defaultModel", "claude-sonnet-4")
	v.SetDefault("session.inactivityTimeout", 600)
	v.SetDefault("session.heartbeatInterval", 30)
	v.SetDefault("session.heartbeatStale", 90)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env vars the supervisor sets.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys whose env naming differs from the config key are bound here.
	_ = v.BindEnv("server.port", "PORT", "CODERELAY_SERVER_PORT")
	_ = v.BindEnv("server.host", "HOST", "CODERELAY_SERVER_HOST")
	_ = v.BindEnv("server.publicHost", "CODERELAY_SERVER_PUBLIC_HOST")
	_ = v.BindEnv("database.dataDir", "DATA_DIR", "CODERELAY_DATABASE_DATA_DIR")
	_ = v.BindEnv("worktree.basePath", "WORKTREES_DIR", "CODERELAY_WORKTREE_BASE_PATH")
	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE", "CODERELAY_SANDBOX_IMAGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.UsePostgres() {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.DataDir == "" {
		errs = append(errs, "database.dataDir is required when database.host is not set")
	}

	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.CPUs <= 0 {
		errs = append(errs, "sandbox.cpus must be positive")
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		errs = append(errs, "sandbox.memoryMb must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.RepoDiscovery.MaxDepth <= 0 {
		errs = append(errs, "repoDiscovery.maxDepth must be positive")
	}

	if cfg.Session.InactivityTimeout <= 0 {
		errs = append(errs, "session.inactivityTimeout must be positive")
	}
	if cfg.Session.HeartbeatStale <= cfg.Session.HeartbeatInterval {
		errs = append(errs, "session.heartbeatStale must exceed session.heartbeatInterval")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandHome expands a leading ~ in a path to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
