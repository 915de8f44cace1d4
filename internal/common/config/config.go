// Package config provides configuration management for Octo.
// It supports loading configuration from environment variables, config
// files, and defaults, following the section-per-concern layout and
// viper wiring of the upstream workspace orchestrator this project was
// adapted from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Octo.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Platform PlatformConfig `mapstructure:"platform"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the admin/health HTTP surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig selects and configures the session/invite/user store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" | "sqlite"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds event-bus transport configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty => in-memory publisher
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event-subject namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// RuntimeConfig selects and bounds the session runtime adapter.
type RuntimeConfig struct {
	// Mode is "container" or "local"; per-session override is allowed
	// by the orchestrator, this is only the default.
	Mode           string `mapstructure:"mode"`
	WorkspaceRoot  string `mapstructure:"workspaceRoot"`
	IdleTimeoutSec int    `mapstructure:"idleTimeoutSec"`
	ReapIntervalS  int    `mapstructure:"reapIntervalSec"`
}

func (r *RuntimeConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutSec) * time.Second
}

func (r *RuntimeConfig) ReapInterval() time.Duration {
	return time.Duration(r.ReapIntervalS) * time.Second
}

// DockerConfig holds the container-engine client configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	UsesPasta      bool   `mapstructure:"usesPasta"`
}

// PlatformConfig holds the Linux-user-provisioning policy.
type PlatformConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	UsernamePfx   string `mapstructure:"usernamePrefix"`
	Group         string `mapstructure:"group"`
	UIDStart      int    `mapstructure:"uidStart"`
	Shell         string `mapstructure:"shell"`
	GecosPrefix   string `mapstructure:"gecosPrefix"`
	RunnerSockDir string `mapstructure:"runnerSocketDir"`
}

// SandboxConfig holds the global (admin-controlled) sandbox policy.
type SandboxConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Profile       string   `mapstructure:"profile"`
	DenyRead      []string `mapstructure:"denyRead"`
	DenyWrite     []string `mapstructure:"denyWrite"`
	AllowWrite    []string `mapstructure:"allowWrite"`
	IsolateNet    bool     `mapstructure:"isolateNetwork"`
	IsolatePID    bool     `mapstructure:"isolatePid"`
	ExtraROBind   []string `mapstructure:"extraRoBind"`
	ExtraRWBind   []string `mapstructure:"extraRwBind"`

	CPUSeconds     uint64 `mapstructure:"cpuSeconds"`
	MaxMemoryBytes uint64 `mapstructure:"maxMemoryBytes"`
	MaxOpenFiles   uint64 `mapstructure:"maxOpenFiles"`
}

// PortsConfig bounds the session port-range allocator.
type PortsConfig struct {
	Start     int `mapstructure:"start"`
	End       int `mapstructure:"end"`
	MaxAgents int `mapstructure:"maxAgentPorts"`
}

// AgentConfig configures the agent coprocess supervisor.
type AgentConfig struct {
	Binary          string `mapstructure:"binary"`
	IdleTimeoutSec  int    `mapstructure:"idleTimeoutSec"`
	ContextMaxBytes int64  `mapstructure:"contextMaxBytes"`
	FreshAgeSec     int    `mapstructure:"freshAgeSec"`
}

func (a *AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSec) * time.Second
}

func (a *AgentConfig) FreshAge() time.Duration {
	return time.Duration(a.FreshAgeSec) * time.Second
}

// AuthConfig holds authentication configuration for the admin surface.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"`
}

func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OCTO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func xdgOr(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(xdgOr("XDG_DATA_HOME", ".local/share"), "octo", "octo.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "octo")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "octo")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "octo-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("runtime.mode", "local")
	v.SetDefault("runtime.workspaceRoot", xdgOr("XDG_DATA_HOME", ".local/share")+"/octo/workspaces")
	v.SetDefault("runtime.idleTimeoutSec", 1800)
	v.SetDefault("runtime.reapIntervalSec", 60)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "octo-network")
	v.SetDefault("docker.usesPasta", false)

	v.SetDefault("platform.enabled", false)
	v.SetDefault("platform.usernamePrefix", "octo_")
	v.SetDefault("platform.group", "octo")
	v.SetDefault("platform.uidStart", 2000)
	v.SetDefault("platform.shell", "/bin/bash")
	v.SetDefault("platform.gecosPrefix", "Octo platform user ")
	v.SetDefault("platform.runnerSocketDir", "/run/octo/runner-sockets")

	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.profile", "default")
	v.SetDefault("sandbox.denyRead", []string{"~/.ssh"})
	v.SetDefault("sandbox.denyWrite", []string{})
	v.SetDefault("sandbox.allowWrite", []string{})
	v.SetDefault("sandbox.isolateNetwork", false)
	v.SetDefault("sandbox.isolatePid", true)
	v.SetDefault("sandbox.cpuSeconds", 0)
	v.SetDefault("sandbox.maxMemoryBytes", 0)
	v.SetDefault("sandbox.maxOpenFiles", 0)

	v.SetDefault("ports.start", 41820)
	v.SetDefault("ports.end", 61820)
	v.SetDefault("ports.maxAgentPorts", 8)

	v.SetDefault("agent.binary", "pi")
	v.SetDefault("agent.idleTimeoutSec", 1800)
	v.SetDefault("agent.contextMaxBytes", 1<<20)
	v.SetDefault("agent.freshAgeSec", 86400)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given path or default locations.
// Environment variables use the OCTO__SECTION__KEY overlay convention
// (double underscore separates nesting) plus a handful of explicit
// snake_case bindings for keys whose env spelling otherwise wouldn't
// round-trip through viper's camelCase keys.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// viper joins prefix and key with "_", so "OCTO_" yields OCTO__SECTION__KEY.
	v.SetEnvPrefix("OCTO_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	_ = v.BindEnv("agent.binary", "OCTO_AGENT_BINARY")
	_ = v.BindEnv("runtime.mode", "OCTO_RUNTIME_MODE")
	_ = v.BindEnv("logging.level", "OCTO_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "OCTO_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if cfgHome := os.Getenv("XDG_CONFIG_HOME"); cfgHome != "" {
		v.AddConfigPath(filepath.Join(cfgHome, "octo"))
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/octo/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
	}
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: postgres, sqlite")
	}
	if cfg.Ports.Start <= 0 || cfg.Ports.End <= cfg.Ports.Start {
		errs = append(errs, "ports.start must be positive and less than ports.end")
	}
	if cfg.Ports.MaxAgents < 0 {
		errs = append(errs, "ports.maxAgentPorts must be non-negative")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
