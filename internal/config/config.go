package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type SecurityConfig struct {
	// Mode is "strict" or "permissive".
	Mode string `mapstructure:"mode"`
	// Gate is "auto_approve", "auto_reject", "interactive" or "terminal".
	Gate                string        `mapstructure:"gate"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	MaxMemoryMB    int64         `mapstructure:"max_memory_mb"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
}

type WorkspaceConfig struct {
	BaseDir   string        `mapstructure:"base_dir"`
	MaxSize   string        `mapstructure:"max_size"`
	Retention time.Duration `mapstructure:"retention"`
}

type ContainerConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Images    map[string]string `mapstructure:"images"`
	CPUs      float64           `mapstructure:"cpus"`
	PidsLimit int64             `mapstructure:"pids_limit"`
	User      string            `mapstructure:"user"`
}

type RemoteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

type PoolConfig struct {
	MinIdle      int           `mapstructure:"min_idle"`
	MaxUses      int           `mapstructure:"max_uses"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// SandboxPort is where "warden sandbox-server" listens.
	SandboxPort int `mapstructure:"sandbox_port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Security  SecurityConfig  `mapstructure:"security"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Container ContainerConfig `mapstructure:"container"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads warden.yaml from path, or from . and $HOME/.warden when path is
// empty. A missing file is not an error; defaults and WARDEN_* environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.warden")
	}

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home := os.Getenv("HOME")
	v.SetDefault("security.mode", "strict")
	v.SetDefault("security.gate", "auto_reject")
	v.SetDefault("security.confirmation_timeout", 5*time.Minute)
	v.SetDefault("execution.default_timeout", 30*time.Second)
	v.SetDefault("execution.max_timeout", 5*time.Minute)
	v.SetDefault("execution.max_memory_mb", 256)
	v.SetDefault("execution.max_output_bytes", 1<<20)
	v.SetDefault("workspace.base_dir", filepath.Join(home, ".warden", "workspaces"))
	v.SetDefault("workspace.max_size", "500MB")
	v.SetDefault("workspace.retention", 24*time.Hour)
	v.SetDefault("container.enabled", true)
	v.SetDefault("container.images", map[string]string{
		"python":     "python:3.12-slim",
		"javascript": "node:22-slim",
		"shell":      "alpine:3.20",
	})
	v.SetDefault("container.cpus", 1.0)
	v.SetDefault("container.pids_limit", 128)
	v.SetDefault("container.user", "")
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("pool.min_idle", 0)
	v.SetDefault("pool.max_uses", 100)
	v.SetDefault("pool.idle_timeout", 10*time.Minute)
	v.SetDefault("pool.reap_interval", time.Minute)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.sandbox_port", 8090)
	v.SetDefault("storage.db_path", filepath.Join(home, ".warden", "warden.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Remote.Token = expandEnv(cfg.Remote.Token)
	cfg.Remote.BaseURL = expandEnv(cfg.Remote.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks enum values and durations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Security.Mode {
	case "strict", "permissive":
	default:
		errs = append(errs, fmt.Errorf("security.mode: unknown mode %q", c.Security.Mode))
	}
	switch c.Security.Gate {
	case "auto_approve", "auto_reject", "interactive", "terminal":
	default:
		errs = append(errs, fmt.Errorf("security.gate: unknown gate %q", c.Security.Gate))
	}
	if c.Security.ConfirmationTimeout <= 0 {
		errs = append(errs, errors.New("security.confirmation_timeout must be positive"))
	}
	if c.Execution.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("execution.default_timeout must be positive"))
	}
	if c.Execution.MaxTimeout < c.Execution.DefaultTimeout {
		errs = append(errs, errors.New("execution.max_timeout must be at least execution.default_timeout"))
	}
	if c.Execution.MaxMemoryMB <= 0 {
		errs = append(errs, errors.New("execution.max_memory_mb must be positive"))
	}
	if c.Execution.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("execution.max_output_bytes must be positive"))
	}
	if u, _, _ := strings.Cut(c.Container.User, ":"); u == "0" || u == "root" {
		errs = append(errs, errors.New("container.user must not be root"))
	}
	if c.Workspace.BaseDir == "" {
		errs = append(errs, errors.New("workspace.base_dir is required"))
	}
	if c.Remote.Enabled && c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required when remote is enabled"))
	}
	if c.Pool.MinIdle < 0 || c.Pool.MaxUses < 0 {
		errs = append(errs, errors.New("pool.min_idle and pool.max_uses must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
