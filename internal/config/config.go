package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/deskshell/internal/env"
	"github.com/loykin/deskshell/internal/logger"
)

const (
	DefaultBinary             = "backend"
	DefaultBackendHost        = "127.0.0.1"
	DefaultBackendPort        = 8000
	DefaultTerminateWarnAfter = 5 * time.Second
	DefaultStaleTimeout       = 3 * time.Second
	DefaultServerListen       = "127.0.0.1:8787"
	EnvPrefix                 = "DESKSHELL"
)

// Config represents the top-level TOML structure (deskshell.toml).
type Config struct {
	// ResourceDir overrides the bundle's resource directory.
	ResourceDir string   `mapstructure:"resource_dir"`
	LockFile    string   `mapstructure:"lock_file"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	UseOSEnv    bool     `mapstructure:"use_os_env"`

	Backend BackendConfig `mapstructure:"backend"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Server  ServerConfig  `mapstructure:"server"`

	// Path of the file the config was read from; empty for defaults only.
	Path string `mapstructure:"-"`
}

type BackendConfig struct {
	Binary  string   `mapstructure:"binary"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"workdir"`
	Env     []string `mapstructure:"env"`
	Host    string   `mapstructure:"host"`
	// Port is verified free after termination; 0 disables the check.
	Port               int           `mapstructure:"port"`
	PIDFile            string        `mapstructure:"pidfile"`
	TerminateWarnAfter time.Duration `mapstructure:"terminate_warn_after"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
}

// Addr is the host:port the backend binds, or "" when Port is 0.
func (b BackendConfig) Addr() string {
	if b.Port == 0 {
		return ""
	}
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DSNs of history sinks, see factory.NewSinkFromDSN.
	DSNs []string `mapstructure:"dsns"`
}

// ServerConfig configures the loopback control API.
type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("resource_dir", "")
	v.SetDefault("lock_file", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("backend.binary", DefaultBinary)
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.host", DefaultBackendHost)
	v.SetDefault("backend.port", DefaultBackendPort)
	v.SetDefault("backend.pidfile", "")
	v.SetDefault("backend.terminate_warn_after", DefaultTerminateWarnAfter)
	v.SetDefault("backend.stale_timeout", DefaultStaleTimeout)
	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", DefaultServerListen)
	v.SetDefault("server.base_path", "")
}

// Load reads path (TOML) over the defaults. An empty path yields the
// defaults. DESKSHELL_* environment variables override both, with "_"
// standing for "." (DESKSHELL_BACKEND_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = path
	cfg.fillRuntimePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RuntimeDir holds the lock and PID files unless configured otherwise.
func RuntimeDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "deskshell")
	}
	return filepath.Join(os.TempDir(), "deskshell")
}

func (c *Config) fillRuntimePaths() {
	if c.LockFile == "" {
		c.LockFile = filepath.Join(RuntimeDir(), "deskshell.lock")
	}
	if c.Backend.PIDFile == "" {
		c.Backend.PIDFile = filepath.Join(RuntimeDir(), "backend.pid")
	}
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	b := c.Backend
	if b.Binary == "" {
		return fmt.Errorf("backend.binary must not be empty")
	}
	if strings.ContainsAny(b.Binary, `/\`) {
		return fmt.Errorf("backend.binary %q must be a file name inside the resources directory", b.Binary)
	}
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", b.Port)
	}
	if b.TerminateWarnAfter < 0 {
		return fmt.Errorf("backend.terminate_warn_after must not be negative")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when the control server is enabled")
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("history.dsns is required when history is enabled")
	}
	return nil
}

// BackendEnv composes the backend environment: OS env (when use_os_env),
// then env_files in order, then the global env list, then backend.env.
func (c *Config) BackendEnv() (*env.Env, error) {
	e := env.New()
	if !c.UseOSEnv {
		e = e.WithBase([]string{})
	}
	for _, p := range c.EnvFiles {
		var err error
		if e, err = e.WithFile(p); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return e.WithPairs(c.Env).WithPairs(c.Backend.Env), nil
}
