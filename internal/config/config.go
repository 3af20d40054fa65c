package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcguard/internal/logger"
)

// Service names used throughout the host.
const (
	ServiceAPI     = "api"
	ServiceGateway = "gateway"
)

// Environment variables consulted when the file leaves a value unset.
const (
	EnvAPIHost      = "SVCGUARD_API_HOST"
	EnvAPIPort      = "SVCGUARD_API_PORT"
	EnvAPIKey       = "SVCGUARD_API_KEY"
	EnvGatewayHost  = "SVCGUARD_GATEWAY_HOST"
	EnvGatewayPort  = "SVCGUARD_GATEWAY_PORT"
	EnvMode         = "SVCGUARD_MODE"
	EnvResourcesDir = "SVCGUARD_RESOURCES_DIR"
	EnvDataDir      = "SVCGUARD_DATA_DIR"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultAPIPort     = 8787
	DefaultGatewayPort = 8788
	DefaultMode        = "dev"
)

// Config is the top-level file structure. TOML, YAML and JSON are accepted;
// the format follows the file extension.
type Config struct {
	Mode         string   `mapstructure:"mode"`
	ResourcesDir string   `mapstructure:"resources_dir"`
	DataDir      string   `mapstructure:"data_dir"`
	LogDir       string   `mapstructure:"log_dir"`
	Env          []string `mapstructure:"env"`
	EnvFiles     []string `mapstructure:"env_files"`

	Log     logger.Config `mapstructure:"log"`
	API     ServiceConfig `mapstructure:"api"`
	Gateway ServiceConfig `mapstructure:"gateway"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`

	path string
}

type InvocationConfig struct {
	Path    string   `mapstructure:"path"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"workdir"`
}

type CommandConfig struct {
	Dev      InvocationConfig `mapstructure:"dev"`
	Packaged InvocationConfig `mapstructure:"packaged"`
}

type ReadinessConfig struct {
	Type    string        `mapstructure:"type"`
	Path    string        `mapstructure:"path"`
	URL     string        `mapstructure:"url"`
	Method  string        `mapstructure:"method"`
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DataStoreConfig struct {
	Path           string        `mapstructure:"path"`
	Template       string        `mapstructure:"template"`
	MigrateCommand []string      `mapstructure:"migrate_command"`
	Schema         []string      `mapstructure:"schema"`
	RequiredTables []string      `mapstructure:"required_tables"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type ServiceConfig struct {
	Disabled bool   `mapstructure:"disabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	APIKey   string `mapstructure:"api_key"`

	Command   CommandConfig      `mapstructure:"command"`
	Env       []string           `mapstructure:"env"`
	Readiness ReadinessConfig    `mapstructure:"readiness"`
	DataStore DataStoreConfig    `mapstructure:"datastore"`
	PIDFile   string             `mapstructure:"pidfile"`
	Log       *logger.FileConfig `mapstructure:"log"`

	StartupTimeout     time.Duration `mapstructure:"startup_timeout"`
	ReadyPollInterval  time.Duration `mapstructure:"ready_poll_interval"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	PortReleaseTimeout time.Duration `mapstructure:"port_release_timeout"`
	RestartGap         time.Duration `mapstructure:"restart_gap"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	RestartMultiplier  float64       `mapstructure:"restart_multiplier"`
	RestartMaxDelay    time.Duration `mapstructure:"restart_max_delay"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// HistoryConfig lists lifecycle event sinks by DSN, e.g.
// "sqlite:///var/lib/svcguard/history.db" or "postgres://...".
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "127.0.0.1:8790")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.sample_interval", "10s")
	for _, svc := range []string{ServiceAPI, ServiceGateway} {
		v.SetDefault(svc+".startup_timeout", "30s")
		v.SetDefault(svc+".ready_poll_interval", "1s")
		v.SetDefault(svc+".settle_delay", "500ms")
		v.SetDefault(svc+".health_interval", "10s")
		v.SetDefault(svc+".unhealthy_threshold", 3)
		v.SetDefault(svc+".shutdown_timeout", "10s")
		v.SetDefault(svc+".port_release_timeout", "5s")
		v.SetDefault(svc+".restart_gap", "2s")
		v.SetDefault(svc+".max_restart_attempts", 3)
		v.SetDefault(svc+".restart_delay", "2s")
	}
	v.SetDefault("api.readiness.type", "http")
	v.SetDefault("api.readiness.path", "/health")
	v.SetDefault("gateway.readiness.type", "tcp")
}

// Load reads path (which may be empty for defaults only) and resolves
// host, port, credential and directory settings against the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.path = path
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) resolve() error {
	c.Mode = Resolve(c.Mode, EnvMode, DefaultMode)
	if c.Mode != "dev" && c.Mode != "packaged" {
		return fmt.Errorf("mode must be dev or packaged, got %q", c.Mode)
	}
	wd, _ := os.Getwd()
	c.ResourcesDir = Resolve(c.ResourcesDir, EnvResourcesDir, wd)
	c.DataDir = Resolve(c.DataDir, EnvDataDir, filepath.Join(c.ResourcesDir, "data"))
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}

	var err error
	c.API.Host = Resolve(c.API.Host, EnvAPIHost, DefaultHost)
	if c.API.Port, err = ResolveInt(c.API.Port, EnvAPIPort, DefaultAPIPort); err != nil {
		return err
	}
	c.API.APIKey = Resolve(c.API.APIKey, EnvAPIKey, "")
	c.Gateway.Host = Resolve(c.Gateway.Host, EnvGatewayHost, DefaultHost)
	if c.Gateway.Port, err = ResolveInt(c.Gateway.Port, EnvGatewayPort, DefaultGatewayPort); err != nil {
		return err
	}
	// the gateway authenticates against the API with the same key
	c.Gateway.APIKey = Resolve(c.Gateway.APIKey, EnvAPIKey, c.API.APIKey)
	if !c.Gateway.Disabled && c.API.Port == c.Gateway.Port {
		return fmt.Errorf("api and gateway cannot share port %d", c.API.Port)
	}
	return nil
}

// Resolve applies explicit > environment variable > default.
func Resolve(explicit, envKey, def string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if envKey != "" {
		if v, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return def
}

// ResolveInt is Resolve for ports and counts; zero counts as unset.
func ResolveInt(explicit int, envKey string, def int) (int, error) {
	if explicit != 0 {
		return explicit, nil
	}
	if envKey != "" {
		if v, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("%s: %w", envKey, err)
			}
			return n, nil
		}
	}
	return def, nil
}

// Service returns the settings of the named service.
func (c *Config) Service(name string) (ServiceConfig, error) {
	switch name {
	case ServiceAPI:
		return c.API, nil
	case ServiceGateway:
		return c.Gateway, nil
	default:
		return ServiceConfig{}, fmt.Errorf("unknown service %q", name)
	}
}

// GlobalEnv merges env_files in order, then the inline env list.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		if !filepath.IsAbs(p) && c.path != "" {
			p = filepath.Join(filepath.Dir(c.path), p)
		}
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are ignored, as is a leading "export ".
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		out = append(out, k+"="+v)
	}
	return out, nil
}

var ErrNoConfigFile = errors.New("no config file to watch")
