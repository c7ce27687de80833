package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/env"
	"github.com/loykin/binarydrop/internal/logger"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/paths"
)

// EnvPrefix is the prefix of environment variables overriding file keys,
// e.g. BINARYDROP_SERVER_LISTEN for server.listen.
const EnvPrefix = "BINARYDROP"

// Config represents the top-level TOML structure.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	// Env, EnvFiles and UseOSEnv shape the base environment of every app.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Store       StoreConfig      `mapstructure:"store"`
	History     HistoryConfig    `mapstructure:"history"`
	Server      ServerConfig     `mapstructure:"server"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor"`
	AppDefaults AppDefaults      `mapstructure:"app_defaults"`
	Log         LogConfig        `mapstructure:"log"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Client      ClientConfig     `mapstructure:"client"`
}

type StoreConfig struct {
	// DSN selects the backend: sqlite://path, a bare path, or postgres://...
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	Domain       string        `mapstructure:"domain"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type SupervisorConfig struct {
	Workers      int           `mapstructure:"workers"`
	HealthTick   time.Duration `mapstructure:"health_tick"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	BackoffUnit  time.Duration `mapstructure:"backoff_unit"`
	BackoffCap   int           `mapstructure:"backoff_cap"`
}

type AppDefaults struct {
	Host            string `mapstructure:"host"`
	FirstPort       int    `mapstructure:"first_port"`
	RestartPolicy   string `mapstructure:"restart_policy"`
	MaxRestarts     int    `mapstructure:"max_restarts"`
	StartupTimeout  int    `mapstructure:"startup_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled        bool                  `mapstructure:"enabled"`
	ProcessMetrics metrics.SamplerConfig `mapstructure:"process_metrics"`
}

type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", paths.DefaultRoot())
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("store.dsn", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")

	v.SetDefault("server.listen", "0.0.0.0:80")
	v.SetDefault("server.domain", "localhost")
	v.SetDefault("server.read_timeout", 30*time.Second)
	// zero keeps log follow streams open
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("supervisor.workers", 8)
	v.SetDefault("supervisor.health_tick", time.Second)
	v.SetDefault("supervisor.restart_delay", time.Second)
	v.SetDefault("supervisor.backoff_unit", time.Second)
	v.SetDefault("supervisor.backoff_cap", 5)

	v.SetDefault("app_defaults.host", app.DefaultHost)
	v.SetDefault("app_defaults.first_port", paths.DefaultFirstPort)
	v.SetDefault("app_defaults.restart_policy", app.RestartOnFailure.String())
	v.SetDefault("app_defaults.max_restarts", app.DefaultMaxRestarts)
	v.SetDefault("app_defaults.startup_timeout", app.DefaultStartupTimeout)
	v.SetDefault("app_defaults.shutdown_timeout", app.DefaultShutdownTimeout)

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.process_metrics.enabled", false)
	v.SetDefault("metrics.process_metrics.interval", 5*time.Second)

	v.SetDefault("client.base_url", "http://admin-api.localhost")
	v.SetDefault("client.timeout", 30*time.Second)
}

// Load reads the TOML file at path (optional) on top of the defaults and
// applies BINARYDROP_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Store.DSN == "" && c.DataDir != "" {
		c.Store.DSN = "sqlite://" + c.Layout().DBPath()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if _, ok := app.ParseRestartPolicy(c.AppDefaults.RestartPolicy); !ok {
		errs = append(errs, fmt.Errorf("app_defaults.restart_policy: unknown policy %q", c.AppDefaults.RestartPolicy))
	}
	if c.Supervisor.Workers <= 0 {
		errs = append(errs, errors.New("supervisor.workers must be positive"))
	}
	if c.Supervisor.BackoffCap < 0 {
		errs = append(errs, errors.New("supervisor.backoff_cap must not be negative"))
	}
	if p := c.AppDefaults.FirstPort; p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("app_defaults.first_port %d out of range 1..65535", p))
	}
	if c.AppDefaults.MaxRestarts < 0 {
		errs = append(errs, errors.New("app_defaults.max_restarts must not be negative"))
	}
	if _, port, err := net.SplitHostPort(c.Server.Listen); err != nil || port == "" {
		errs = append(errs, fmt.Errorf("server.listen %q must be host:port", c.Server.Listen))
	}
	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) == 0 {
		return nil
	}
	return app.Wrap(app.ConfigValidation, "config", "", errors.Join(errs...))
}

func (c *Config) Layout() paths.Layout { return paths.New(c.DataDir) }

// RestartPolicy returns the parsed default policy.
func (c *Config) RestartPolicy() app.RestartPolicy {
	p, _ := app.ParseRestartPolicy(c.AppDefaults.RestartPolicy)
	return p
}

// Logger converts the log section into logger settings.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(c.Log.Format),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Path:       c.Log.File,
		},
		File: logger.FileConfig{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// AppEnv builds the base environment for app processes. Precedence: OS env
// (when use_os_env), then env_files in order, then the env list.
func (c *Config) AppEnv() (*env.Env, error) {
	e := env.New()
	if !c.UseOSEnv {
		e.Isolate()
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
