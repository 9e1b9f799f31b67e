// Package config loads the controller configuration from an optional YAML file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "APP_CICD_"

// connsPerWorker is the number of pooled connections one running task may hold at once.
const connsPerWorker = 3

const (
	// StorePostgres keeps the records in postgres.
	StorePostgres = "postgres"
	// StoreMemory keeps the records in the process, for local runs.
	StoreMemory = "memory"
)

// Config holds the controller configuration.
type Config struct {
	Store         string         `koanf:"store"`
	DB            DBConfig       `koanf:"db"`
	HTTP          HTTPConfig     `koanf:"http"`
	ProjectPrefix string         `koanf:"project_prefix"`
	SSH           SSHConfig      `koanf:"ssh"`
	Workers       WorkersConfig  `koanf:"workers"`
	Task          TaskConfig     `koanf:"task"`
	Poller        PollerConfig   `koanf:"poller"`
	Release       ReleaseConfig  `koanf:"release"`
	Ticket        TicketConfig   `koanf:"ticket"`
	Log           LogConfig      `koanf:"log"`
	Instance      InstanceConfig `koanf:"instance"`
}

// DBConfig holds the connection of the controller database.
type DBConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	// MaxConns bounds the connection pool. A busy worker pins up to two connections with the
	// project and release locks while it queries on a third one.
	MaxConns int32  `koanf:"max_conns"`
}

// DSN returns the connection string of the database.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// HTTPConfig holds the REST API server configuration.
type HTTPConfig struct {
	Port      int    `koanf:"port"`
	HTTPSCrt  string `koanf:"https_crt"`
	HTTPSKey  string `koanf:"https_key"`
	AccessKey string `koanf:"access_key"`
}

// SSHConfig holds the remote shell defaults.
type SSHConfig struct {
	// KeyFile is used for the machines without their own key.
	KeyFile        string        `koanf:"key_file"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	Grace          time.Duration `koanf:"grace"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// WorkersConfig holds the task worker pool configuration.
type WorkersConfig struct {
	Count             int           `koanf:"count"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	StaleAfter        time.Duration `koanf:"stale_after"`
}

// TaskConfig holds the retry and retention policy of the tasks.
type TaskConfig struct {
	MaxRetries     int           `koanf:"max_retries"`
	TimeoutRetries int           `koanf:"timeout_retries"`
	TimeoutBackoff time.Duration `koanf:"timeout_backoff"`
	KeepDays       int           `koanf:"keep_days"`
}

// PollerConfig holds the periodic jobs configuration.
type PollerConfig struct {
	FetchInterval time.Duration `koanf:"fetch_interval"`
}

// ReleaseConfig holds the release orchestrator configuration.
type ReleaseConfig struct {
	IntegrationRetries int `koanf:"integration_retries"`
}

// TicketConfig holds the ticket system endpoint, empty disables the notifications.
type TicketConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig holds the logger configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// InstanceConfig holds the branch instance settings.
type InstanceConfig struct {
	OldFolderKeepMinutes int `koanf:"old_folder_keep_minutes"`
	// ComposeTemplate and SettingsTemplate are optional files replacing the built-in templates.
	ComposeTemplate  string `koanf:"compose_template"`
	SettingsTemplate string `koanf:"settings_template"`
}

// Load reads the file when the path is set, then the environment, and applies the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.WrapContext(err, errors.Context{
				Path:   "config.Load.File",
				Params: errors.Params{"path": path},
			})
		}
	}
	err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return Config{}, errors.WrapContext(err, errors.Context{Path: "config.Load.Env"})
	}
	var cfg Config
	if err = k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.WrapContext(err, errors.Context{Path: "config.Load.Unmarshal"})
	}
	cfg.setDefaults()
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Store == "" {
		c.Store = StorePostgres
	}
	if c.DB.Host == "" {
		c.DB.Host = "localhost"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Name == "" {
		c.DB.Name = "cicd"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.ProjectPrefix == "" {
		c.ProjectPrefix = "cicd"
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = 10 * time.Second
	}
	if c.SSH.Grace == 0 {
		c.SSH.Grace = 10 * time.Second
	}
	if c.SSH.DefaultTimeout == 0 {
		c.SSH.DefaultTimeout = 8 * time.Hour
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = time.Second
	}
	if c.Workers.HeartbeatInterval == 0 {
		c.Workers.HeartbeatInterval = 10 * time.Second
	}
	if c.Workers.StaleAfter == 0 {
		c.Workers.StaleAfter = 2 * time.Minute
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = int32(c.Workers.Count*connsPerWorker + 4)
	}
	if c.Task.TimeoutRetries == 0 {
		c.Task.TimeoutRetries = 2
	}
	if c.Task.TimeoutBackoff == 0 {
		c.Task.TimeoutBackoff = time.Minute
	}
	if c.Task.KeepDays == 0 {
		c.Task.KeepDays = 30
	}
	if c.Poller.FetchInterval == 0 {
		c.Poller.FetchInterval = 30 * time.Second
	}
	if c.Release.IntegrationRetries == 0 {
		c.Release.IntegrationRetries = 3
	}
	if c.Log.Format == "" {
		c.Log.Format = "logfmt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Instance.OldFolderKeepMinutes == 0 {
		c.Instance.OldFolderKeepMinutes = 60
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return errtype.Misconfigured("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.HTTP.AccessKey == "" {
		return errtype.Misconfigured("http.access_key cannot be empty")
	}
	if (c.HTTP.HTTPSCrt == "") != (c.HTTP.HTTPSKey == "") {
		return errtype.Misconfigured("http.https_crt and http.https_key must be set together")
	}
	if strings.ContainsAny(c.ProjectPrefix, " !?#/\\+:,") {
		return errtype.Misconfigured("project_prefix %q contains forbidden characters", c.ProjectPrefix)
	}
	if c.Workers.Count < 1 {
		return errtype.Misconfigured("workers.count must be positive (got %d)", c.Workers.Count)
	}
	if need := c.Workers.Count*connsPerWorker + 2; c.Store == StorePostgres && int(c.DB.MaxConns) < need {
		return errtype.Misconfigured("db.max_conns must be at least %d for %d workers (got %d)",
			need, c.Workers.Count, c.DB.MaxConns)
	}
	if c.Task.MaxRetries < 0 || c.Task.TimeoutRetries < 0 || c.Task.KeepDays < 0 {
		return errtype.Misconfigured("task retries and keep_days cannot be negative")
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return errtype.Misconfigured("log.format must be logfmt or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errtype.Misconfigured("unknown log.level %q", c.Log.Level)
	}
	return nil
}
