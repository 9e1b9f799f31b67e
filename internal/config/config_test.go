package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_CICD_HTTP__ACCESS_KEY", "key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "cicd", cfg.ProjectPrefix)
	assert.Equal(t, 30*time.Second, cfg.Poller.FetchInterval)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, int32(16), cfg.DB.MaxConns)
	assert.Equal(t, "logfmt", cfg.Log.Format)
	assert.Equal(t, "host=localhost port=5432 user= password= dbname=cicd sslmode=disable", cfg.DB.DSN())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
store: memory
project_prefix: acme
http:
  port: 9000
  access_key: from-file
workers:
  count: 2
  poll_interval: 250ms
ssh:
  default_timeout: 1h
`)
	t.Setenv("APP_CICD_HTTP__ACCESS_KEY", "from-env")
	t.Setenv("APP_CICD_TICKET__ADDR", "tickets:9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "acme", cfg.ProjectPrefix)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, "from-env", cfg.HTTP.AccessKey)
	assert.Equal(t, "tickets:9090", cfg.Ticket.Addr)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 250*time.Millisecond, cfg.Workers.PollInterval)
	assert.Equal(t, time.Hour, cfg.SSH.DefaultTimeout)
}

func TestPoolFollowsWorkers(t *testing.T) {
	path := writeConfig(t, `
workers:
  count: 10
`)
	t.Setenv("APP_CICD_HTTP__ACCESS_KEY", "key")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int32(34), cfg.DB.MaxConns)

	t.Setenv("APP_CICD_DB__MAX_CONNS", "10")
	_, err = Load(path)
	assert.True(t, errors.Is(err, errtype.ErrMisconfigured))

	// the in-process store holds no connections
	t.Setenv("APP_CICD_STORE", "memory")
	_, err = Load(path)
	assert.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{HTTP: HTTPConfig{AccessKey: "key"}}
		c.setDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"store":      func(c *Config) { c.Store = "redis" },
		"access key": func(c *Config) { c.HTTP.AccessKey = "" },
		"tls pair":   func(c *Config) { c.HTTP.HTTPSCrt = "server.crt" },
		"prefix":     func(c *Config) { c.ProjectPrefix = "a/b" },
		"workers":    func(c *Config) { c.Workers.Count = -1 },
		"pool size":  func(c *Config) { c.DB.MaxConns = int32(c.Workers.Count) },
		"busy pool":  func(c *Config) { c.Workers.Count = 8 },
		"retries":    func(c *Config) { c.Task.MaxRetries = -1 },
		"format":     func(c *Config) { c.Log.Format = "xml" },
		"level":      func(c *Config) { c.Log.Level = "trace" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errtype.ErrMisconfigured))
		})
	}
}
