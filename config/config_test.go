package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Write: &DatabaseEndpointConfig{Hosts: []string{"localhost"}},
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	t.Run("missing write hosts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Write = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing ai model", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Model = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("per user parallel cap", func(t *testing.T) {
		cfg := validConfig()
		cfg.DispatchQueue.PerUserParallel = 4
		assert.Error(t, cfg.Validate())
	})

	t.Run("http api needs key when enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.HTTPAPI.Start = true
		assert.Error(t, cfg.Validate())

		cfg.HTTPAPI.APIKey = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad duration string", func(t *testing.T) {
		cfg := validConfig()
		cfg.Scheduler.SweepInterval = "soon"
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[logging]
level = "debug"

[database.write]
hosts = ["db1.internal", "db2.internal"]
name = "mailflow"

[ai]
base_url = "http://localhost:11434/v1"
model = "llama3"

[plan_store]
ttl = "2d"

[dispatch_queue]
per_user_parallel = 2
`), 0o600))

	cfg := validConfig()
	cfg.Logging.Level = "info"
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"db1.internal", "db2.internal"}, cfg.Database.Write.Hosts)
	assert.Equal(t, "llama3", cfg.AI.Model)
	assert.Equal(t, 2, cfg.DispatchQueue.PerUserParallel)

	ttl, err := cfg.PlanStore.GetTTL()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, ttl)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := validConfig()
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.toml"), cfg))
}

func TestDurationDefaults(t *testing.T) {
	cfg := &Config{}

	timeout, err := cfg.AI.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	ttl, err := cfg.PlanStore.GetTTL()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, ttl)

	sweep, err := cfg.Scheduler.GetSweepInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, sweep)

	stuck, err := cfg.DispatchQueue.GetStuckJobThreshold()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, stuck)
}
