package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  dbname: plans.db
providers:
  primary: dify
  fallback: gemini
  base_delay: 500ms
  items:
    - name: dify
      type: dify
      base_url: http://dify.local/v1
    - name: gemini
      type: gemini
      model: gemini-2.0-flash
batch:
  time_zones: [Europe/Istanbul, UTC]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "plans.db", cfg.Database.ConnString())
	assert.Equal(t, 500*time.Millisecond, cfg.Providers.BaseDelay)
	assert.Equal(t, 3, cfg.Providers.MaxAttempts)
	assert.Equal(t, 25*time.Second, cfg.Pipeline.OnDemandTimeout)
	assert.Equal(t, 50, cfg.Analyzer.LogLimit)
	assert.Equal(t, []string{"Europe/Istanbul", "UTC"}, cfg.Batch.TimeZones)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("api keys fill empty provider keys by type", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")
		t.Setenv("DIFY_API_KEY", "d-key")

		cfg := Default()
		cfg.Providers.Items = []ProviderConfig{
			{Name: "gemini", Type: "gemini"},
			{Name: "dify", Type: "dify", APIKey: "from-file"},
		}
		cfg.applyEnvOverrides()

		assert.Equal(t, "g-key", cfg.Providers.Items[0].APIKey)
		assert.Equal(t, "from-file", cfg.Providers.Items[1].APIKey)
	})

	t.Run("database dsn and redis addr", func(t *testing.T) {
		t.Setenv("STUDYPLAN_DB_DSN", "user:pw@tcp(db:3306)/plans")
		t.Setenv("REDIS_ADDR", "redis:6379")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "user:pw@tcp(db:3306)/plans", cfg.Database.ConnString())
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"too many attempts", func(c *Config) { c.Providers.MaxAttempts = 5 }},
		{"duplicate provider", func(c *Config) {
			c.Providers.Items = []ProviderConfig{{Name: "a", Type: "gemini"}, {Name: "a", Type: "openai"}}
		}},
		{"bad time zone", func(c *Config) { c.Batch.TimeZones = []string{"Mars/Olympus"} }},
		{"log limit above 50", func(c *Config) { c.Analyzer.LogLimit = 80 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{Driver: "mysql", User: "u", Password: "p", Host: "h", Port: 3306, DBName: "n", Charset: "utf8mb4"}
	assert.Equal(t, "u:p@tcp(h:3306)/n?charset=utf8mb4&parseTime=True&loc=Local", d.ConnString())

	d.Driver = "postgres"
	d.Port = 5432
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=n sslmode=disable", d.ConnString())
}
