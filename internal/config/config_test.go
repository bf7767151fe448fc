package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HARVESTER_NAME", "cycler-01")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "cycler-01", cfg.Harvester.Name)
	assert.Equal(t, time.Minute, cfg.Harvester.ScanInterval)
	assert.Equal(t, 60*time.Second, cfg.Harvester.StableTime)
	assert.True(t, cfg.Harvester.CheckOpenHandles)
	assert.Zero(t, cfg.Harvester.RetryAfter)
	assert.Equal(t, 3, cfg.Harvester.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Harvester.ImportingTimeout)
	assert.Equal(t, 1000, cfg.Harvester.BatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HARVESTER_NAME", "cycler-02")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("SCAN_INTERVAL", "30s")
	t.Setenv("STABLE_TIME", "2m")
	t.Setenv("IMPORT_RETRY_AFTER", "15m")
	t.Setenv("CHECK_OPEN_HANDLES", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 30*time.Second, cfg.Harvester.ScanInterval)
	assert.Equal(t, 2*time.Minute, cfg.Harvester.StableTime)
	assert.Equal(t, 15*time.Minute, cfg.Harvester.RetryAfter)
	assert.False(t, cfg.Harvester.CheckOpenHandles)
}

func TestLoadConfigRequiresHarvesterName(t *testing.T) {
	t.Setenv("HARVESTER_NAME", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: DriverMySQL, Port: 3306},
			Harvester: HarvesterConfig{
				Name:             "h",
				ScanInterval:     time.Second,
				StableTime:       time.Second,
				MaxAttempts:      1,
				ImportingTimeout: time.Second,
				BatchSize:        1,
			},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"bad port", func(c *Config) { c.Database.Port = 0 }},
		{"zero interval", func(c *Config) { c.Harvester.ScanInterval = 0 }},
		{"zero stable time", func(c *Config) { c.Harvester.StableTime = 0 }},
		{"negative retry", func(c *Config) { c.Harvester.RetryAfter = -time.Second }},
		{"zero attempts", func(c *Config) { c.Harvester.MaxAttempts = 0 }},
		{"zero importing timeout", func(c *Config) { c.Harvester.ImportingTimeout = 0 }},
		{"zero batch", func(c *Config) { c.Harvester.BatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	sqlite := valid()
	sqlite.Database = DatabaseConfig{Driver: DriverSQLite}
	assert.NoError(t, sqlite.Validate(), "sqlite needs no port")
}

func TestDSN(t *testing.T) {
	mysql := DatabaseConfig{Driver: DriverMySQL, User: "u", Password: "p", Host: "db", Port: 3306, Database: "h", Charset: "utf8mb4"}
	assert.Equal(t, "u:p@tcp(db:3306)/h?charset=utf8mb4&parseTime=True&loc=Local", mysql.DSN())

	pg := DatabaseConfig{Driver: DriverPostgres, User: "u", Password: "p", Host: "db", Port: 5432, Database: "h", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=h sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: DriverSQLite, Path: "/tmp/h.db"}
	assert.Equal(t, "/tmp/h.db", lite.DSN())
}
