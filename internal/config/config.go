package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Database  DatabaseConfig
	Harvester HarvesterConfig
	Telemetry TelemetryConfig
	LogLevel  string
	LogFormat string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Charset  string
	SSLMode  string
	Path     string
}

type HarvesterConfig struct {
	Name        string
	Institution string
	// BasePath는 상대 경로로 등록된 monitored path를 해석할 때 기준이 된다.
	BasePath         string
	ScanInterval     time.Duration
	StableTime       time.Duration
	CheckOpenHandles bool
	RetryAfter       time.Duration
	MaxAttempts      int
	ImportingTimeout time.Duration
	BatchSize        int
	WatchEnabled     bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Database: v.GetString("DB_NAME"),
			Charset:  "utf8mb4",
			SSLMode:  v.GetString("DB_SSLMODE"),
			Path:     v.GetString("DB_PATH"),
		},
		Harvester: HarvesterConfig{
			Name:             v.GetString("HARVESTER_NAME"),
			Institution:      v.GetString("HARVESTER_INSTITUTION"),
			BasePath:         v.GetString("BASE_PATH"),
			ScanInterval:     v.GetDuration("SCAN_INTERVAL"),
			StableTime:       v.GetDuration("STABLE_TIME"),
			CheckOpenHandles: v.GetBool("CHECK_OPEN_HANDLES"),
			RetryAfter:       v.GetDuration("IMPORT_RETRY_AFTER"),
			MaxAttempts:      v.GetInt("IMPORT_MAX_ATTEMPTS"),
			ImportingTimeout: v.GetDuration("IMPORTING_TIMEOUT"),
			BatchSize:        v.GetInt("IMPORT_BATCH_SIZE"),
			WatchEnabled:     v.GetBool("WATCH_ENABLED"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("TELEMETRY_ENABLED"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", DriverMySQL)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "harvester")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_PATH", "harvester.db")

	v.SetDefault("HARVESTER_NAME", "")
	v.SetDefault("HARVESTER_INSTITUTION", "")
	v.SetDefault("BASE_PATH", "")
	v.SetDefault("SCAN_INTERVAL", time.Minute)
	v.SetDefault("STABLE_TIME", 60*time.Second)
	v.SetDefault("CHECK_OPEN_HANDLES", true)
	v.SetDefault("IMPORT_RETRY_AFTER", time.Duration(0))
	v.SetDefault("IMPORT_MAX_ATTEMPTS", 3)
	v.SetDefault("IMPORTING_TIMEOUT", time.Hour)
	v.SetDefault("IMPORT_BATCH_SIZE", 1000)
	v.SetDefault("WATCH_ENABLED", false)

	v.SetDefault("TELEMETRY_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("지원하지 않는 DB_DRIVER 값: %q", c.Database.Driver)
	}

	if c.Database.Driver != DriverSQLite && (c.Database.Port <= 0 || c.Database.Port > 65535) {
		return fmt.Errorf("잘못된 DB_PORT 값: %d", c.Database.Port)
	}

	if c.Harvester.Name == "" {
		return fmt.Errorf("HARVESTER_NAME 환경 변수가 설정되지 않았습니다")
	}

	if c.Harvester.ScanInterval <= 0 {
		return fmt.Errorf("잘못된 SCAN_INTERVAL 값: %s", c.Harvester.ScanInterval)
	}

	if c.Harvester.StableTime <= 0 {
		return fmt.Errorf("잘못된 STABLE_TIME 값: %s", c.Harvester.StableTime)
	}

	if c.Harvester.RetryAfter < 0 {
		return fmt.Errorf("잘못된 IMPORT_RETRY_AFTER 값: %s", c.Harvester.RetryAfter)
	}

	if c.Harvester.MaxAttempts < 1 {
		return fmt.Errorf("잘못된 IMPORT_MAX_ATTEMPTS 값: %d", c.Harvester.MaxAttempts)
	}

	if c.Harvester.ImportingTimeout <= 0 {
		return fmt.Errorf("잘못된 IMPORTING_TIMEOUT 값: %s", c.Harvester.ImportingTimeout)
	}

	if c.Harvester.BatchSize <= 0 {
		return fmt.Errorf("잘못된 IMPORT_BATCH_SIZE 값: %d", c.Harvester.BatchSize)
	}

	return nil
}

func (dc *DatabaseConfig) DSN() string {
	switch dc.Driver {
	case DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host,
			dc.Port,
			dc.User,
			dc.Password,
			dc.Database,
			dc.SSLMode,
		)
	case DriverSQLite:
		return dc.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			dc.User,
			dc.Password,
			dc.Host,
			dc.Port,
			dc.Database,
			dc.Charset,
		)
	}
}
