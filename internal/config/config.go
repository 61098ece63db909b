// Package config provides configuration management for the factory events service.
//
// Configuration is loaded from:
// 1. config.yaml file (optional, or an explicit path)
// 2. Environment variables (DATABASE_DRIVER, INGEST_FUTURE_HORIZON, ...)
// 3. Default values
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PratikDhanave/factory-events-service/internal/store"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Log      LogConfig      `mapstructure:"log"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres

	// URL is the PostgreSQL DSN.
	URL string `mapstructure:"url"`
	// Path is the SQLite file, or ":memory:".
	Path string `mapstructure:"path"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// StoreOptions maps the database settings onto store.Options.
func (c DatabaseConfig) StoreOptions() store.Options {
	return store.Options{
		Driver:          c.Driver,
		URL:             c.URL,
		Path:            c.Path,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
		MaxConnIdleTime: c.MaxConnIdleTime,
	}
}

// IngestConfig contains batch ingestion rules.
type IngestConfig struct {
	// FutureHorizon is how far ahead of server time an eventTime may be.
	// Staging environments that replay fixtures typically raise it to 48h.
	FutureHorizon time.Duration `mapstructure:"future_horizon"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// MQTTConfig contains the optional MQTT ingestion transport settings.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
	Workers  int    `mapstructure:"workers"`
}

// Load reads configuration from file and environment variables. An empty
// path searches the default locations and tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/factory-events")
	}

	// Maps nested config: ingest.future_horizon → INGEST_FUTURE_HORIZON
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q",
			store.DriverSQLite, store.DriverPostgres, c.Database.Driver)
	}
	if c.Ingest.FutureHorizon <= 0 {
		return errors.New("ingest.future_horizon must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			return errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database
	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "data/events.db")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")

	// Ingest
	v.SetDefault("ingest.future_horizon", "15m")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "factory/+/events")
	v.SetDefault("mqtt.client_id", "factory-events-service")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.workers", 8)
}
