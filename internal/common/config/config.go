// Package config provides configuration management for solarbus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for solarbus.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Moon        MoonConfig        `mapstructure:"moon"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
}

// ServerConfig holds HTTP server configuration for the sun gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig selects the envelope store backend.
type StoreConfig struct {
	// Driver is one of: memory, sqlite, postgres.
	Driver string `mapstructure:"driver"`

	// SQLitePath is the database file used when driver=sqlite.
	SQLitePath string `mapstructure:"sqlitePath"`

	// MaxEnvelopeBytes bounds the serialized payload size accepted on append.
	MaxEnvelopeBytes int `mapstructure:"maxEnvelopeBytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration (driver=postgres).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS router configuration. An empty URL selects the
// in-memory router.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the presence tracker backend. An empty URL selects the
// in-memory tracker.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CoordinatorConfig holds the aggregation state machine knobs.
type CoordinatorConfig struct {
	// TaskTimeoutSec is the fan-in wait per task before escalating to
	// needs_human.
	TaskTimeoutSec int `mapstructure:"taskTimeoutSec"`

	// RetryBudget is how many sibling errors per task are retried before
	// escalating.
	RetryBudget int `mapstructure:"retryBudget"`

	// StaleFactor multiplies an agent's heartbeat interval to decide when a
	// silent coordinator may be taken over.
	StaleFactor int `mapstructure:"staleFactor"`
}

// MoonConfig holds the client runtime configuration for moond.
type MoonConfig struct {
	// SunURL is the base URL of the sun gateway, e.g. http://localhost:8080.
	SunURL string `mapstructure:"sunUrl"`

	AgentName string `mapstructure:"agentName"`
	HumanID   string `mapstructure:"humanId"`
	ProjectID string `mapstructure:"projectId"`

	// Role is "worker" or "coordinator".
	Role string `mapstructure:"role"`

	Capabilities         []string `mapstructure:"capabilities"`
	HeartbeatIntervalSec int      `mapstructure:"heartbeatIntervalSec"`

	// AnthropicModel enables the LLM worker handler when set and
	// ANTHROPIC_API_KEY is present; otherwise the deterministic handler runs.
	AnthropicModel string `mapstructure:"anthropicModel"`

	// StatePath is the sqlite file holding the moon's commit markers and
	// consumer cursors. Processing stays exactly-once across restarts only
	// if this file survives them.
	StatePath string `mapstructure:"statePath"`
}

// BootstrapConfig seeds project memberships at startup. Membership writes
// are an admin operation with no public endpoint, so a fresh deployment
// needs at least one human granted here before anything can publish.
type BootstrapConfig struct {
	// Memberships is a comma-separated list of humanID:projectID[:role]
	// entries, e.g. "ada:proj-1:owner,grace:proj-1". Role defaults to
	// member. Seeding is idempotent across restarts.
	Memberships string `mapstructure:"memberships"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TaskTimeout returns the fan-in wait as a time.Duration.
func (c *CoordinatorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

// HeartbeatInterval returns the moon heartbeat period as a time.Duration.
func (m *MoonConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SOLARBUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - sqlite keeps single-node deployments durable out of
	// the box; memory is for tests
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlitePath", "solarbus.db")
	v.SetDefault("store.maxEnvelopeBytes", 256*1024)

	// Database defaults (driver=postgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "solarbus")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "solarbus")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory router
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "solarbus")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty URL means use the in-memory presence tracker
	v.SetDefault("redis.url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Coordinator defaults
	v.SetDefault("coordinator.taskTimeoutSec", 120)
	v.SetDefault("coordinator.retryBudget", 2)
	v.SetDefault("coordinator.staleFactor", 3)

	// Moon defaults
	v.SetDefault("moon.sunUrl", "http://localhost:8080")
	v.SetDefault("moon.agentName", "")
	v.SetDefault("moon.humanId", "")
	v.SetDefault("moon.projectId", "")
	v.SetDefault("moon.role", "worker")
	v.SetDefault("moon.capabilities", []string{})
	v.SetDefault("moon.heartbeatIntervalSec", 15)
	v.SetDefault("moon.anthropicModel", "")
	v.SetDefault("moon.statePath", "moond.db")

	// Bootstrap defaults - empty means no seeding
	v.SetDefault("bootstrap.memberships", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SOLARBUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/solarbus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SOLARBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("store.sqlitePath", "SOLARBUS_STORE_SQLITE_PATH")
	_ = v.BindEnv("database.dbName", "SOLARBUS_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "SOLARBUS_DATABASE_SSL_MODE")
	_ = v.BindEnv("moon.sunUrl", "SOLARBUS_MOON_SUN_URL")
	_ = v.BindEnv("moon.agentName", "SOLARBUS_MOON_AGENT_NAME")
	_ = v.BindEnv("moon.humanId", "SOLARBUS_MOON_HUMAN_ID")
	_ = v.BindEnv("moon.projectId", "SOLARBUS_MOON_PROJECT_ID")
	_ = v.BindEnv("moon.anthropicModel", "SOLARBUS_MOON_ANTHROPIC_MODEL")
	_ = v.BindEnv("moon.statePath", "SOLARBUS_MOON_STATE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/solarbus/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Store validation
	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlitePath is required when store.driver is sqlite")
	}
	if cfg.Store.MaxEnvelopeBytes <= 0 {
		errs = append(errs, "store.maxEnvelopeBytes must be positive")
	}

	// Database validation - only when the postgres driver is selected
	if cfg.Store.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when store.driver is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when store.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when store.driver is postgres")
		}
	}

	// NATS and Redis are optional - empty URL selects the in-memory
	// implementations

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Coordinator validation
	if cfg.Coordinator.TaskTimeoutSec <= 0 {
		errs = append(errs, "coordinator.taskTimeoutSec must be positive")
	}
	if cfg.Coordinator.RetryBudget < 0 {
		errs = append(errs, "coordinator.retryBudget must not be negative")
	}
	if cfg.Coordinator.StaleFactor < 2 {
		errs = append(errs, "coordinator.staleFactor must be at least 2")
	}

	// Moon validation - role matters only for moond, but a bad value is
	// always a typo
	if cfg.Moon.Role != "worker" && cfg.Moon.Role != "coordinator" {
		errs = append(errs, "moon.role must be one of: worker, coordinator")
	}
	if cfg.Moon.HeartbeatIntervalSec <= 0 {
		errs = append(errs, "moon.heartbeatIntervalSec must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
