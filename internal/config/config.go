package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/imkarma/tasktree/internal/task"
)

// Environment variables that override the config file.
const (
	EnvDSN      = "TASKTREE_DSN"
	EnvLogLevel = "TASKTREE_LOG_LEVEL"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration for a tasktree workspace.
type Config struct {
	Version  int      `yaml:"version"`
	Database Database `yaml:"database"`
	Log      Log      `yaml:"log"`
	Defaults Defaults `yaml:"defaults"`
	Server   Server   `yaml:"server"`
}

// Database selects the storage backend.
type Database struct {
	Driver string `yaml:"driver"`         // "sqlite" or "postgres"
	Path   string `yaml:"path,omitempty"` // SQLite file, relative to the workspace directory
	DSN    string `yaml:"dsn,omitempty"`  // Postgres connection string
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Defaults holds values applied when a request leaves them out.
type Defaults struct {
	Priority string `yaml:"priority"`
}

// Server configures "tasktree serve".
type Server struct {
	Addr string `yaml:"addr"`
}

// DefaultPriority returns the parsed default priority.
func (c *Config) DefaultPriority() task.Priority {
	p, err := task.ParsePriority(c.Defaults.Priority)
	if err != nil {
		return task.PriorityMedium
	}
	return p
}

// Load reads and parses the config file at the given path and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config using a local SQLite database.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Database: Database{Driver: DriverSQLite, Path: "tasktree.db"},
		Log:      Log{Level: "info", Format: "text"},
		Defaults: Defaults{Priority: "medium"},
		Server:   Server{Addr: "127.0.0.1:8080"},
	}
}

// applyEnv lets the environment select Postgres and raise or lower the log
// level without editing the file.
func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		c.Database.Driver = DriverPostgres
		c.Database.DSN = dsn
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.Log.Level = lvl
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database: path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database: dsn is required for postgres (or set %s)", EnvDSN)
		}
	default:
		return fmt.Errorf("database: driver must be 'sqlite' or 'postgres', got %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log: format must be 'text' or 'json', got %q", c.Log.Format)
	}

	if _, err := task.ParsePriority(c.Defaults.Priority); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}
