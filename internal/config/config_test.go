package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/imkarma/tasktree/internal/task"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	p := writeConfig(t, `version: 1
database:
  driver: sqlite
  path: data.db
log:
  level: debug
  format: json
defaults:
  priority: high
server:
  addr: ":9000"
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected version 1, got %d", cfg.Version)
	}
	if cfg.Database.Path != "data.db" {
		t.Fatalf("expected data.db, got %s", cfg.Database.Path)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.DefaultPriority() != task.PriorityHigh {
		t.Fatalf("expected high default priority, got %s", cfg.DefaultPriority())
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("expected :9000, got %s", cfg.Server.Addr)
	}
}

func TestLoad_FillsDefaults(t *testing.T) {
	p := writeConfig(t, "version: 1\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := DefaultConfig()
	if *cfg != *def {
		t.Fatalf("expected defaults %+v, got %+v", def, cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"sqlite without path", "database:\n  driver: sqlite\n  path: \"\"\n"},
		{"postgres without dsn", "database:\n  driver: postgres\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"bad default priority", "defaults:\n  priority: urgent\n"},
		{"not yaml", "version: [1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDSN, "postgres://localhost/tasktree")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeConfig(t, "version: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://localhost/tasktree" {
		t.Fatalf("expected postgres from env, got %+v", cfg.Database)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected warn from env, got %s", cfg.Log.Level)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSave_And_Reload(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Defaults.Priority = "low"
	cfg.Server.Addr = ":7000"

	if err := Save(p, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.DefaultPriority() != task.PriorityLow {
		t.Fatalf("default priority lost after round-trip: got %s", loaded.DefaultPriority())
	}
	if loaded.Server.Addr != ":7000" {
		t.Fatalf("server addr lost after round-trip: got %s", loaded.Server.Addr)
	}
}
