package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("ENGINE_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "./data/sessions.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Engine.Timeout != 30*time.Second {
		t.Errorf("expected 30s engine timeout, got %v", cfg.Engine.Timeout)
	}
	if cfg.Engine.Transport != "process" {
		t.Errorf("expected process transport, got %q", cfg.Engine.Transport)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/legacy.db")
	t.Setenv("DB_PATH", "")
	t.Setenv("ENGINE_TIMEOUT", "45")
	t.Setenv("SHUTDOWN_TIMEOUT", "2m")
	t.Setenv("ENGINE_TRANSPORT", "GRPC")
	t.Setenv("MAX_OPEN_TRADES", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/legacy.db" {
		t.Errorf("expected DATABASE_PATH fallback, got %q", cfg.DBPath)
	}
	if cfg.Engine.Timeout != 45*time.Second {
		t.Errorf("bare seconds should parse, got %v", cfg.Engine.Timeout)
	}
	if cfg.ShutdownTimeout != 2*time.Minute {
		t.Errorf("expected 2m, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Engine.Transport != "grpc" {
		t.Errorf("transport should be lower-cased, got %q", cfg.Engine.Transport)
	}
	if cfg.MaxOpenTrades != 3 {
		t.Errorf("expected 3, got %d", cfg.MaxOpenTrades)
	}
}
