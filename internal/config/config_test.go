package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %s", cfg.Store.Backend)
	}
	if cfg.Worker.MaxInFlight != 8 {
		t.Errorf("expected max_in_flight 8, got %d", cfg.Worker.MaxInFlight)
	}
	if cfg.Worker.PollTimeoutS != 5 {
		t.Errorf("expected poll_timeout_s 5, got %d", cfg.Worker.PollTimeoutS)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[telegram]
token = "bot123"

[worker]
max_in_flight = 16
`), 0644)

	cfg := Load(path)
	if cfg.Telegram.Token != "bot123" {
		t.Errorf("expected bot123, got %s", cfg.Telegram.Token)
	}
	if cfg.Worker.MaxInFlight != 16 {
		t.Errorf("expected 16, got %d", cfg.Worker.MaxInFlight)
	}
	// Defaults preserved
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("default should be preserved, got %s", cfg.Store.Backend)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WORKFLOWS_TELEGRAM_TOKEN", "env-token")
	t.Setenv("WORKFLOWS_STORE_BACKEND", "postgres")
	t.Setenv("WORKFLOWS_POSTGRES_DSN", "postgres://example/db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("expected env-token, got %s", cfg.Telegram.Token)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Store.Backend)
	}
	if cfg.Queue.Postgres != "postgres://example/db" {
		t.Errorf("expected queue DSN to follow store DSN, got %s", cfg.Queue.Postgres)
	}
}
