// Package config loads the worker's configuration: defaults, then an
// optional TOML file, then environment variable overrides — the
// precedence order env vars always win, matching a 12-factor deploy.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store    StoreConfig    `toml:"store"`
	Queue    QueueConfig    `toml:"queue"`
	Worker   WorkerConfig   `toml:"worker"`
	Telegram TelegramConfig `toml:"telegram"`
	Observer ObserverConfig `toml:"observer"`
}

// StoreConfig selects and configures the durable Store backend.
type StoreConfig struct {
	// Backend is "postgres" or "sqlite".
	Backend  string `toml:"backend"`
	Postgres string `toml:"postgres_dsn"`
	SQLite   string `toml:"sqlite_path"`
}

// QueueConfig configures the mq/pgmq-backed Queue.
type QueueConfig struct {
	Postgres string `toml:"postgres_dsn"`
}

// WorkerConfig mirrors the Worker's functional options so a deployment
// can be tuned without a code change.
type WorkerConfig struct {
	MaxInFlight    int `toml:"max_in_flight"`
	BatchSize      int `toml:"batch_size"`
	PollTimeoutS   int `toml:"poll_timeout_s"`
	MaxPollBackoffS int `toml:"max_poll_backoff_s"`
	ShutdownGraceS int `toml:"shutdown_grace_s"`
}

type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite:  "workflows.db",
		},
		Worker: WorkerConfig{
			MaxInFlight:     8,
			BatchSize:       1,
			PollTimeoutS:    5,
			MaxPollBackoffS: 30,
			ShutdownGraceS:  30,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A
// missing or unreadable path silently falls back to defaults, since a
// deployment may configure entirely through environment variables.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "workflows.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("WORKFLOWS_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("WORKFLOWS_POSTGRES_DSN"); v != "" {
		cfg.Store.Postgres = v
		cfg.Queue.Postgres = v
	}
	if v := os.Getenv("WORKFLOWS_SQLITE_PATH"); v != "" {
		cfg.Store.SQLite = v
	}
	if v := os.Getenv("WORKFLOWS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if os.Getenv("WORKFLOWS_OBSERVER_ENABLED") == "true" || os.Getenv("WORKFLOWS_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
