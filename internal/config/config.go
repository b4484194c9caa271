// Package config loads the process configuration: defaults, then an optional
// TOML file, then RELAY_* environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	Engine    EngineConfig    `toml:"engine"`
	Session   SessionConfig   `toml:"session"`
	Database  DatabaseConfig  `toml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token string `toml:"token"`
	// AllowedUserID limits who may talk to the bot. Empty = anyone.
	AllowedUserID string `toml:"allowed_user_id"`
}

type EngineConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	// SummaryModel is used for history compaction. Empty = Model.
	SummaryModel string `toml:"summary_model"`
}

type SessionConfig struct {
	SystemPrompt string `toml:"system_prompt"`
	// BudgetChars is the history character budget before compaction.
	// 0 = library default.
	BudgetChars int `toml:"budget_chars"`
	// WatchdogSeconds is the per-turn silence window. 0 = library default.
	WatchdogSeconds int `toml:"watchdog_seconds"`
	// StalenessHours is how old a checkpoint may be and still be restored.
	// Negative disables the check. 0 = library default.
	StalenessHours int `toml:"staleness_hours"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
	// PostgresURL switches checkpointing to Postgres when set.
	PostgresURL string `toml:"postgres_url"`
}

type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
	// PollSeconds is the due-task poll interval.
	PollSeconds int `toml:"poll_seconds"`
	// TimezoneOffset is the UTC offset in hours used to resolve schedule
	// strings like "07:30 daily".
	TimezoneOffset int `toml:"timezone_offset"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
	// Endpoint is the OTLP HTTP endpoint. Empty = exporter default.
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Engine:    EngineConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Database:  DatabaseConfig{Path: "relay.db"},
		Scheduler: SchedulerConfig{PollSeconds: 30},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RELAY_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("RELAY_ENGINE_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}
	if v := os.Getenv("RELAY_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("RELAY_ENGINE_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("RELAY_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("RELAY_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	// Fallbacks
	if cfg.Engine.SummaryModel == "" {
		cfg.Engine.SummaryModel = cfg.Engine.Model
	}
	if cfg.Scheduler.PollSeconds <= 0 {
		cfg.Scheduler.PollSeconds = 30
	}

	return cfg
}
