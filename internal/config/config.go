// Package config loads service configuration from a JSON file at
// $XDG_CONFIG_HOME/spendo/config.json with SPENDO_* environment
// overrides.
package config

import (
	"fmt"
)

type Config struct {
	Server   ServerConfig
	Advisor  AdvisorConfig
	Accounts AccountsConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type AdvisorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AccountsConfig struct {
	BaseURL string
}

type StorageConfig struct {
	DataDir string
	Backend string // "sqlite" or "memory"
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Advisor: AdvisorConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Accounts: AccountsConfig{
			BaseURL: "http://localhost:8001",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend and applies
// SPENDO_* environment overrides. The advisor API key is required; it
// can only come from the environment or the file, never CLI flags.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Advisor.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: advisor API key. " +
			"Set it via environment variable SPENDO_ADVISOR_API_KEY")
	}

	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("invalid storage.backend %q: must be sqlite or memory", cfg.Storage.Backend)
	}

	return cfg, nil
}
