package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SPENDO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "advisor.base_url", typ: kString, env: "SPENDO_ADVISOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Advisor.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Advisor.BaseURL },
	},
	{
		key: "advisor.api_key", typ: kString, env: "SPENDO_ADVISOR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Advisor.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Advisor.APIKey },
	},
	{
		key: "advisor.model", typ: kString, env: "SPENDO_ADVISOR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Advisor.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Advisor.Model },
	},
	{
		key: "accounts.base_url", typ: kString, env: "SPENDO_ACCOUNTS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Accounts.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Accounts.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SPENDO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "SPENDO_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "log.level", typ: kString, env: "SPENDO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
