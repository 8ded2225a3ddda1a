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
	kBool
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
		key: "server.port", typ: kInt, env: "RECOLLECT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECOLLECT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embed.provider", typ: kString, env: "RECOLLECT_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.auto", typ: kBool, env: "RECOLLECT_EMBED_AUTO",
		apply:   func(cfg *Config, v any) { cfg.Embed.Auto = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embed.Auto },
	},
	{
		key: "embed.ollama_base_url", typ: kString, env: "RECOLLECT_EMBED_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embed.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.OllamaBaseURL },
	},
	{
		key: "embed.ollama_model", typ: kString, env: "RECOLLECT_EMBED_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.OllamaModel },
	},
	{
		key: "embed.openai_api_key", typ: kString, env: "RECOLLECT_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embed.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.OpenAIAPIKey },
	},
	{
		key: "embed.openai_model", typ: kString, env: "RECOLLECT_EMBED_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.OpenAIModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.OpenAIModel },
	},
	{
		key: "query.max_rows", typ: kInt, env: "RECOLLECT_QUERY_MAX_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Query.MaxRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.MaxRows },
	},
	{
		key: "log.level", typ: kString, env: "RECOLLECT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
