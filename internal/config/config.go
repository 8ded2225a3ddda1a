package config

import (
	"fmt"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Embed   EmbedConfig
	Query   QueryConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// EmbedConfig selects the embedding provider used to backfill segment
// vectors. An empty Provider disables embedding; ingest and querying work
// without it.
type EmbedConfig struct {
	Provider      string // "ollama", "openai", or "" to disable
	Auto          bool   // enqueue an embedding job after every ingest
	OllamaBaseURL string
	OllamaModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
}

type QueryConfig struct {
	MaxRows int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embed: EmbedConfig{
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "nomic-embed-text",
		},
		Query: QueryConfig{
			MaxRows: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.recollect.app) and the
// OpenAI API key falls back to the macOS Keychain. On Linux the backend is a
// JSON file at $XDG_CONFIG_HOME/recollect/config.json and secrets fall back
// to a mode-0600 file under the XDG data dir.
//
// A .env file in the working directory is read first; environment variables
// (RECOLLECT_*) override backend values on all platforms.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The OpenAI key may live in the platform secret store instead of the
	// config backend.
	if cfg.Embed.OpenAIAPIKey == "" {
		if key, err := kc.Get(keychainService, openAIKeyAccount); err == nil && key != "" {
			cfg.Embed.OpenAIAPIKey = key
		}
	}

	if cfg.Embed.Provider == "openai" && cfg.Embed.OpenAIAPIKey == "" {
		msg := "missing required config: OpenAI API key. " +
			"Set it via environment variable RECOLLECT_OPENAI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}
