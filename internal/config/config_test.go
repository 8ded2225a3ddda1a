package config

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

// fakeBackend is an in-memory Backend for tests.
type fakeBackend struct {
	strs map[string]string
	ints map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (f *fakeBackend) GetString(key string) (string, bool, error) {
	v, ok := f.strs[key]
	return v, ok, nil
}

func (f *fakeBackend) GetInt(key string) (int, bool, error) {
	v, ok := f.ints[key]
	return v, ok, nil
}

func (f *fakeBackend) SetString(key, val string) error { f.strs[key] = val; return nil }
func (f *fakeBackend) SetInt(key string, val int) error { f.ints[key] = val; return nil }

func (f *fakeBackend) Delete(key string) error {
	delete(f.strs, key)
	delete(f.ints, key)
	return nil
}

// mockKeychain is a test double for the platform secret store.
type mockKeychain struct {
	values map[string]string // keyed by account
	err    error
	sets   map[string]string
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.sets == nil {
		m.sets = map[string]string{}
	}
	m.sets[account] = value
	return nil
}

func noKeychain() *mockKeychain {
	return &mockKeychain{err: errors.New("keychain unavailable")}
}

func TestDefaults(t *testing.T) {
	t.Setenv("RECOLLECT_SERVER_PORT", "")
	t.Setenv("RECOLLECT_EMBED_PROVIDER", "")

	cfg, err := loadWith(newFakeBackend(), noKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Server.Port = %d, want 4700", cfg.Server.Port)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
	if cfg.Embed.Provider != "" {
		t.Errorf("Embed.Provider = %q, want empty (disabled)", cfg.Embed.Provider)
	}
	if cfg.Embed.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("Embed.OllamaBaseURL = %q", cfg.Embed.OllamaBaseURL)
	}
	if cfg.Embed.OllamaModel != "nomic-embed-text" {
		t.Errorf("Embed.OllamaModel = %q", cfg.Embed.OllamaModel)
	}
	if cfg.Query.MaxRows != 1000 {
		t.Errorf("Query.MaxRows = %d, want 1000", cfg.Query.MaxRows)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
}

func TestBackendValues(t *testing.T) {
	t.Setenv("RECOLLECT_SERVER_PORT", "")
	t.Setenv("RECOLLECT_QUERY_MAX_ROWS", "")

	b := newFakeBackend()
	b.ints["server.port"] = 5000
	b.ints["query.max_rows"] = 250
	b.strs["embed.provider"] = "ollama"
	b.strs["embed.auto"] = "true"
	b.strs["log.level"] = "debug"

	cfg, err := loadWith(b, noKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Query.MaxRows != 250 {
		t.Errorf("Query.MaxRows = %d, want 250", cfg.Query.MaxRows)
	}
	if cfg.Embed.Provider != "ollama" {
		t.Errorf("Embed.Provider = %q, want %q", cfg.Embed.Provider, "ollama")
	}
	if !cfg.Embed.Auto {
		t.Error("Embed.Auto = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newFakeBackend()
	b.ints["server.port"] = 5000

	t.Setenv("RECOLLECT_SERVER_PORT", "6000")

	cfg, err := loadWith(b, noKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
}

func TestEnvBadIntegerKeepsDefault(t *testing.T) {
	t.Setenv("RECOLLECT_QUERY_MAX_ROWS", "lots")

	cfg, err := loadWith(newFakeBackend(), noKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Query.MaxRows != 1000 {
		t.Errorf("Query.MaxRows = %d, want default 1000", cfg.Query.MaxRows)
	}
}

func TestOpenAIKeyFromKeychain(t *testing.T) {
	t.Setenv("RECOLLECT_OPENAI_API_KEY", "")
	t.Setenv("RECOLLECT_EMBED_PROVIDER", "openai")

	kc := &mockKeychain{values: map[string]string{openAIKeyAccount: "keychain-secret"}}
	cfg, err := loadWith(newFakeBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embed.OpenAIAPIKey != "keychain-secret" {
		t.Errorf("OpenAIAPIKey = %q, want %q", cfg.Embed.OpenAIAPIKey, "keychain-secret")
	}
}

func TestOpenAIProviderRequiresKey(t *testing.T) {
	t.Setenv("RECOLLECT_OPENAI_API_KEY", "")

	b := newFakeBackend()
	b.strs["embed.provider"] = "openai"

	_, err := loadWith(b, noKeychain())
	if err == nil {
		t.Fatal("expected error for missing OpenAI key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing config", err)
	}
}

func TestOllamaProviderNeedsNoKey(t *testing.T) {
	t.Setenv("RECOLLECT_OPENAI_API_KEY", "")

	b := newFakeBackend()
	b.strs["embed.provider"] = "ollama"

	if _, err := loadWith(b, noKeychain()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetAPIToken_EnvOverride(t *testing.T) {
	t.Setenv("RECOLLECT_API_TOKEN", "env-token")

	tok, err := GetAPIToken(noKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "env-token" {
		t.Errorf("token = %q, want %q", tok, "env-token")
	}
}

func TestGetAPIToken_GeneratesAndStores(t *testing.T) {
	t.Setenv("RECOLLECT_API_TOKEN", "")

	kc := &mockKeychain{values: map[string]string{}}
	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok))
	}
	if _, err := hex.DecodeString(tok); err != nil {
		t.Errorf("token %q is not hex: %v", tok, err)
	}
	if kc.sets[apiTokenAccount] != tok {
		t.Error("token was not persisted to the keychain")
	}

	// A stored token is returned as-is on the next call.
	kc.values[apiTokenAccount] = tok
	again, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != tok {
		t.Errorf("second call returned %q, want stored %q", again, tok)
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	infos := ShowAll(defaults())

	var sawPort bool
	for _, info := range infos {
		if info.Key == "embed.openai_api_key" {
			t.Error("ShowAll leaked a secret key")
		}
		if info.Key == "server.port" {
			sawPort = true
			if info.EnvVar != "RECOLLECT_SERVER_PORT" {
				t.Errorf("server.port env = %q", info.EnvVar)
			}
		}
	}
	if !sawPort {
		t.Error("ShowAll is missing server.port")
	}
}

func TestSetKey(t *testing.T) {
	b := newFakeBackend()

	if err := setKey(b, "server.port", "8080"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ints["server.port"] != 8080 {
		t.Errorf("backend port = %d, want 8080", b.ints["server.port"])
	}

	if err := setKey(b, "embed.auto", "true"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.strs["embed.auto"] != "true" {
		t.Errorf("backend embed.auto = %q, want %q", b.strs["embed.auto"], "true")
	}

	if err := setKey(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "embed.openai_api_key", "sk-123"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}
