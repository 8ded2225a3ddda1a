package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// GetAPIToken returns the bearer token protecting the management API,
// generating and persisting one on first use. RECOLLECT_API_TOKEN overrides
// the stored token.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("RECOLLECT_API_TOKEN"); tok != "" {
		return tok, nil
	}

	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
