package config

const (
	keychainService  = "recollect"
	openAIKeyAccount = "openai_api_key"
	apiTokenAccount  = "api_token"
)

// Keychain is the platform secret store: macOS Keychain on darwin, a
// mode-0600 JSON file under the XDG data dir elsewhere.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the secret store for the current platform.
func NewKeychain() Keychain {
	return platformKeychain{}
}
