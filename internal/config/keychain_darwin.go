//go:build darwin

package config

import (
	"os/exec"
	"strings"
)

// platformKeychain talks to the macOS Keychain via the security CLI.
type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	// -U updates the item in place when one already exists.
	return exec.Command(
		"security", "add-generic-password",
		"-s", service,
		"-a", account,
		"-w", value,
		"-U",
	).Run()
}
