package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name in the OS keyring.
	keyringService = "taskwire"

	// KeyringAuthToken is the keyring entry holding the operator token.
	KeyringAuthToken = "auth_token"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// GetKeyring returns a secret from the OS keyring, or "" when it is
// missing or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret. A missing entry is not an error.
func DeleteKeyring(key string) error {
	err := keyring.Delete(keyringService, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from keyring: %w", key, err)
	}
	return nil
}

// ResolveAuthToken fills Server.AuthToken when the file left it empty:
// the OS keyring first, then TASKWIRE_AUTH_TOKEN.
func ResolveAuthToken(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Server.AuthToken != "" {
		return
	}
	if tok := GetKeyring(KeyringAuthToken); tok != "" {
		cfg.Server.AuthToken = tok
		logger.Debug("auth token loaded from keyring")
		return
	}
	if tok := strings.TrimSpace(os.Getenv(EnvAuthToken)); tok != "" {
		cfg.Server.AuthToken = tok
		logger.Debug("auth token loaded from environment")
		return
	}
	logger.Warn("no auth token configured, operator API is open",
		"hint", "run 'taskwire token set' or set "+EnvAuthToken)
}

// ReadPassword reads a secret from the terminal without echo, falling back
// to a plain read when stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	secret, err := term.ReadPassword(fd)
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		secret = buf[:n]
	}
	fmt.Println()

	return strings.TrimRight(string(secret), "\r\n"), nil
}
