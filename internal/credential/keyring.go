// Package credential stores the remote API token outside the plain
// YAML config file, in the OS-native secret store where one is
// available.
package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "maildocsync"

// RemoteTokenKey is the keyring entry name under which the remote
// document database's Bearer token is stored.
const RemoteTokenKey = "remote_token"

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/maildocsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("maildocsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// ResolveRemoteToken returns the remote API token to use: the keyring
// entry when present, falling back to configValue (typically populated
// from config.yaml) so a fresh install works before any token has been
// stored in the keyring.
func ResolveRemoteToken(configValue string) string {
	if token, err := Get(RemoteTokenKey); err == nil && token != "" {
		return token
	}
	return configValue
}
