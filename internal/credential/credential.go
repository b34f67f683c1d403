// Package credential stores mailbox secrets in the system keyring, keyed
// by (server, username).
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailkeep"

// ErrNotFound is returned when no secret exists for a key.
var ErrNotFound = errors.New("credential not found")

// Store is the opaque secret storage the backup engine consumes.
type Store interface {
	GetSecret(server, username string) (string, error)
	SetSecret(server, username, secret string) error
	DeleteSecret(server, username string) error
}

// Keyring is the system-keyring backed Store.
type Keyring struct {
	// FileDir is the fallback file backend location.
	FileDir string
}

func secretKey(server, username string) string {
	return fmt.Sprintf("%s/%s", server, username)
}

func (k *Keyring) open() (keyring.Keyring, error) {
	dir := k.FileDir
	if dir == "" {
		dir = "~/.config/mailkeep/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailkeep-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// GetSecret retrieves the secret for (server, username).
func (k *Keyring) GetSecret(server, username string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(secretKey(server, username))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("getting credential for %s@%s: %w", username, server, err)
	}
	return string(item.Data), nil
}

// SetSecret stores the secret for (server, username).
func (k *Keyring) SetSecret(server, username, secret string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:  secretKey(server, username),
		Data: []byte(secret),
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s@%s: %w", username, server, err)
	}
	return nil
}

// DeleteSecret removes the secret for (server, username).
func (k *Keyring) DeleteSecret(server, username string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(secretKey(server, username)); err != nil {
		return fmt.Errorf("deleting credential for %s@%s: %w", username, server, err)
	}
	return nil
}
