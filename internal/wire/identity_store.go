package wire

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// storedIdentity is the on-disk form of an Identity, written with 0600
// permissions since SecretKey is the host's long-lived signing key.
type storedIdentity struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
	SecretKey []byte `json:"secret_key"`
}

// LoadIdentity reads a previously saved Identity from path.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s storedIdentity
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: decode identity at %s: %w", path, err)
	}
	if len(s.PublicKey) != ed25519.PublicKeySize || len(s.SecretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wire: identity at %s has malformed key lengths", path)
	}
	return &Identity{ID: s.ID, PublicKey: ed25519.PublicKey(s.PublicKey), SecretKey: ed25519.PrivateKey(s.SecretKey)}, nil
}

// SaveIdentity persists id to path with owner-only permissions, creating
// parent directories as needed.
func SaveIdentity(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("wire: create identity dir: %w", err)
		}
	}
	data, err := json.Marshal(storedIdentity{ID: id.ID, PublicKey: id.PublicKey, SecretKey: id.SecretKey})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("wire: write identity to %s: %w", path, err)
	}
	return nil
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a
// fresh one (bound to id) if none exists yet.
func LoadOrCreateIdentity(path, id string) (*Identity, error) {
	identity, err := LoadIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	identity, err = GenerateIdentity(id)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, identity); err != nil {
		return nil, err
	}
	return identity, nil
}
