package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ciris/internal/logging"
)

// LoadOrGenerateKey returns the agent's signing key, creating one on first
// boot. The file holds the raw 64-byte private key, mode 0600.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("audit: key file %s has %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: read key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("audit: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("audit: create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("audit: write key: %w", err)
	}
	logging.Audit("generated new signing key at %s", path)
	return priv, nil
}

// LoadAuthorityKeys reads the trusted authority public keys used to verify
// emergency commands. The file maps authority ID to a base64 public key. A
// missing file means no authorities are trusted yet.
func LoadAuthorityKeys(path string) (map[string]ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]ed25519.PublicKey{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read authority keys: %w", err)
	}

	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("audit: parse authority keys: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(encoded))
	for id, b64 := range encoded {
		pub, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("audit: authority %s: %w", id, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("audit: authority %s key has %d bytes, want %d", id, len(pub), ed25519.PublicKeySize)
		}
		keys[id] = ed25519.PublicKey(pub)
	}
	return keys, nil
}

// SaveAuthorityKeys writes the trusted key set back out.
func SaveAuthorityKeys(path string, keys map[string]ed25519.PublicKey) error {
	encoded := make(map[string]string, len(keys))
	for id, pub := range keys {
		encoded[id] = base64.StdEncoding.EncodeToString(pub)
	}
	raw, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}
