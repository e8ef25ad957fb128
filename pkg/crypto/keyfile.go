package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyMissing is returned by LoadOrGenerate when generation is not allowed.
var ErrKeyMissing = errors.New("key file does not exist")

// LoadSeedFile reads a hex-encoded Ed25519 seed.
func LoadSeedFile(path, keyID string) (*Ed25519Signer, error) {
	keyHex, err := os.ReadFile(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file format: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, keyID)
}

// WriteSeedFile persists the signer's seed as hex with owner-only permissions.
func WriteSeedFile(path string, s *Ed25519Signer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.Seed())), 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the seed at path, or generates and persists a new one
// unless allowGenerate is false.
func LoadOrGenerate(path, keyID string, allowGenerate bool) (*Ed25519Signer, error) {
	if _, err := os.Stat(path); err == nil {
		s, err := LoadSeedFile(path, keyID)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded persistent key", "path", path, "public_key", s.PublicKey().String())
		return s, nil
	}
	if !allowGenerate {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, path)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	s := NewEd25519SignerFromKey(priv, keyID)
	if err := WriteSeedFile(path, s); err != nil {
		return nil, err
	}
	slog.Warn("generated new persistent key", "path", path, "public_key", s.PublicKey().String())
	return s, nil
}
