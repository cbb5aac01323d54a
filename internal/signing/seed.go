package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// loadOrCreateSeed returns the hex seed stored at path. A missing file is
// created with a random seed readable only by the owner.
func loadOrCreateSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		seed := make([]byte, seedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("random seed:\n%w", err)
		}

		if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write seed %s:\n%w", path, err)
		}

		return seed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed %s:\n%w", path, err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadKeyFile, path, err)
	}

	return seed, nil
}

// LoadOrCreateIdentity returns the ed25519 key a pillar presents on its QUIC
// connections, kept as a hex seed at path. An empty path yields a fresh key
// that dies with the process.
func LoadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
		return priv, nil
	}

	seed, err := loadOrCreateSeed(path)
	if err != nil {
		return nil, err
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s: seed is %d bytes, want %d", ErrBadKeyFile, path, len(seed), ed25519.SeedSize)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}
