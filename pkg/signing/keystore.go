package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoKey = errors.New("signing: no key in keystore")

// KeyStore keeps the node's publisher seed as hex in a single file.
type KeyStore struct {
	Path string
}

func NewKeyStore(path string) *KeyStore {
	return &KeyStore{Path: path}
}

func (ks *KeyStore) Exists() bool {
	_, err := os.Stat(ks.Path)
	return err == nil
}

// Load reads the stored key. ErrNoKey when the file is absent.
func (ks *KeyStore) Load() (*Ed25519, error) {
	data, err := os.ReadFile(ks.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519(ed25519.NewKeyFromSeed(seed))
}

// Save writes the key. It refuses to replace an existing key unless
// overwrite is set.
func (ks *KeyStore) Save(key *Ed25519, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(ks.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(ks.Path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(key.Seed()) + "\n"); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadOrGenerate returns the stored key, creating one on first use.
func (ks *KeyStore) LoadOrGenerate() (*Ed25519, bool, error) {
	key, err := ks.Load()
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, false, err
	}
	key, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := ks.Save(key, false); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
