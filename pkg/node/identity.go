package node

import (
	"errors"
	"io/fs"
	"sync"

	"freepress/pkg/signing"
)

var (
	ErrNoKeypair     = errors.New("node: no publisher keypair")
	ErrKeypairExists = errors.New("node: publisher keypair already exists")
)

// Identity holds the publisher key. A node may run without one; it then
// mirrors and discovers but never announces.
type Identity struct {
	store *signing.KeyStore

	mu  sync.RWMutex
	key *signing.Ed25519
}

// LoadIdentity reads the key at path if there is one.
func LoadIdentity(path string) (*Identity, error) {
	id := &Identity{store: signing.NewKeyStore(path)}
	key, err := id.store.Load()
	switch {
	case err == nil:
		id.key = key
	case errors.Is(err, signing.ErrNoKey):
	default:
		return nil, err
	}
	return id, nil
}

func (i *Identity) Path() string { return i.store.Path }

func (i *Identity) Signer() (*signing.Ed25519, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.key == nil {
		return nil, ErrNoKeypair
	}
	return i.key, nil
}

// PublicKey is empty until a key exists.
func (i *Identity) PublicKey() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.key == nil {
		return ""
	}
	return i.key.PublicKey()
}

// Generate creates and persists a keypair. It never replaces one.
func (i *Identity) Generate() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.key != nil || i.store.Exists() {
		return "", ErrKeypairExists
	}

	key, err := signing.Generate()
	if err != nil {
		return "", err
	}
	if err := i.store.Save(key, false); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", ErrKeypairExists
		}
		return "", err
	}
	i.key = key
	return key.PublicKey(), nil
}
