// Package signing signs and verifies manifests with Ed25519 keys.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"freepress/pkg/manifest"
	"freepress/pkg/types"
)

var ErrVerification = errors.New("signing: verification failed")

// Signer stamps a publisher identity and signature onto a manifest.
type Signer interface {
	PublicKey() string
	Sign(m types.Manifest) (types.Manifest, error)
}

// Verifier checks that a manifest was signed by the key it names.
type Verifier interface {
	Verify(m types.Manifest) error
}

// Ed25519 signs over sha256 of the manifest signing payload.
type Ed25519 struct {
	priv ed25519.PrivateKey
	pub  string
}

func NewEd25519(priv ed25519.PrivateKey) (*Ed25519, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519{priv: priv, pub: hex.EncodeToString(pub)}, nil
}

// Generate creates a fresh keypair.
func Generate() (*Ed25519, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return NewEd25519(priv)
}

func (s *Ed25519) PublicKey() string { return s.pub }

func (s *Ed25519) Seed() []byte { return s.priv.Seed() }

// Sign sets PubKey and Signature, then re-derives ManifestCID so the
// returned manifest is ready for the wire.
func (s *Ed25519) Sign(m types.Manifest) (types.Manifest, error) {
	if m.SiteCID == "" {
		return types.Manifest{}, errors.New("signing: manifest has no site cid")
	}
	m.PubKey = s.pub
	digest := sha256.Sum256(manifest.SigningPayload(m.SiteCID, m.Timestamp, m.PubKey))
	m.Signature = hex.EncodeToString(ed25519.Sign(s.priv, digest[:]))
	return manifest.Seal(m)
}

func (s *Ed25519) Verify(m types.Manifest) error {
	return Verify(m)
}

// Verify checks the signature against the manifest's own PubKey.
func Verify(m types.Manifest) error {
	pub, err := hex.DecodeString(strings.TrimSpace(m.PubKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key", ErrVerification)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: invalid signature encoding", ErrVerification)
	}
	digest := sha256.Sum256(manifest.SigningPayload(m.SiteCID, m.Timestamp, m.PubKey))
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
		return fmt.Errorf("%w: signature does not match", ErrVerification)
	}
	return nil
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(m types.Manifest) error

func (f VerifierFunc) Verify(m types.Manifest) error { return f(m) }

// DefaultVerifier verifies Ed25519 signatures.
var DefaultVerifier Verifier = VerifierFunc(Verify)
