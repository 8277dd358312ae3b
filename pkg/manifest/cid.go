package manifest

import (
	"errors"
	"fmt"
	"strconv"

	"freepress/pkg/types"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrCIDMismatch = errors.New("manifest: manifest cid does not match content")

// DeriveCID computes the manifest CID: CIDv1 raw/sha2-256 over the encoding
// of m with the ManifestCID field cleared.
func DeriveCID(m types.Manifest) (string, error) {
	m.ManifestCID = ""
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("manifest: hash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Seal normalizes m and stamps its derived ManifestCID.
func Seal(m types.Manifest) (types.Manifest, error) {
	m = Normalize(m)
	id, err := DeriveCID(m)
	if err != nil {
		return types.Manifest{}, err
	}
	m.ManifestCID = id
	return m, nil
}

// CheckCID verifies that the carried ManifestCID matches the content.
func CheckCID(m types.Manifest) error {
	if m.ManifestCID == "" {
		return fmt.Errorf("%w: missing", ErrCIDMismatch)
	}
	if _, err := cid.Decode(m.ManifestCID); err != nil {
		return fmt.Errorf("%w: %v", ErrCIDMismatch, err)
	}
	want, err := DeriveCID(m)
	if err != nil {
		return err
	}
	if want != m.ManifestCID {
		return fmt.Errorf("%w: got %s, want %s", ErrCIDMismatch, m.ManifestCID, want)
	}
	return nil
}

// SigningPayload is the byte string a publisher signs: site cid, timestamp
// and public key, newline separated.
func SigningPayload(siteCID string, timestamp uint64, pubKey string) []byte {
	b := make([]byte, 0, len(siteCID)+len(pubKey)+22)
	b = append(b, siteCID...)
	b = append(b, '\n')
	b = strconv.AppendUint(b, timestamp, 10)
	b = append(b, '\n')
	b = append(b, pubKey...)
	return b
}
