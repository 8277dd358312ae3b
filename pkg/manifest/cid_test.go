package manifest

import (
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealDerivesStableCID(t *testing.T) {
	m := sampleManifest()
	m.ManifestCID = ""

	sealed, err := Seal(m)
	require.NoError(t, err)
	require.NotEmpty(t, sealed.ManifestCID)

	parsed, err := cid.Decode(sealed.ManifestCID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), parsed.Version())
	assert.Equal(t, uint64(cid.Raw), parsed.Type())

	again, err := Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed.ManifestCID, again.ManifestCID)
	assert.NoError(t, CheckCID(sealed))
}

func TestCIDChangesWithMirrorCount(t *testing.T) {
	a, err := Seal(sampleManifest())
	require.NoError(t, err)

	b := sampleManifest()
	b.MirrorCount++
	b, err = Seal(b)
	require.NoError(t, err)

	assert.NotEqual(t, a.ManifestCID, b.ManifestCID)
}

func TestCheckCIDMismatch(t *testing.T) {
	sealed, err := Seal(sampleManifest())
	require.NoError(t, err)

	tampered := sealed
	tampered.Title = "Something else"
	assert.True(t, errors.Is(CheckCID(tampered), ErrCIDMismatch))

	missing := sealed
	missing.ManifestCID = ""
	assert.True(t, errors.Is(CheckCID(missing), ErrCIDMismatch))

	garbage := sealed
	garbage.ManifestCID = "not-a-cid"
	assert.True(t, errors.Is(CheckCID(garbage), ErrCIDMismatch))
}

func TestSigningPayload(t *testing.T) {
	assert.Equal(t, "bafy\n42\nabcd", string(SigningPayload("bafy", 42, "abcd")))
}
