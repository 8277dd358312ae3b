package signing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"freepress/pkg/manifest"
	"freepress/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draft() types.Manifest {
	return types.Manifest{
		SiteCID:   "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		Timestamp: 1700000000000,
		Title:     "Daily Chronicle",
		Tags:      []string{"news"},
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	signed, err := key.Sign(draft())
	require.NoError(t, err)

	assert.Equal(t, key.PublicKey(), signed.PubKey)
	assert.NotEmpty(t, signed.Signature)
	assert.NoError(t, manifest.CheckCID(signed))
	assert.NoError(t, key.Verify(signed))
	assert.NoError(t, DefaultVerifier.Verify(signed))
}

func TestVerifyRejectsTampering(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	signed, err := key.Sign(draft())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(m *types.Manifest)
	}{
		{"site cid", func(m *types.Manifest) { m.SiteCID = "bafyother" }},
		{"timestamp", func(m *types.Manifest) { m.Timestamp++ }},
		{"pubkey swapped", func(m *types.Manifest) { m.PubKey = other.PublicKey() }},
		{"pubkey garbage", func(m *types.Manifest) { m.PubKey = "zz" }},
		{"signature garbage", func(m *types.Manifest) { m.Signature = "00" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := signed
			tt.mutate(&m)
			assert.True(t, errors.Is(Verify(m), ErrVerification))
		})
	}
}

func TestSignRequiresSiteCID(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	_, err = key.Sign(types.Manifest{Title: "no content"})
	assert.Error(t, err)
}

func TestKeyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "publisher.key")
	ks := NewKeyStore(path)

	_, err := ks.Load()
	assert.True(t, errors.Is(err, ErrNoKey))
	assert.False(t, ks.Exists())

	key, created, err := ks.LoadOrGenerate()
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, created, err := ks.LoadOrGenerate()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key.PublicKey(), again.PublicKey())

	fresh, err := Generate()
	require.NoError(t, err)
	assert.Error(t, ks.Save(fresh, false))
	require.NoError(t, ks.Save(fresh, true))

	loaded, err := ks.Load()
	require.NoError(t, err)
	assert.Equal(t, fresh.PublicKey(), loaded.PublicKey())
}
