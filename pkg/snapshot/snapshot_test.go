package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"freepress/pkg/contentstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestDirSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.html", "home")
	writeFile(t, root, "posts/a.html", "a")
	writeFile(t, root, ".git/config", "secret")
	writeFile(t, root, ".env", "secret")

	entries, err := (&Dir{Root: root}).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []contentstore.Entry{
		{Path: "index.html", Data: []byte("home")},
		{Path: "posts/a.html", Data: []byte("a")},
	}, entries)
}

func TestDirSnapshotLimits(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.bin", "0123456789")

	_, err := (&Dir{Root: root, MaxBytes: 5}).Snapshot(context.Background())
	assert.True(t, errors.Is(err, ErrTooLarge))

	empty := t.TempDir()
	_, err = (&Dir{Root: empty}).Snapshot(context.Background())
	assert.True(t, errors.Is(err, contentstore.ErrEmptyTree))

	_, err = (&Dir{Root: filepath.Join(root, "missing")}).Snapshot(context.Background())
	assert.Error(t, err)
}

func TestDirSnapshotCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.html", "home")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Dir{Root: root}).Snapshot(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
