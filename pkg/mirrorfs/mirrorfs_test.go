package mirrorfs

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"freepress/pkg/contentstore"
	"freepress/pkg/storage"
	"freepress/pkg/types"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildTree(t *testing.T) {
	root := buildTree([]contentstore.Entry{
		{Path: "index.html", Data: []byte("home")},
		{Path: "posts/2024/first.html", Data: []byte("first")},
		{Path: "posts/index.html", Data: []byte("list")},
		{Path: "index.html/oops", Data: []byte("shadowed")},
		{Path: "posts", Data: []byte("clash")},
	})

	assert.Equal(t, []byte("home"), root.files["index.html"])
	require.Contains(t, root.dirs, "posts")
	posts := root.dirs["posts"]
	assert.Equal(t, []byte("list"), posts.files["index.html"])
	assert.Equal(t, []byte("first"), posts.dirs["2024"].files["first.html"])
	assert.NotContains(t, root.files, "posts")
	assert.Equal(t, int64(len("home")+len("first")+len("list")), root.size)

	names := make([]string, 0)
	for _, e := range root.list() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"index.html", "posts"}, names)
}

func TestSiteNames(t *testing.T) {
	tests := []struct {
		name string
		recs []types.MirrorRecord
		want []string
	}{
		{
			name: "title slug",
			recs: []types.MirrorRecord{{CID: "bafymanifest00000001", SiteCID: "bafysite", Title: "The Daily News!"}},
			want: []string{"the-daily-news-00000001"},
		},
		{
			name: "no title",
			recs: []types.MirrorRecord{{CID: "bafymanifest00000002", SiteCID: "bafysite"}},
			want: []string{"00000002"},
		},
		{
			name: "collision falls back to full id",
			recs: []types.MirrorRecord{
				{CID: "aaaa00000003", SiteCID: "bafysite", Title: "Gazette"},
				{CID: "bbbb00000003", SiteCID: "bafysite", Title: "Gazette"},
			},
			want: []string{"gazette-00000003", "bbbb00000003"},
		},
		{
			name: "incomplete records skipped",
			recs: []types.MirrorRecord{{CID: "bafymanifest", Title: "No site"}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := siteNames(tt.recs)
			assert.Len(t, got, len(tt.want))
			for _, name := range tt.want {
				assert.Contains(t, got, name)
			}
		})
	}
}

func TestRootLoadsAndCachesTrees(t *testing.T) {
	ctx := context.Background()
	store := contentstore.NewMemory()
	site, err := store.Add(ctx, []contentstore.Entry{
		{Path: "index.html", Data: []byte("<h1>hi</h1>")},
		{Path: "css/site.css", Data: []byte("body{}")},
	})
	require.NoError(t, err)

	records := storage.NewMemory()
	require.NoError(t, records.Put(ctx, types.MirrorRecord{
		CID:       "bafymanifest00000001",
		SiteCID:   site.String(),
		Title:     "Gazette",
		SizeBytes: 5000,
		Pinned:    true,
		Origin:    types.OriginMirror,
	}))

	root := New(records, store, zaptest.NewLogger(t))

	stream, errno := root.Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)
	require.True(t, stream.HasNext())
	entry, errno := stream.Next()
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "gazette-00000001", entry.Name)

	tr, errno := root.load(ctx, site.String())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Contains(t, tr.files, "index.html")
	assert.Contains(t, tr.dirs["css"].files, "site.css")

	store.InjectFailure("fetch", errors.New("offline"))
	again, errno := root.load(ctx, site.String())
	require.Equal(t, syscall.Errno(0), errno, "loaded trees are served from memory")
	assert.Same(t, tr, again)

	_, errno = root.load(ctx, "not-a-cid")
	assert.Equal(t, syscall.ENOENT, errno)

	var out fuse.StatfsOut
	require.Equal(t, syscall.Errno(0), root.Statfs(ctx, &out))
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint64(1), out.Files)
}

func TestRootListFailure(t *testing.T) {
	failing := ListerFunc(func(context.Context) ([]types.MirrorRecord, error) {
		return nil, errors.New("database gone")
	})
	root := New(failing, contentstore.NewMemory(), nil)

	_, errno := root.Readdir(context.Background())
	assert.Equal(t, syscall.EIO, errno)
}
