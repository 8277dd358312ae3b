package mirrorfs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"freepress/pkg/contentstore"
	"freepress/pkg/types"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// tree is one site snapshot laid out as nested directories.
type tree struct {
	dirs  map[string]*tree
	files map[string][]byte
	size  int64
}

func newTree() *tree {
	return &tree{
		dirs:  make(map[string]*tree),
		files: make(map[string][]byte),
	}
}

// buildTree nests the flat entries of a fetched snapshot. Entries whose
// path collides with an existing directory or file are skipped.
func buildTree(entries []contentstore.Entry) *tree {
	root := newTree()
	for _, e := range entries {
		parts := strings.Split(strings.Trim(e.Path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}

		dir := root
		ok := true
		for _, name := range parts[:len(parts)-1] {
			if _, isFile := dir.files[name]; isFile {
				ok = false
				break
			}
			sub, exists := dir.dirs[name]
			if !exists {
				sub = newTree()
				dir.dirs[name] = sub
			}
			dir = sub
		}
		leaf := parts[len(parts)-1]
		if !ok || dir.dirs[leaf] != nil {
			continue
		}
		if _, dup := dir.files[leaf]; dup {
			continue
		}
		dir.files[leaf] = e.Data
		root.size += int64(len(e.Data))
	}
	return root
}

// list returns the directory entries sorted by name.
func (t *tree) list() []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(t.dirs)+len(t.files))
	for name := range t.dirs {
		out = append(out, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	for name := range t.files {
		out = append(out, fuse.DirEntry{Name: name, Mode: syscall.S_IFREG})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// siteNames assigns each record a stable directory name built from its
// title and a short suffix of its record id.
func siteNames(recs []types.MirrorRecord) map[string]types.MirrorRecord {
	out := make(map[string]types.MirrorRecord, len(recs))
	for _, rec := range recs {
		if rec.CID == "" || rec.SiteCID == "" {
			continue
		}
		name := shortID(rec.CID)
		if slug := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(rec.Title), "-"), "-"); slug != "" {
			name = fmt.Sprintf("%s-%s", slug, name)
		}
		if _, taken := out[name]; taken {
			name = rec.CID
		}
		out[name] = rec
	}
	return out
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
