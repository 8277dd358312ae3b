// Package contentstore talks to the content-addressed store that holds
// site snapshots.
//
// Contract:
//   - Add never pins; it returns a root id only once the whole tree is stored.
//   - The same tree (paths and bytes) always yields the same root id.
//   - Pin and Unpin operate on ids the store already holds.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
)

var (
	ErrUnavailable = errors.New("contentstore: store unavailable")
	ErrNotFound    = errors.New("contentstore: not found")
	ErrNotPinned   = errors.New("contentstore: not pinned")
	ErrEmptyTree   = errors.New("contentstore: empty tree")
	ErrInvalidPath = errors.New("contentstore: invalid path")
)

// Entry is one file of a snapshot tree. Path is slash separated and
// relative to the tree root.
type Entry struct {
	Path string
	Data []byte
}

type Store interface {
	Add(ctx context.Context, tree []Entry) (cid.Cid, error)
	Pin(ctx context.Context, id cid.Cid) error
	Unpin(ctx context.Context, id cid.Cid) error
	Fetch(ctx context.Context, id cid.Cid) ([]Entry, error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidateTree checks paths and returns a copy sorted by path.
func ValidateTree(tree []Entry) ([]Entry, error) {
	if len(tree) == 0 {
		return nil, ErrEmptyTree
	}

	out := make([]Entry, len(tree))
	seen := make(map[string]struct{}, len(tree))
	for i, e := range tree {
		p := e.Path
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, e.Path)
		}
		if path.Clean(p) != p {
			return nil, fmt.Errorf("%w: %q is not clean", ErrInvalidPath, e.Path)
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." || seg == "." {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPath, e.Path)
			}
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidPath, e.Path)
		}
		seen[p] = struct{}{}
		out[i] = e
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	// a path cannot be both a file and a directory
	for _, e := range out {
		for dir := path.Dir(e.Path); dir != "."; dir = path.Dir(dir) {
			if _, clash := seen[dir]; clash {
				return nil, fmt.Errorf("%w: %q is both file and directory", ErrInvalidPath, dir)
			}
		}
	}
	return out, nil
}

// TreeSize is the total payload size of a tree in bytes.
func TreeSize(tree []Entry) int64 {
	var n int64
	for _, e := range tree {
		n += int64(len(e.Data))
	}
	return n
}
