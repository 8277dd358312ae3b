// Package mirrorfs exposes the sites this node keeps pinned as a read-only
// FUSE filesystem. Each mirror record is a top-level directory holding the
// files of its site snapshot.
package mirrorfs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"freepress/pkg/contentstore"
	"freepress/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

const (
	blockSize    = 4096
	fetchTimeout = 30 * time.Second
	cacheTimeout = time.Second
)

// Lister returns the current mirror records. storage.RecordStore
// satisfies it.
type Lister interface {
	List(ctx context.Context) ([]types.MirrorRecord, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]types.MirrorRecord, error)

func (f ListerFunc) List(ctx context.Context) ([]types.MirrorRecord, error) { return f(ctx) }

var (
	_ fs.NodeOnAdder   = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeStatfser  = (*Root)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
)

// Root is the mount root. Its children follow the record list on every
// lookup, so newly mirrored sites appear without remounting.
type Root struct {
	fs.Inode
	records Lister
	store   contentstore.Store
	logger  *zap.Logger

	mu    sync.Mutex
	trees map[string]*tree
}

func New(records Lister, store contentstore.Store, logger *zap.Logger) *Root {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Root{
		records: records,
		store:   store,
		logger:  logger,
		trees:   make(map[string]*tree),
	}
}

// Mount serves root at dir until the returned server is unmounted.
func Mount(dir string, root *Root) (*fuse.Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mountpoint %s: %w", dir, err)
	}
	timeout := cacheTimeout
	server, err := fs.Mount(dir, root, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:  "freepress",
			Name:    "freepress",
			Options: []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	return server, nil
}

func (r *Root) OnAdd(ctx context.Context) {
	r.logger.Info("Mirror filesystem mounted")
}

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(cacheTimeout)
	return 0
}

func (r *Root) sites(ctx context.Context) (map[string]types.MirrorRecord, syscall.Errno) {
	recs, err := r.records.List(ctx)
	if err != nil {
		r.logger.Error("Failed to list mirror records", zap.Error(err))
		return nil, syscall.EIO
	}
	return siteNames(recs), 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	sites, errno := r.sites(ctx)
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, 0, len(sites))
	for name := range sites {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	sites, errno := r.sites(ctx)
	if errno != 0 {
		return nil, errno
	}
	rec, ok := sites[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	t, errno := r.load(ctx, rec.SiteCID)
	if errno != 0 {
		return nil, errno
	}
	setDirAttr(&out.Attr)
	out.SetEntryTimeout(cacheTimeout)
	return r.NewInode(ctx, &dirNode{tree: t}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Statfs reports the summed size of all pinned sites.
func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	recs, err := r.records.List(ctx)
	if err != nil {
		return syscall.EIO
	}
	var total int64
	for _, rec := range recs {
		total += rec.SizeBytes
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64((total + blockSize - 1) / blockSize)
	out.Files = uint64(len(recs))
	out.NameLen = 255
	return 0
}

// load fetches a site tree once and keeps it; snapshots are immutable.
func (r *Root) load(ctx context.Context, siteCID string) (*tree, syscall.Errno) {
	r.mu.Lock()
	t, ok := r.trees[siteCID]
	r.mu.Unlock()
	if ok {
		return t, 0
	}

	id, err := cid.Decode(siteCID)
	if err != nil {
		r.logger.Warn("Skipping record with invalid site CID", zap.String("site_cid", siteCID), zap.Error(err))
		return nil, syscall.ENOENT
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	entries, err := r.store.Fetch(fetchCtx, id)
	if err != nil {
		r.logger.Error("Failed to fetch site", zap.String("site_cid", siteCID), zap.Error(err))
		return nil, syscall.EIO
	}

	t = buildTree(entries)
	r.mu.Lock()
	r.trees[siteCID] = t
	r.mu.Unlock()
	r.logger.Debug("Loaded site tree",
		zap.String("site_cid", siteCID),
		zap.Int("files", len(entries)),
		zap.Int64("size_bytes", t.size))
	return t, 0
}

// dirNode is a directory inside a site snapshot.
type dirNode struct {
	fs.Inode
	tree *tree
}

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(cacheTimeout)
	return 0
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream(d.tree.list()), 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if sub, ok := d.tree.dirs[name]; ok {
		setDirAttr(&out.Attr)
		return d.NewInode(ctx, &dirNode{tree: sub}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	data, ok := d.tree.files[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	file := &fs.MemRegularFile{
		Data: data,
		Attr: fuse.Attr{Mode: syscall.S_IFREG | 0o444},
	}
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(len(data))
	return d.NewInode(ctx, file, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

func setDirAttr(attr *fuse.Attr) {
	attr.Mode = syscall.S_IFDIR | 0o555
	attr.Nlink = 2
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}
