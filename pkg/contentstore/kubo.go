package contentstore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	pathpkg "path"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/boxo/files"
	"github.com/ipfs/boxo/path"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/kubo/client/rpc"
	"github.com/ipfs/kubo/core/coreiface/options"
	"go.uber.org/zap"
)

const DefaultKuboAPI = "http://127.0.0.1:5001"

// Kubo is a Store backed by a Kubo daemon's RPC API.
type Kubo struct {
	api    *rpc.HttpApi
	logger *zap.Logger
}

type KuboOptions struct {
	// APIURL is the RPC endpoint, e.g. http://127.0.0.1:5001.
	APIURL string
	// Timeout applies per request when non-zero.
	Timeout time.Duration
	Client  *http.Client
}

func NewKubo(opts KuboOptions, logger *zap.Logger) (*Kubo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	base := strings.TrimRight(opts.APIURL, "/")
	if base == "" {
		base = DefaultKuboAPI
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	api, err := rpc.NewURLApiWithClient(base, client)
	if err != nil {
		return nil, fmt.Errorf("kubo: %w", err)
	}
	return &Kubo{api: api, logger: logger}, nil
}

// kuboError maps client failures onto the package sentinels. Anything that
// never produced an API response counts as the store being unavailable.
func kuboError(ctx context.Context, command string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *rpc.Error
	if errors.As(err, &apiErr) {
		lower := strings.ToLower(apiErr.Message)
		switch {
		case lower == "command not found":
			return fmt.Errorf("%w: %s: %s", ErrUnavailable, command, apiErr.Message)
		case strings.Contains(lower, "not pinned"):
			return fmt.Errorf("%w: %s", ErrNotPinned, apiErr.Message)
		case strings.Contains(lower, "not found"):
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		default:
			return fmt.Errorf("kubo: %s: %s", command, apiErr.Message)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, command, err)
}

func (k *Kubo) Ping(ctx context.Context) error {
	var out struct{ Version string }
	return kuboError(ctx, "version", k.api.Request("version").Exec(ctx, &out))
}

// Add uploads the tree as one directory without pinning it. The daemon
// reports the directory's id last, after every child is stored.
func (k *Kubo) Add(ctx context.Context, tree []Entry) (cid.Cid, error) {
	sorted, err := ValidateTree(tree)
	if err != nil {
		return cid.Undef, err
	}

	p, err := k.api.Unixfs().Add(ctx, nest(sorted).node(),
		options.Unixfs.CidVersion(1),
		options.Unixfs.Pin(false))
	if err != nil {
		return cid.Undef, kuboError(ctx, "add", err)
	}

	id := p.RootCid()
	k.logger.Debug("Added tree to kubo",
		zap.String("cid", id.String()),
		zap.Int("files", len(sorted)))
	return id, nil
}

func (d *buildDir) node() files.Directory {
	nodes := make(map[string]files.Node, len(d.files)+len(d.dirs))
	for name, sub := range d.dirs {
		nodes[name] = sub.node()
	}
	for name, data := range d.files {
		nodes[name] = files.NewBytesFile(data)
	}
	return files.NewMapDirectory(nodes)
}

func (k *Kubo) Pin(ctx context.Context, id cid.Cid) error {
	return kuboError(ctx, "pin/add", k.api.Pin().Add(ctx, path.FromCid(id)))
}

func (k *Kubo) Unpin(ctx context.Context, id cid.Cid) error {
	return kuboError(ctx, "pin/rm", k.api.Pin().Rm(ctx, path.FromCid(id)))
}

// Fetch downloads the tree as a single tar archive. The archive's
// top-level directory is the root id and is stripped from entry paths.
func (k *Kubo) Fetch(ctx context.Context, id cid.Cid) ([]Entry, error) {
	resp, err := k.api.Request("get", path.FromCid(id).String()).
		Option("archive", true).
		Send(ctx)
	if err != nil {
		return nil, kuboError(ctx, "get", err)
	}
	if resp.Error != nil {
		return nil, kuboError(ctx, "get", resp.Error)
	}
	defer resp.Close()

	var out []Entry
	tr := tar.NewReader(resp.Output)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kubo: get: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(pathpkg.Clean(hdr.Name), "/")
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("kubo: get: read %s: %w", hdr.Name, err)
		}
		out = append(out, Entry{Path: name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
