package contentstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// dirNode is the canonical CBOR form of a directory.
type dirNode struct {
	Links []dirLink `cbor:"1,keyasint"`
}

type dirLink struct {
	Name string `cbor:"1,keyasint"`
	CID  []byte `cbor:"2,keyasint"`
	Size int64  `cbor:"3,keyasint"`
	Dir  bool   `cbor:"4,keyasint,omitempty"`
}

// Memory is an in-process Merkle store. File leaves are raw blocks and
// directories are dag-cbor blocks, so root ids are deterministic.
type Memory struct {
	mu       sync.RWMutex
	blocks   map[string][]byte
	pins     map[string]struct{}
	failures map[string]error
	enc      cbor.EncMode
}

func NewMemory() *Memory {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("contentstore: cbor enc mode: %v", err))
	}
	return &Memory{
		blocks:   make(map[string][]byte),
		pins:     make(map[string]struct{}),
		failures: make(map[string]error),
		enc:      enc,
	}
}

// InjectFailure makes every call of op ("add", "pin", "unpin", "fetch")
// fail with err. A nil err clears it.
func (m *Memory) InjectFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[op]
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.failure("ping")
}

type buildDir struct {
	files map[string][]byte
	dirs  map[string]*buildDir
}

func newBuildDir() *buildDir {
	return &buildDir{files: make(map[string][]byte), dirs: make(map[string]*buildDir)}
}

// nest turns a validated flat tree into nested directories.
func nest(sorted []Entry) *buildDir {
	root := newBuildDir()
	for _, e := range sorted {
		dir := root
		parts := strings.Split(e.Path, "/")
		for _, p := range parts[:len(parts)-1] {
			next, ok := dir.dirs[p]
			if !ok {
				next = newBuildDir()
				dir.dirs[p] = next
			}
			dir = next
		}
		dir.files[parts[len(parts)-1]] = e.Data
	}
	return root
}

func (m *Memory) Add(ctx context.Context, tree []Entry) (cid.Cid, error) {
	if err := m.failure("add"); err != nil {
		return cid.Undef, err
	}
	sorted, err := ValidateTree(tree)
	if err != nil {
		return cid.Undef, err
	}

	root := nest(sorted)

	// blocks are staged and only published once the whole tree is built
	staged := make(map[string][]byte)
	id, _, err := m.buildNode(root, staged)
	if err != nil {
		return cid.Undef, err
	}
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}

	m.mu.Lock()
	for k, v := range staged {
		m.blocks[k] = v
	}
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) buildNode(dir *buildDir, staged map[string][]byte) (cid.Cid, int64, error) {
	names := make([]string, 0, len(dir.files)+len(dir.dirs))
	for name := range dir.files {
		names = append(names, name)
	}
	for name := range dir.dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	node := dirNode{Links: make([]dirLink, 0, len(names))}
	var total int64
	for _, name := range names {
		if data, ok := dir.files[name]; ok {
			id, err := sumCID(cid.Raw, data)
			if err != nil {
				return cid.Undef, 0, err
			}
			staged[id.KeyString()] = append([]byte(nil), data...)
			node.Links = append(node.Links, dirLink{Name: name, CID: id.Bytes(), Size: int64(len(data))})
			total += int64(len(data))
			continue
		}
		id, size, err := m.buildNode(dir.dirs[name], staged)
		if err != nil {
			return cid.Undef, 0, err
		}
		node.Links = append(node.Links, dirLink{Name: name, CID: id.Bytes(), Size: size, Dir: true})
		total += size
	}

	enc, err := m.enc.Marshal(node)
	if err != nil {
		return cid.Undef, 0, fmt.Errorf("contentstore: encode directory: %w", err)
	}
	id, err := sumCID(cid.DagCBOR, enc)
	if err != nil {
		return cid.Undef, 0, err
	}
	staged[id.KeyString()] = enc
	return id, total, nil
}

func sumCID(codec uint64, data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("contentstore: hash: %w", err)
	}
	return cid.NewCidV1(codec, sum), nil
}

func (m *Memory) Pin(ctx context.Context, id cid.Cid) error {
	if err := m.failure("pin"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id.KeyString()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.pins[id.KeyString()] = struct{}{}
	return nil
}

func (m *Memory) Unpin(ctx context.Context, id cid.Cid) error {
	if err := m.failure("unpin"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pins[id.KeyString()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotPinned, id)
	}
	delete(m.pins, id.KeyString())
	return nil
}

// Pinned reports whether id is currently pinned.
func (m *Memory) Pinned(id cid.Cid) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pins[id.KeyString()]
	return ok
}

func (m *Memory) Fetch(ctx context.Context, id cid.Cid) ([]Entry, error) {
	if err := m.failure("fetch"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id.Type() == cid.Raw {
		data, ok := m.blocks[id.KeyString()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return []Entry{{Path: id.String(), Data: append([]byte(nil), data...)}}, nil
	}

	var out []Entry
	if err := m.walk(id, "", &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) walk(id cid.Cid, prefix string, out *[]Entry) error {
	raw, ok := m.blocks[id.KeyString()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var node dirNode
	if err := cbor.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("contentstore: decode directory %s: %w", id, err)
	}
	for _, link := range node.Links {
		child, err := cid.Cast(link.CID)
		if err != nil {
			return fmt.Errorf("contentstore: bad link in %s: %w", id, err)
		}
		p := path.Join(prefix, link.Name)
		if link.Dir {
			if err := m.walk(child, p, out); err != nil {
				return err
			}
			continue
		}
		data, ok := m.blocks[child.KeyString()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, child)
		}
		*out = append(*out, Entry{Path: p, Data: append([]byte(nil), data...)})
	}
	return nil
}
