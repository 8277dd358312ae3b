// Package discovery keeps the local, ever-growing view of every manifest
// this node has seen announced.
package discovery

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"freepress/pkg/metrics"
	"freepress/pkg/types"
)

type SortOrder string

const (
	SortByTimestamp   SortOrder = "timestamp"
	SortByMirrorCount SortOrder = "mirrors"
)

// ParseSortOrder maps user input onto a SortOrder, defaulting to timestamp.
func ParseSortOrder(s string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mirrors", "mirror_count", "mirrorcount":
		return SortByMirrorCount
	default:
		return SortByTimestamp
	}
}

type Filter struct {
	// Tag matches any tag containing it, case-insensitively.
	Tag     string
	PubKey  string
	SiteCID string
	// LatestOnly keeps only the newest manifest per site and publisher;
	// among equally new ones the most mirrored wins.
	LatestOnly bool
	Limit      int
}

// Registry is an in-memory, insertion-ordered set of manifests keyed by
// manifest cid. It never evicts.
type Registry struct {
	mu      sync.RWMutex
	entries []types.Manifest
	index   map[string]int
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		index:   make(map[string]int),
		metrics: m,
	}
}

// Ingest adds m unless its manifest cid is already present. It reports
// whether the registry changed.
func (r *Registry) Ingest(m types.Manifest) bool {
	if m.ManifestCID == "" {
		return false
	}
	m.Tags = slices.Clone(m.Tags)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[m.ManifestCID]; ok {
		return false
	}
	r.index[m.ManifestCID] = len(r.entries)
	r.entries = append(r.entries, m)
	r.metrics.RegistryManifests.Set(float64(len(r.entries)))
	return true
}

func (r *Registry) Get(manifestCID string) (types.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[manifestCID]
	if !ok {
		return types.Manifest{}, false
	}
	return clone(r.entries[i]), true
}

func clone(m types.Manifest) types.Manifest {
	m.Tags = slices.Clone(m.Tags)
	return m
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Query returns a filtered copy sorted descending by order. Ties keep
// insertion order.
func (r *Registry) Query(f Filter, order SortOrder) []types.Manifest {
	tag := strings.ToLower(strings.TrimSpace(f.Tag))

	r.mu.RLock()
	out := make([]types.Manifest, 0, len(r.entries))
	for _, m := range r.entries {
		if f.PubKey != "" && m.PubKey != f.PubKey {
			continue
		}
		if f.SiteCID != "" && m.SiteCID != f.SiteCID {
			continue
		}
		if tag != "" && !hasTag(m.Tags, tag) {
			continue
		}
		out = append(out, clone(m))
	}
	r.mu.RUnlock()

	if f.LatestOnly {
		out = latestOnly(out)
	}

	switch order {
	case SortByMirrorCount:
		sort.SliceStable(out, func(i, j int) bool { return out[i].MirrorCount > out[j].MirrorCount })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func hasTag(tags []string, needle string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func latestOnly(in []types.Manifest) []types.Manifest {
	type key struct{ site, pub string }
	best := make(map[key]int, len(in))
	for i, m := range in {
		k := key{m.SiteCID, m.PubKey}
		j, ok := best[k]
		if !ok || m.Timestamp > in[j].Timestamp ||
			(m.Timestamp == in[j].Timestamp && m.MirrorCount > in[j].MirrorCount) {
			best[k] = i
		}
	}
	out := make([]types.Manifest, 0, len(best))
	for i, m := range in {
		if best[key{m.SiteCID, m.PubKey}] == i {
			out = append(out, m)
		}
	}
	return out
}
