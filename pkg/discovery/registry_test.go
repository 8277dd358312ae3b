package discovery

import (
	"fmt"
	"testing"

	"freepress/pkg/metrics"
	"freepress/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, ts uint64, mirrors uint32, tags ...string) types.Manifest {
	return types.Manifest{
		ManifestCID: id,
		SiteCID:     "site-" + id,
		PubKey:      "pub",
		Timestamp:   ts,
		MirrorCount: mirrors,
		Tags:        tags,
	}
}

func ids(ms []types.Manifest) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ManifestCID
	}
	return out
}

func TestIngestIsIdempotent(t *testing.T) {
	m := metrics.New(nil)
	reg := NewRegistry(m)

	assert.True(t, reg.Ingest(entry("A", 1, 0)))
	assert.False(t, reg.Ingest(entry("A", 1, 0)))
	assert.False(t, reg.Ingest(entry("A", 99, 7)), "same manifest cid never replaces the first copy")
	assert.False(t, reg.Ingest(types.Manifest{}), "manifest without cid is rejected")

	assert.Equal(t, 1, reg.Count())
	got, ok := reg.Get("A")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Timestamp)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegistryManifests))

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestQuerySortIsStable(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Ingest(entry("A", 100, 1))
	reg.Ingest(entry("B", 300, 0))
	reg.Ingest(entry("C", 100, 1))

	assert.Equal(t, []string{"B", "A", "C"}, ids(reg.Query(Filter{}, SortByTimestamp)))
	assert.Equal(t, []string{"A", "C", "B"}, ids(reg.Query(Filter{}, SortByMirrorCount)))
}

func TestQueryTagFilter(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Ingest(entry("A", 1, 0, "News", "local"))
	reg.Ingest(entry("B", 2, 0, "Sports"))
	reg.Ingest(entry("C", 3, 0, "breaking-news"))
	reg.Ingest(entry("D", 4, 0))

	tests := []struct {
		tag  string
		want []string
	}{
		{"NEWS", []string{"C", "A"}},
		{"sports", []string{"B"}},
		{"  port ", []string{"B"}},
		{"weather", []string{}},
		{"", []string{"D", "C", "B", "A"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("tag=%q", tt.tag), func(t *testing.T) {
			assert.Equal(t, tt.want, ids(reg.Query(Filter{Tag: tt.tag}, SortByTimestamp)))
		})
	}
}

func TestQueryPublisherSiteAndLimit(t *testing.T) {
	reg := NewRegistry(nil)
	a := entry("A", 1, 0)
	a.PubKey = "alice"
	b := entry("B", 2, 0)
	b.PubKey = "bob"
	reg.Ingest(a)
	reg.Ingest(b)

	assert.Equal(t, []string{"A"}, ids(reg.Query(Filter{PubKey: "alice"}, SortByTimestamp)))
	assert.Equal(t, []string{"B"}, ids(reg.Query(Filter{SiteCID: "site-B"}, SortByTimestamp)))
	assert.Equal(t, []string{"B"}, ids(reg.Query(Filter{Limit: 1}, SortByTimestamp)))
}

func TestQueryLatestOnly(t *testing.T) {
	reg := NewRegistry(nil)
	older := entry("v1", 100, 0)
	older.SiteCID = "site"
	newer := entry("v2", 200, 0)
	newer.SiteCID = "site"
	other := entry("x", 150, 0)

	reg.Ingest(older)
	reg.Ingest(newer)
	reg.Ingest(other)

	assert.Equal(t, []string{"v2", "x", "v1"}, ids(reg.Query(Filter{}, SortByTimestamp)),
		"versions of one site coexist")
	assert.Equal(t, []string{"v2", "x"}, ids(reg.Query(Filter{LatestOnly: true}, SortByTimestamp)))

	mirrored := newer
	mirrored.ManifestCID = "v2-mirrored"
	mirrored.MirrorCount = 2
	reg.Ingest(mirrored)
	assert.Equal(t, []string{"v2-mirrored", "x"}, ids(reg.Query(Filter{LatestOnly: true}, SortByTimestamp)))
}

func TestQueryReturnsCopies(t *testing.T) {
	reg := NewRegistry(nil)
	tags := []string{"news"}
	reg.Ingest(entry("A", 1, 0, tags...))
	tags[0] = "mutated"

	out := reg.Query(Filter{}, SortByTimestamp)
	out[0].Title = "changed"
	out[0].Tags[0] = "changed"

	got, _ := reg.Get("A")
	assert.Equal(t, []string{"news"}, got.Tags)
	assert.Empty(t, got.Title)

	got.Tags[0] = "changed"
	again, _ := reg.Get("A")
	assert.Equal(t, []string{"news"}, again.Tags)
}

func TestParseSortOrder(t *testing.T) {
	assert.Equal(t, SortByMirrorCount, ParseSortOrder("mirrors"))
	assert.Equal(t, SortByMirrorCount, ParseSortOrder("Mirror_Count"))
	assert.Equal(t, SortByTimestamp, ParseSortOrder("timestamp"))
	assert.Equal(t, SortByTimestamp, ParseSortOrder(""))
}
