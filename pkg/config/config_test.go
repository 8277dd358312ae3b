package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"freepress/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeNode, cfg.Mode)
	assert.Equal(t, time.Hour, cfg.Node.Pipeline.Interval.Std())
	assert.Equal(t, utils.GigaByte, cfg.Node.Pipeline.MaxSnapshotSize.Int64())
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "node.json", `{
		"data_dir": "/var/lib/freepress",
		"node": {
			"substrate": {"kind": "relay", "relay_address": "relay.example:7070"},
			"content_store": {"kind": "memory"},
			"pipeline": {"export_dir": "/srv/site", "interval": "15m", "max_snapshot_size": "256MiB"},
			"publication": {"title": "The Daily", "tags": ["news", "local"]},
			"trusted_publishers": ["ABCD"]
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeNode, cfg.Mode, "unset fields keep defaults")
	assert.Equal(t, SubstrateRelay, cfg.Node.Substrate.Kind)
	assert.Equal(t, 15*time.Minute, cfg.Node.Pipeline.Interval.Std())
	assert.Equal(t, 256*utils.MegaByte, cfg.Node.Pipeline.MaxSnapshotSize.Int64())
	assert.Equal(t, 2*time.Minute, cfg.Node.Pipeline.PinTimeout.Std())
	assert.Equal(t, []string{"news", "local"}, cfg.Node.Publication.Tags)
	assert.True(t, cfg.IsTrusted("abcd"))
	assert.False(t, cfg.IsTrusted("beef"))
	assert.Equal(t, "/var/lib/freepress/records.db", cfg.RecordsDSN())
	assert.Equal(t, "/var/lib/freepress/identity.key", cfg.KeyPath())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
mode: relay
data_dir: ./relay-data
relay:
  address: ":9090"
  retention: 48h
  history:
    backend: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeRelay, cfg.Mode)
	assert.Equal(t, ":9090", cfg.Relay.Address)
	assert.Equal(t, 48*time.Hour, cfg.Relay.Retention.Std())
	assert.Equal(t, HistoryMemory, cfg.Relay.History.Backend)
	assert.Equal(t, filepath.Join("relay-data", "relay-history.db"), cfg.HistoryPath())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "a.json", `{"mode": `},
		{"bad mode", "b.json", `{"mode": "coordinator"}`},
		{"bad duration", "c.json", `{"node": {"pipeline": {"interval": "soon"}}}`},
		{"bad size", "d.yaml", "node:\n  pipeline:\n    max_snapshot_size: lots\n"},
		{"relay without address", "e.json", `{"node": {"substrate": {"kind": "relay"}}}`},
		{"postgres without dsn", "f.json", `{"node": {"records": {"backend": "postgres"}}}`},
		{"unknown store", "g.json", `{"node": {"content_store": {"kind": "s3"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FREEPRESS_DATA_DIR", "/tmp/fp")
	t.Setenv("FREEPRESS_SUBSTRATE", "memory")
	t.Setenv("FREEPRESS_BOOTSTRAP_PEERS", "/ip4/1.2.3.4/tcp/4001/p2p/QmA, /ip4/5.6.7.8/tcp/4001/p2p/QmB")
	t.Setenv("FREEPRESS_MDNS", "false")
	t.Setenv("FREEPRESS_MAX_SNAPSHOT_SIZE", "10MB")
	t.Setenv("FREEPRESS_PIPELINE_INTERVAL", "5m")
	t.Setenv("FREEPRESS_TAGS", "news,,sports")
	t.Setenv("FREEPRESS_AUTO_MIRROR", "not-a-bool")

	cfg := LoadFromEnv()
	assert.Equal(t, "/tmp/fp", cfg.DataDir)
	assert.Equal(t, SubstrateMemory, cfg.Node.Substrate.Kind)
	assert.Len(t, cfg.Node.Substrate.BootstrapPeers, 2)
	assert.False(t, cfg.Node.Substrate.MDNS)
	assert.Equal(t, int64(10000000), cfg.Node.Pipeline.MaxSnapshotSize.Int64())
	assert.Equal(t, 5*time.Minute, cfg.Node.Pipeline.Interval.Std())
	assert.Equal(t, []string{"news", "sports"}, cfg.Node.Publication.Tags)
	assert.False(t, cfg.Node.AutoMirror, "unparseable values keep the default")
	require.NoError(t, cfg.Validate())
}

func TestClientConfig(t *testing.T) {
	t.Setenv("FREEPRESS_CONFIG_DIR", t.TempDir())

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	ep, err := cfg.ResolveEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIAddress, ep.BaseURL)
	assert.Equal(t, 30*time.Second, ep.Timeout)

	require.NoError(t, cfg.AddNode(NodeEntry{Name: "home", APIAddress: ":8081"}))
	require.NoError(t, cfg.AddNode(NodeEntry{Name: "vps", APIAddress: "https://press.example/"}))
	assert.Error(t, cfg.AddNode(NodeEntry{Name: "nameless"}))
	cfg.Defaults.Timeout = "5s"
	require.NoError(t, cfg.Save())

	loaded, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "home", loaded.Defaults.PreferredNode)

	ep, err = loaded.ResolveEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8081", ep.BaseURL)
	assert.Equal(t, 5*time.Second, ep.Timeout)

	ep, err = loaded.ResolveEndpoint("vps")
	require.NoError(t, err)
	assert.Equal(t, "https://press.example", ep.BaseURL)

	ep, err = loaded.ResolveEndpoint("10.0.0.2:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080", ep.BaseURL)

	_, err = loaded.ResolveEndpoint("no port")
	assert.Error(t, err)

	require.NoError(t, loaded.RemoveNode("home"))
	assert.Equal(t, "vps", loaded.Defaults.PreferredNode)
	assert.Error(t, loaded.RemoveNode("home"))
}
