package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"freepress/pkg/auth"
	"freepress/pkg/utils"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeNode  Mode = "node"
	ModeRelay Mode = "relay"
)

const (
	SubstrateMemory    = "memory"
	SubstrateGossipSub = "gossipsub"
	SubstrateRelay     = "relay"

	StoreKubo   = "kubo"
	StoreMemory = "memory"

	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
)

type Config struct {
	Mode    Mode        `json:"mode" yaml:"mode"`
	DataDir string      `json:"data_dir" yaml:"data_dir"`
	Node    NodeConfig  `json:"node" yaml:"node"`
	Relay   RelayConfig `json:"relay" yaml:"relay"`
}

type NodeConfig struct {
	APIAddress string `json:"api_address" yaml:"api_address"`
	// KeyFile defaults to <data_dir>/identity.key.
	KeyFile           string             `json:"key_file" yaml:"key_file"`
	Substrate         SubstrateConfig    `json:"substrate" yaml:"substrate"`
	ContentStore      ContentStoreConfig `json:"content_store" yaml:"content_store"`
	Records           RecordsConfig      `json:"records" yaml:"records"`
	Pipeline          PipelineConfig     `json:"pipeline" yaml:"pipeline"`
	Publication       PublicationConfig  `json:"publication" yaml:"publication"`
	Channel           ChannelConfig      `json:"channel" yaml:"channel"`
	Health            HealthConfig       `json:"health" yaml:"health"`
	TrustedPublishers []string           `json:"trusted_publishers" yaml:"trusted_publishers"`
	// AutoMirror pins every accepted manifest from a trusted publisher.
	AutoMirror bool `json:"auto_mirror" yaml:"auto_mirror"`
}

type SubstrateConfig struct {
	Kind             string          `json:"kind" yaml:"kind"`
	ListenAddrs      []string        `json:"listen_addrs" yaml:"listen_addrs"`
	BootstrapPeers   []string        `json:"bootstrap_peers" yaml:"bootstrap_peers"`
	MDNS             bool            `json:"mdns" yaml:"mdns"`
	HistoryCapacity  int             `json:"history_capacity" yaml:"history_capacity"`
	HistoryRetention Duration        `json:"history_retention" yaml:"history_retention"`
	RelayAddress     string          `json:"relay_address" yaml:"relay_address"`
	TLS              *auth.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type ContentStoreConfig struct {
	Kind    string   `json:"kind" yaml:"kind"`
	APIURL  string   `json:"api_url" yaml:"api_url"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type RecordsConfig struct {
	// Backend is one of memory, sqlite or postgres.
	Backend string `json:"backend" yaml:"backend"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `json:"dsn" yaml:"dsn"`
}

type PipelineConfig struct {
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	ExportDir       string         `json:"export_dir" yaml:"export_dir"`
	MaxSnapshotSize utils.DataSize `json:"max_snapshot_size" yaml:"max_snapshot_size"`
	InitialDelay    Duration       `json:"initial_delay" yaml:"initial_delay"`
	Interval        Duration       `json:"interval" yaml:"interval"`
	SnapshotTimeout Duration       `json:"snapshot_timeout" yaml:"snapshot_timeout"`
	CommitTimeout   Duration       `json:"commit_timeout" yaml:"commit_timeout"`
	PinTimeout      Duration       `json:"pin_timeout" yaml:"pin_timeout"`
}

// PublicationConfig is stamped on every manifest this node announces.
type PublicationConfig struct {
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Tags        []string `json:"tags" yaml:"tags"`
	OnionURL    string   `json:"onion_url" yaml:"onion_url"`
}

type ChannelConfig struct {
	MaxSendAttempts int      `json:"max_send_attempts" yaml:"max_send_attempts"`
	ResendInterval  Duration `json:"resend_interval" yaml:"resend_interval"`
	MaxResends      int      `json:"max_resends" yaml:"max_resends"`
	AckInterval     Duration `json:"ack_interval" yaml:"ack_interval"`
	ReplayWindow    Duration `json:"replay_window" yaml:"replay_window"`
}

type HealthConfig struct {
	RecheckInterval Duration `json:"recheck_interval" yaml:"recheck_interval"`
	SufficientPeers int      `json:"sufficient_peers" yaml:"sufficient_peers"`
}

type RelayConfig struct {
	Address   string          `json:"address" yaml:"address"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Retention Duration        `json:"retention" yaml:"retention"`
	Capacity  int             `json:"capacity" yaml:"capacity"`
	TLS       *auth.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type HistoryConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns a node configuration that runs against a local Kubo
// daemon and joins the gossip network.
func Default() *Config {
	return &Config{
		Mode:    ModeNode,
		DataDir: "./data",
		Node: NodeConfig{
			APIAddress: "127.0.0.1:8080",
			Substrate: SubstrateConfig{
				Kind:             SubstrateGossipSub,
				ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/4001"},
				MDNS:             true,
				HistoryCapacity:  1024,
				HistoryRetention: Duration(24 * time.Hour),
			},
			ContentStore: ContentStoreConfig{
				Kind:    StoreKubo,
				APIURL:  "http://127.0.0.1:5001",
				Timeout: Duration(time.Minute),
			},
			Records: RecordsConfig{Backend: "sqlite"},
			Pipeline: PipelineConfig{
				Enabled:         true,
				ExportDir:       "./export",
				MaxSnapshotSize: utils.DataSize(utils.GigaByte),
				InitialDelay:    Duration(30 * time.Second),
				Interval:        Duration(time.Hour),
				SnapshotTimeout: Duration(2 * time.Minute),
				CommitTimeout:   Duration(5 * time.Minute),
				PinTimeout:      Duration(2 * time.Minute),
			},
			Channel: ChannelConfig{
				MaxSendAttempts: 3,
				ResendInterval:  Duration(30 * time.Second),
				MaxResends:      3,
				AckInterval:     Duration(time.Second),
				ReplayWindow:    Duration(24 * time.Hour),
			},
			Health: HealthConfig{
				RecheckInterval: Duration(10 * time.Second),
				SufficientPeers: 2,
			},
		},
		Relay: RelayConfig{
			Address:   ":7070",
			History:   HistoryConfig{Backend: HistorySQLite},
			Retention: Duration(24 * time.Hour),
			Capacity:  10000,
		},
	}
}

// LoadConfig reads a JSON or YAML file (by extension) over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeNode, ModeRelay:
	default:
		return fmt.Errorf("invalid mode %q (expected node or relay)", c.Mode)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Mode == ModeRelay {
		if c.Relay.Address == "" {
			return fmt.Errorf("relay.address is required")
		}
		switch c.Relay.History.Backend {
		case HistoryMemory, HistorySQLite:
		default:
			return fmt.Errorf("invalid relay history backend %q", c.Relay.History.Backend)
		}
		return c.Relay.TLS.Validate()
	}

	n := c.Node
	switch n.Substrate.Kind {
	case SubstrateMemory, SubstrateGossipSub:
	case SubstrateRelay:
		if n.Substrate.RelayAddress == "" {
			return fmt.Errorf("node.substrate.relay_address is required for the relay substrate")
		}
	default:
		return fmt.Errorf("invalid substrate kind %q", n.Substrate.Kind)
	}
	if err := n.Substrate.TLS.Validate(); err != nil {
		return err
	}

	switch n.ContentStore.Kind {
	case StoreMemory:
	case StoreKubo:
		if n.ContentStore.APIURL == "" {
			return fmt.Errorf("node.content_store.api_url is required for kubo")
		}
	default:
		return fmt.Errorf("invalid content store kind %q", n.ContentStore.Kind)
	}

	switch n.Records.Backend {
	case "memory", "sqlite":
	case "postgres":
		if n.Records.DSN == "" {
			return fmt.Errorf("node.records.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid records backend %q", n.Records.Backend)
	}

	if n.Pipeline.Enabled && n.Pipeline.ExportDir == "" {
		return fmt.Errorf("node.pipeline.export_dir is required when the pipeline is enabled")
	}
	if n.Health.SufficientPeers < 1 {
		return fmt.Errorf("node.health.sufficient_peers must be at least 1")
	}
	return nil
}

// Path resolves p against DataDir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) KeyPath() string {
	if c.Node.KeyFile != "" {
		return expandPath(c.Node.KeyFile)
	}
	return c.Path("identity.key")
}

// RecordsDSN fills in the default sqlite file for the record store.
func (c *Config) RecordsDSN() string {
	if c.Node.Records.DSN != "" || c.Node.Records.Backend != "sqlite" {
		return c.Node.Records.DSN
	}
	return c.Path("records.db")
}

func (c *Config) HistoryPath() string {
	if c.Relay.History.Path != "" {
		return c.Path(c.Relay.History.Path)
	}
	return c.Path("relay-history.db")
}

// IsTrusted reports whether pubKey is in the trusted publisher list.
func (c *Config) IsTrusted(pubKey string) bool {
	for _, k := range c.Node.TrustedPublishers {
		if strings.EqualFold(k, pubKey) {
			return true
		}
	}
	return false
}
