package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"freepress/pkg/utils"
)

// LoadFromEnv builds a configuration from FREEPRESS_* variables on top of
// the defaults. Unparseable values keep the default.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.Mode = Mode(getEnv("FREEPRESS_MODE", string(cfg.Mode)))
	cfg.DataDir = getEnv("FREEPRESS_DATA_DIR", cfg.DataDir)

	n := &cfg.Node
	n.APIAddress = getEnv("FREEPRESS_API_ADDRESS", n.APIAddress)
	n.KeyFile = getEnv("FREEPRESS_KEY_FILE", n.KeyFile)

	n.Substrate.Kind = getEnv("FREEPRESS_SUBSTRATE", n.Substrate.Kind)
	n.Substrate.ListenAddrs = getEnvList("FREEPRESS_LISTEN_ADDRS", n.Substrate.ListenAddrs)
	n.Substrate.BootstrapPeers = getEnvList("FREEPRESS_BOOTSTRAP_PEERS", n.Substrate.BootstrapPeers)
	n.Substrate.MDNS = getEnvBool("FREEPRESS_MDNS", n.Substrate.MDNS)
	n.Substrate.RelayAddress = getEnv("FREEPRESS_RELAY_ADDRESS", n.Substrate.RelayAddress)

	n.ContentStore.Kind = getEnv("FREEPRESS_CONTENT_STORE", n.ContentStore.Kind)
	n.ContentStore.APIURL = getEnv("FREEPRESS_KUBO_API", n.ContentStore.APIURL)

	n.Records.Backend = getEnv("FREEPRESS_RECORDS_BACKEND", n.Records.Backend)
	n.Records.DSN = getEnv("FREEPRESS_RECORDS_DSN", n.Records.DSN)

	n.Pipeline.Enabled = getEnvBool("FREEPRESS_PIPELINE_ENABLED", n.Pipeline.Enabled)
	n.Pipeline.ExportDir = getEnv("FREEPRESS_EXPORT_DIR", n.Pipeline.ExportDir)
	n.Pipeline.MaxSnapshotSize = utils.DataSize(utils.ParseDataSizeWithDefault(
		os.Getenv("FREEPRESS_MAX_SNAPSHOT_SIZE"), n.Pipeline.MaxSnapshotSize.Int64()))
	n.Pipeline.Interval = getEnvDuration("FREEPRESS_PIPELINE_INTERVAL", n.Pipeline.Interval)
	n.Pipeline.InitialDelay = getEnvDuration("FREEPRESS_PIPELINE_INITIAL_DELAY", n.Pipeline.InitialDelay)

	n.Publication.Title = getEnv("FREEPRESS_TITLE", n.Publication.Title)
	n.Publication.Description = getEnv("FREEPRESS_DESCRIPTION", n.Publication.Description)
	n.Publication.Tags = getEnvList("FREEPRESS_TAGS", n.Publication.Tags)
	n.Publication.OnionURL = getEnv("FREEPRESS_ONION_URL", n.Publication.OnionURL)

	n.TrustedPublishers = getEnvList("FREEPRESS_TRUSTED_PUBLISHERS", n.TrustedPublishers)
	n.AutoMirror = getEnvBool("FREEPRESS_AUTO_MIRROR", n.AutoMirror)

	cfg.Relay.Address = getEnv("FREEPRESS_RELAY_LISTEN", cfg.Relay.Address)
	cfg.Relay.History.Backend = getEnv("FREEPRESS_RELAY_HISTORY", cfg.Relay.History.Backend)
	cfg.Relay.Retention = getEnvDuration("FREEPRESS_RELAY_RETENTION", cfg.Relay.Retention)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value: "a, b,c".
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return Duration(d)
}
