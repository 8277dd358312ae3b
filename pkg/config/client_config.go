package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultAPIAddress = "http://127.0.0.1:8080"

// ClientConfig holds the CLI's known nodes and output preferences.
type ClientConfig struct {
	Version  string          `json:"version"`
	Nodes    []NodeEntry     `json:"nodes"`
	Defaults DefaultSettings `json:"defaults"`
}

type DefaultSettings struct {
	PreferredNode string `json:"preferred_node,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	OutputFormat  string `json:"output_format,omitempty"`
}

// NodeEntry names the control API of one node.
type NodeEntry struct {
	Name        string `json:"name"`
	APIAddress  string `json:"api_address"`
	Description string `json:"description,omitempty"`
}

// Endpoint is a resolved control API target.
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
}

// GetConfigDir returns the freepress client configuration directory.
func GetConfigDir() string {
	if dir := os.Getenv("FREEPRESS_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "freepress")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".freepress"
	}
	return filepath.Join(home, ".freepress")
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "client.json")
}

// LoadClientConfig returns the saved client config, or defaults when none
// has been written yet.
func LoadClientConfig() (*ClientConfig, error) {
	cfg := &ClientConfig{
		Version: "1",
		Defaults: DefaultSettings{
			Timeout:      "30s",
			OutputFormat: "styled",
		},
	}

	data, err := os.ReadFile(GetConfigPath())
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *ClientConfig) Save() error {
	if err := os.MkdirAll(GetConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *ClientConfig) GetNode(name string) (*NodeEntry, error) {
	for i := range c.Nodes {
		if c.Nodes[i].Name == name {
			return &c.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("node %q not found", name)
}

// AddNode adds or replaces a node entry. The first node becomes preferred.
func (c *ClientConfig) AddNode(entry NodeEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if entry.APIAddress == "" {
		return fmt.Errorf("api address is required")
	}

	replaced := false
	for i := range c.Nodes {
		if c.Nodes[i].Name == entry.Name {
			c.Nodes[i] = entry
			replaced = true
		}
	}
	if !replaced {
		c.Nodes = append(c.Nodes, entry)
	}
	if c.Defaults.PreferredNode == "" {
		c.Defaults.PreferredNode = entry.Name
	}
	return nil
}

func (c *ClientConfig) RemoveNode(name string) error {
	for i := range c.Nodes {
		if c.Nodes[i].Name != name {
			continue
		}
		c.Nodes = append(c.Nodes[:i], c.Nodes[i+1:]...)
		if c.Defaults.PreferredNode == name {
			c.Defaults.PreferredNode = ""
			if len(c.Nodes) > 0 {
				c.Defaults.PreferredNode = c.Nodes[0].Name
			}
		}
		return nil
	}
	return fmt.Errorf("node %q not found", name)
}

// ResolveEndpoint turns a node name, a bare host:port or a URL into an
// endpoint. Empty target selects the preferred node, then the local default.
func (c *ClientConfig) ResolveEndpoint(target string) (*Endpoint, error) {
	timeout := 30 * time.Second
	if c.Defaults.Timeout != "" {
		if t, err := time.ParseDuration(c.Defaults.Timeout); err == nil {
			timeout = t
		}
	}

	if target == "" {
		target = c.Defaults.PreferredNode
	}
	if target == "" {
		return &Endpoint{BaseURL: DefaultAPIAddress, Timeout: timeout}, nil
	}
	if node, err := c.GetNode(target); err == nil {
		target = node.APIAddress
	}

	base, err := normalizeAddress(target)
	if err != nil {
		return nil, err
	}
	return &Endpoint{BaseURL: base, Timeout: timeout}, nil
}

// normalizeAddress turns ":8080" or "host:8080" into an http URL.
func normalizeAddress(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return "", fmt.Errorf("invalid api address %q: %w", addr, err)
		}
		if host == "" {
			host = "127.0.0.1"
		}
		addr = "http://" + net.JoinHostPort(host, port)
	}

	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid api address %q", addr)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// expandPath expands ~ and environment variables in paths.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
