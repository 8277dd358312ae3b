// Package auth builds TLS configuration for the relay transport.
package auth

import (
	"errors"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// TLSConfig holds relay TLS settings. With Enabled false the relay runs
// plaintext.
type TLSConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	CAPath            string `json:"ca_cert" yaml:"ca_cert"`
	CertPath          string `json:"cert" yaml:"cert"`
	KeyPath           string `json:"key" yaml:"key"`
	RequireClientAuth bool   `json:"require_client_auth" yaml:"require_client_auth"`
	ServerName        string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	MinTLSVersion     string `json:"min_tls_version,omitempty" yaml:"min_tls_version,omitempty"`
}

func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		Enabled:       false,
		MinTLSVersion: "1.2",
	}
}

// Validate checks that required paths are present when TLS is enabled.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.CAPath == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}
	if c.RequireClientAuth && (c.CertPath == "" || c.KeyPath == "") {
		return errors.New("certificate and key paths are required for client authentication")
	}
	return nil
}
