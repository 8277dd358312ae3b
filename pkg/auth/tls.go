package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerTLS returns the relay listener's TLS config, or nil when TLS is
// off. With RequireClientAuth every node must present a certificate
// signed by the CA.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.active() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pair, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load relay certificate: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVersion(c.MinTLSVersion),
	}
	if c.RequireClientAuth {
		if out.ClientCAs, err = readPool(c.CAPath); err != nil {
			return nil, err
		}
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

// ClientTLS returns the node side TLS config, or nil when TLS is off.
// The client certificate is optional unless the relay demands one.
func (c *TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.active() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	roots, err := readPool(c.CAPath)
	if err != nil {
		return nil, err
	}
	out := &tls.Config{
		RootCAs:    roots,
		ServerName: c.ServerName,
		MinVersion: minVersion(c.MinTLSVersion),
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return out, nil
	}
	pair, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}
	out.Certificates = []tls.Certificate{pair}
	return out, nil
}

// ServerOptions wraps ServerTLS as gRPC server options; empty when TLS is
// off.
func (c *TLSConfig) ServerOptions() ([]grpc.ServerOption, error) {
	cfg, err := c.ServerTLS()
	if err != nil || cfg == nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(cfg))}, nil
}

// DialOption picks TLS or plaintext transport credentials for a relay
// connection.
func (c *TLSConfig) DialOption() (grpc.DialOption, error) {
	cfg, err := c.ClientTLS()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}

func (c *TLSConfig) active() bool { return c != nil && c.Enabled }

func readPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrInvalidCA
	}
	return pool, nil
}

func minVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
