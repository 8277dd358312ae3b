package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// CertManager issues Ed25519 certificates from a local CA kept in dir.
type CertManager struct {
	dir    string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager loads the CA in dir if one exists.
func NewCertManager(dir string) (*CertManager, error) {
	cm := &CertManager{dir: dir}
	if _, err := os.Stat(filepath.Join(dir, caCertFile)); err == nil {
		if err := cm.loadCA(); err != nil {
			return nil, fmt.Errorf("failed to load existing CA: %w", err)
		}
	}
	return cm, nil
}

func (cm *CertManager) HasCA() bool { return cm.caCert != nil }

func (cm *CertManager) CAPath() string { return filepath.Join(cm.dir, caCertFile) }

// GenerateCA creates and saves a self-signed CA.
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"FreePress"},
			CommonName:   name + "-CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := os.MkdirAll(cm.dir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := writeCertAndKey(cert, priv, filepath.Join(cm.dir, caCertFile), filepath.Join(cm.dir, caKeyFile)); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv
	return nil
}

// IssueCertificate signs a certificate for name valid for both server and
// client use, and writes name.crt and name.key next to the CA.
func (cm *CertManager) IssueCertificate(name string, addresses []string, validity time.Duration) (certPath, keyPath string, err error) {
	if cm.caCert == nil || cm.caKey == nil {
		return "", "", fmt.Errorf("CA not initialized")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return "", "", err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"FreePress"},
			CommonName:   name,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPath = filepath.Join(cm.dir, name+".crt")
	keyPath = filepath.Join(cm.dir, name+".key")
	if err := writeCertAndKey(cert, priv, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// Verify checks cert against the CA.
func (cm *CertManager) Verify(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return fmt.Errorf("CA not initialized")
	}
	pool := x509.NewCertPool()
	pool.AddCert(cm.caCert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// LoadCertificate reads a PEM certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidCertificate
	}
	return x509.ParseCertificate(block.Bytes)
}

func (cm *CertManager) loadCA() error {
	cert, err := LoadCertificate(filepath.Join(cm.dir, caCertFile))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(cm.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return ErrInvalidCA
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: key is not Ed25519", ErrInvalidCA)
	}
	cm.caCert = cert
	cm.caKey = key
	return nil
}

func writeCertAndKey(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return serial, nil
}
