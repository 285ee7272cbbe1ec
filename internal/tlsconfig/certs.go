// Package tlsconfig builds the server's TLS configuration from a configured
// key pair or a generated self-signed certificate.
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
)

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
	validFor     = 365 * 24 * time.Hour
)

// Load returns the TLS config for the HTTP listener. Only http/1.1 is
// advertised: websocket upgrades need it.
func Load(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS cert/key: %w", err)
		}
		logging.Info("Loaded TLS certificate",
			logging.Field{Key: "cert", Value: cfg.TLSCertFile},
			logging.Field{Key: "key", Value: cfg.TLSKeyFile})
		return newTLSConfig(cert), nil
	}
	if cfg.TLSAutoGen {
		return selfSigned(cfg)
	}
	return nil, fmt.Errorf("no TLS certificate configured and auto-generation disabled")
}

func newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
}

// CertDir is where generated certificates live.
func CertDir(cfg *config.Config) string {
	if cfg.TLSCertDir != "" {
		return cfg.TLSCertDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".latbench", "certs")
}

// selfSigned reuses a previously generated pair when it still loads and has
// not expired, otherwise writes a fresh one.
func selfSigned(cfg *config.Config) (*tls.Config, error) {
	dir := CertDir(cfg)
	certFile := filepath.Join(dir, certFileName)
	keyFile := filepath.Join(dir, keyFileName)

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil && !expired(cert) {
		logging.Info("Using existing self-signed certificate",
			logging.Field{Key: "path", Value: dir})
		return newTLSConfig(cert), nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}
	certPEM, keyPEM, err := generate(hostsFor(cfg), time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write cert file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	logging.Info("Generated self-signed certificate",
		logging.Field{Key: "path", Value: dir},
		logging.Field{Key: "valid_for", Value: validFor.String()})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated cert: %w", err)
	}
	return newTLSConfig(cert), nil
}

func expired(cert tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Now().After(leaf.NotAfter)
}

func hostsFor(cfg *config.Config) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if ip := net.ParseIP(cfg.BindAddress); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		hosts = append(hosts, ip.String())
	}
	return hosts
}

// generate returns PEM encoded certificate and EC private key for hosts.
func generate(hosts []string, now time.Time) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"latbench"},
			CommonName:   "localhost",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}
