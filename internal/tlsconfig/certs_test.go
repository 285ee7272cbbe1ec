package tlsconfig

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/saveenergy/latbench/internal/config"
)

func TestSelfSignedIsGeneratedOnceAndReused(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TLSAutoGen = true
	cfg.TLSCertDir = t.TempDir()

	first, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(first.Certificates) != 1 || first.NextProtos[0] != "http/1.1" {
		t.Fatalf("tls config = %+v", first)
	}
	info, err := os.Stat(filepath.Join(cfg.TLSCertDir, keyFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	second, err := Load(cfg)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if !bytes.Equal(first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0]) {
		t.Fatal("expected the stored certificate to be reused")
	}
}

func TestLoadConfiguredKeyPair(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := generate([]string{"bench.example.com", "10.0.0.5"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.TLSCertFile = filepath.Join(dir, "c.pem")
	cfg.TLSKeyFile = filepath.Join(dir, "k.pem")
	if err := os.WriteFile(cfg.TLSCertFile, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.TLSKeyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	tc, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	leaf, err := x509.ParseCertificate(tc.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("bench.example.com"); err != nil {
		t.Fatalf("dns name: %v", err)
	}
	if err := leaf.VerifyHostname("10.0.0.5"); err != nil {
		t.Fatalf("ip address: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(config.DefaultConfig()); err == nil {
		t.Fatal("expected error without cert or auto-generation")
	}
	cfg := config.DefaultConfig()
	cfg.TLSCertFile = "/nonexistent/c.pem"
	cfg.TLSKeyFile = "/nonexistent/k.pem"
	if _, err := Load(cfg); err == nil {
		t.Fatal("expected error for missing key pair")
	}
}

func TestExpiredCertificateIsReplaced(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TLSAutoGen = true
	cfg.TLSCertDir = t.TempDir()

	certPEM, keyPEM, err := generate([]string{"localhost"}, time.Now().Add(-2*validFor))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.TLSCertDir, certFileName), certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.TLSCertDir, keyFileName), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	tc, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	leaf, err := x509.ParseCertificate(tc.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if time.Now().After(leaf.NotAfter) {
		t.Fatalf("certificate still expired: %s", leaf.NotAfter)
	}
}
