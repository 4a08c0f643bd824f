package tlsutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, dir string, hosts ...string) (certFile, keyFile string, certPEM []byte) {
	t.Helper()
	_, certPEM, keyPEM, err := SelfSigned(hosts...)
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile, certPEM
}

func TestServerConfigWithCA(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writePair(t, dir, "localhost", "127.0.0.1")
	cfg, rl, err := ServerConfig(Files{Cert: certFile, Key: keyFile, CA: certFile})
	if err != nil {
		t.Fatalf("ServerConfig error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Errorf("Expected mTLS to be enabled")
	}
	c, err := rl.GetCertificate(nil)
	if err != nil || c == nil {
		t.Errorf("Expected a certificate, got %v (%v)", c, err)
	}
}

func TestServerConfigBadCA(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writePair(t, dir, "localhost")
	bad := filepath.Join(dir, "ca.pem")
	_ = os.WriteFile(bad, []byte("not pem"), 0o600)
	if _, _, err := ServerConfig(Files{Cert: certFile, Key: keyFile, CA: bad}); err == nil {
		t.Error("Expected error for unparsable CA")
	}
	if _, _, err := ServerConfig(Files{Cert: filepath.Join(dir, "missing"), Key: keyFile}); err == nil {
		t.Error("Expected error for missing certificate")
	}
}

func TestReloaderPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, first := writePair(t, dir, "localhost")
	rl, err := NewReloader(certFile, keyFile)
	if err != nil {
		t.Fatalf("NewReloader error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rl.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	_, _, second := writePair(t, dir, "localhost")
	if bytes.Equal(first, second) {
		t.Fatal("Expected a fresh certificate")
	}
	block, _ := pem.Decode(second)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, _ := rl.GetCertificate(nil)
		if c != nil && bytes.Equal(c.Certificate[0], block.Bytes) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Expected certificate to be reloaded after rotation")
}
