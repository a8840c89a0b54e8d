package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeCert writes a self-signed certificate and its key to dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "oncoview-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "ca only", cfg: Config{Enabled: true, CAFile: certFile}},
		{name: "client cert only", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile}},
		{name: "everything", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile}},
		{name: "enabled without files", cfg: Config{Enabled: true}, wantErr: true},
		{name: "cert without key", cfg: Config{Enabled: true, CertFile: certFile}, wantErr: true},
		{name: "missing ca", cfg: Config{Enabled: true, CAFile: filepath.Join(dir, "nope.pem")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)

	cfg, err := NewClientTLSConfig(Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	if err != nil {
		t.Fatalf("NewClientTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs should be set")
	}
	if cfg.MinVersion != 0x0304 {
		t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
}

func TestNewClientTLSConfig_CAOnly(t *testing.T) {
	certFile, _ := writeCert(t, t.TempDir())

	cfg, err := NewClientTLSConfig(Config{Enabled: true, CAFile: certFile})
	if err != nil {
		t.Fatalf("NewClientTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 0 {
		t.Error("no client certificate expected")
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs should be set")
	}
}

func TestNewClientTLSConfig_BadCA(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewClientTLSConfig(Config{Enabled: true, CAFile: bad}); err == nil {
		t.Error("expected error for unparsable CA")
	}
}
