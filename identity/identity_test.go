package identity

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

	"github.com/puppetlabs/pcp-client-go/errs"
)

// genCert builds a self-signed leaf certificate/key pair with the given
// common name, returning PEM-encoded cert and key bytes.
func genCert(t *testing.T, commonName string) ([]byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSucceeds(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := genCert(t, "client01.example.com")

	certPath := writeFile(t, dir, "cert.pem", certPEM)
	keyPath := writeFile(t, dir, "key.pem", keyPEM)
	caPath := writeFile(t, dir, "ca.pem", certPEM)

	id, err := Load("agent", caPath, certPath, keyPath, "", "", DefaultTimeouts())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id.CommonName != "client01.example.com" {
		t.Errorf("CommonName = %q, want client01.example.com", id.CommonName)
	}
	if want := "pcp://client01.example.com/agent"; id.URI != want {
		t.Errorf("URI = %q, want %q", id.URI, want)
	}
}

func TestLoadRejectsMissingCommonName(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := genCert(t, "")

	certPath := writeFile(t, dir, "cert.pem", certPEM)
	keyPath := writeFile(t, dir, "key.pem", keyPEM)
	caPath := writeFile(t, dir, "ca.pem", certPEM)

	_, err := Load("agent", caPath, certPath, keyPath, "", "", DefaultTimeouts())
	if err == nil {
		t.Fatal("expected error for empty common name")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.ConnectionConfig {
		t.Errorf("expected ConnectionConfig, got %v", err)
	}
}

func TestLoadRejectsEncryptedKey(t *testing.T) {
	dir := t.TempDir()
	certPEM, _ := genCert(t, "client01.example.com")

	encryptedKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:    "EC PRIVATE KEY",
		Headers: map[string]string{"DEK-Info": "AES-128-CBC,0123456789ABCDEF"},
		Bytes:   []byte("not a real encrypted key"),
	})

	certPath := writeFile(t, dir, "cert.pem", certPEM)
	keyPath := writeFile(t, dir, "key.pem", encryptedKeyPEM)
	caPath := writeFile(t, dir, "ca.pem", certPEM)

	_, err := Load("agent", caPath, certPath, keyPath, "", "", DefaultTimeouts())
	if err == nil {
		t.Fatal("expected error for password-protected key")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.ConnectionConfig {
		t.Errorf("expected ConnectionConfig, got %v", err)
	}
}

func TestLoadRejectsMissingCertFile(t *testing.T) {
	dir := t.TempDir()
	_, keyPEM := genCert(t, "client01.example.com")
	keyPath := writeFile(t, dir, "key.pem", keyPEM)

	_, err := Load("agent", "nope-ca.pem", "nope-cert.pem", keyPath, "", "", DefaultTimeouts())
	if err == nil {
		t.Fatal("expected error for missing cert file")
	}
}

func TestTLSConfigWithoutCRL(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := genCert(t, "client01.example.com")

	certPath := writeFile(t, dir, "cert.pem", certPEM)
	keyPath := writeFile(t, dir, "key.pem", keyPEM)
	caPath := writeFile(t, dir, "ca.pem", certPEM)

	id, err := Load("agent", caPath, certPath, keyPath, "", "", DefaultTimeouts())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := id.TLSConfig("broker.example.com")
	if cfg.VerifyPeerCertificate != nil {
		t.Error("expected no VerifyPeerCertificate callback without a CRL")
	}
	if cfg.ServerName != "broker.example.com" {
		t.Errorf("ServerName = %q, want broker.example.com", cfg.ServerName)
	}
}
