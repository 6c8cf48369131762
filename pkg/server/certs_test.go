package server

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSelfSignedIsReused(t *testing.T) {
	dir := t.TempDir()
	first, err := SetupTLS("", "", "", dir, "chat.example", "10.1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(first.Config.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("chat.example"); err != nil {
		t.Errorf("host SAN missing: %v", err)
	}
	if err := leaf.VerifyHostname("10.1.2.3"); err != nil {
		t.Errorf("IP SAN missing: %v", err)
	}

	second, err := SetupTLS("", "", "", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Config.Certificates[0].Certificate[0], second.Config.Certificates[0].Certificate[0]) {
		t.Error("existing certificate was not reused")
	}
}

func TestExpiringSelfSignedIsRenewed(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-selfSignedLife + 24*time.Hour)
	certPEM, keyPEM, err := generateSelfSigned(nil, old)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, selfSignedCert), certPEM, 0644)
	os.WriteFile(filepath.Join(dir, selfSignedKey), keyPEM, 0600)

	cert, err := selfSigned(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(leaf.NotAfter) < renewBefore {
		t.Errorf("certificate expiring %s was not renewed", leaf.NotAfter)
	}
}

func TestProvidedCertFiles(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := generateSelfSigned(nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	certFile, keyFile := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	os.WriteFile(certFile, certPEM, 0644)
	os.WriteFile(keyFile, keyPEM, 0600)

	res, err := SetupTLS("", certFile, keyFile, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.AutocertMgr != nil || len(res.Config.Certificates) != 1 {
		t.Errorf("unexpected TLS result %+v", res)
	}
	if _, err := SetupTLS("", filepath.Join(dir, "missing.pem"), keyFile, ""); err == nil {
		t.Error("missing cert file accepted")
	}
}
