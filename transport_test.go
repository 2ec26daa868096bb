package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerTLSFromFiles(t *testing.T) {
	certPEM, keyPEM := makeTestCertPEM(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := loadServerTLS(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(conf.Certificates) != 1 {
		t.Fatalf("loaded %d certificates", len(conf.Certificates))
	}

	if _, err := loadServerTLS(keyFile, certFile); err == nil {
		t.Fatal("swapped cert and key accepted")
	}
}

func TestLoadClientTLSFromFile(t *testing.T) {
	certPEM, _ := makeTestCertPEM(t)
	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := loadClientTLS(caFile)
	if err != nil {
		t.Fatal(err)
	}
	if conf.RootCAs == nil {
		t.Fatal("no cert pool loaded")
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadClientTLS(empty); err == nil {
		t.Fatal("empty ca file accepted")
	}
	if _, err := loadClientTLS(filepath.Join(dir, "missing.pem")); err == nil {
		t.Fatal("missing ca file accepted")
	}
}
