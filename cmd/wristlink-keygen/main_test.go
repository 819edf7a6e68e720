package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := version
	t.Cleanup(func() { version = oldVersion })
	version = "v1.0.0"

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "v1.0.0") {
		t.Fatalf("expected version in output, got %q", stdout.String())
	}
}

func TestRun_GeneratesParsableKey(t *testing.T) {
	out := filepath.Join(t.TempDir(), "keys", "push_key.pem")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--out", out}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}

	var r ready
	if err := json.Unmarshal(stdout.Bytes(), &r); err != nil {
		t.Fatalf("ready output not JSON: %v (out=%q)", err, stdout.String())
	}
	if len(r.KeyID) != 10 {
		t.Fatalf("expected 10-char key id, got %q", r.KeyID)
	}
	if r.KeyFile == "" {
		t.Fatalf("expected key file path in ready output")
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat(%s): %v", out, err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 perms, got %o", perm)
	}

	pemBytes, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		t.Fatalf("expected PKCS#8 PEM block, got %+v", block)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKCS8PrivateKey: %v", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("expected ECDSA key, got %T", parsed)
	}
	if key.Curve != elliptic.P256() {
		t.Fatalf("expected P-256 curve, got %v", key.Curve.Params().Name)
	}
}

func TestRun_RefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "push_key.pem")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"--out", out}, &stdout, &stderr); code != 0 {
		t.Fatalf("first run failed: %d (stderr=%q)", code, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	code := run([]string{"--out", out}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2 without --overwrite, got %d", code)
	}
	if !strings.Contains(stderr.String(), "overwrite") {
		t.Fatalf("expected overwrite hint, got %q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"--out", out, "--overwrite"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0 with --overwrite, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestRun_MissingOut(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--out", "  "}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
