package cliconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := File(filepath.Join(t.TempDir(), "state"))

	in := &Config{
		PairingID:      "7f6c1b2e-9a34-4d5f-8e01-23b4c5d6e7f8",
		CloudURL:       "https://relay.example.com",
		Wrapper:        "claude",
		WatchPublicKey: "cHVibGljLWtleQ==",
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if in.CreatedAt.IsZero() {
		t.Fatalf("expected Save to stamp CreatedAt")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 perms, got %o", perm)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.PairingID != in.PairingID || out.CloudURL != in.CloudURL || out.Wrapper != in.Wrapper {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if out.WatchPublicKey != in.WatchPublicKey {
		t.Fatalf("peer key lost: %+v", out)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v vs %v", out.CreatedAt, in.CreatedAt)
	}
}

func TestLoadMissingIsNotPaired(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing pairing id", Config{CloudURL: "https://relay.example.com"}},
		{"pairing id not uuid", Config{PairingID: "nope", CloudURL: "https://relay.example.com"}},
		{"missing url", Config{PairingID: "7f6c1b2e-9a34-4d5f-8e01-23b4c5d6e7f8"}},
		{"relative url", Config{PairingID: "7f6c1b2e-9a34-4d5f-8e01-23b4c5d6e7f8", CloudURL: "relay.example.com"}},
		{"wrong scheme", Config{PairingID: "7f6c1b2e-9a34-4d5f-8e01-23b4c5d6e7f8", CloudURL: "ftp://relay.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", tc.cfg)
			}
		})
	}
}

func TestDirHonorsEnvOverride(t *testing.T) {
	t.Setenv("WRISTLINK_CONFIG_DIR", "/tmp/wristlink-test-state")
	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if dir != "/tmp/wristlink-test-state" {
		t.Fatalf("expected env override, got %q", dir)
	}
}

func TestPurgeMissingIsOK(t *testing.T) {
	if err := Purge(filepath.Join(t.TempDir(), "config.json")); err != nil {
		t.Fatalf("Purge on missing file: %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := File(t.TempDir())
	err := Save(path, &Config{PairingID: "bad", CloudURL: "https://relay.example.com", CreatedAt: time.Now()})
	if err == nil {
		t.Fatalf("expected error for invalid pairing id")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("invalid config must not be written")
	}
}
