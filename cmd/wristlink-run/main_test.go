package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/wristlink/wristlink/internal/cliconfig"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/server"
	"github.com/wristlink/wristlink/relayclient"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	store := kv.NewMemory(kv.MemoryConfig{})
	t.Cleanup(func() { _ = store.Close() })

	cfg := server.DefaultConfig()
	cfg.Store = store
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// pairedConfig completes a pairing against ts and persists the launcher
// config into a fresh dir.
func pairedConfig(t *testing.T, ts *httptest.Server) (string, string) {
	t.Helper()
	dir := t.TempDir()

	rc, err := relayclient.New(ts.URL)
	if err != nil {
		t.Fatalf("relayclient.New: %v", err)
	}
	initiated, err := rc.PairInitiate(context.Background(), "tok", "cHVi")
	if err != nil {
		t.Fatalf("PairInitiate: %v", err)
	}
	completed, err := rc.PairComplete(context.Background(), initiated.Code, "", "Y2xpLXB1Yg==")
	if err != nil {
		t.Fatalf("PairComplete: %v", err)
	}

	cfg := &cliconfig.Config{PairingID: completed.PairingID, CloudURL: ts.URL}
	if err := cliconfig.Save(cliconfig.File(dir), cfg); err != nil {
		t.Fatalf("Save config: %v", err)
	}
	return dir, completed.PairingID
}

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := version
	t.Cleanup(func() { version = oldVersion })
	version = "v3.2.1"

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "v3.2.1") {
		t.Fatalf("expected version in output, got %q", stdout.String())
	}
}

func TestRun_NotPairedExitsOne(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--config-dir", t.TempDir(), "true"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not paired") {
		t.Fatalf("expected pairing hint, got %q", stderr.String())
	}
}

func TestRun_NoToolConfigured(t *testing.T) {
	ts := startRelay(t)
	dir, _ := pairedConfig(t, ts)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--config-dir", dir}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestRun_PropagatesExitCodeAndEndsSession(t *testing.T) {
	requireSh(t)
	ts := startRelay(t)
	dir, pairingID := pairedConfig(t, ts)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--config-dir", dir, "sh", "-c", "echo tool says hi; exit 7"}, &stdout, &stderr)
	if code != 7 {
		t.Fatalf("expected the tool's exit code 7, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "tool says hi") {
		t.Fatalf("expected passthrough output, got %q", stdout.String())
	}

	rc, err := relayclient.New(ts.URL)
	if err != nil {
		t.Fatalf("relayclient.New: %v", err)
	}
	status, err := rc.SessionStatus(context.Background(), pairingID)
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status.SessionActive {
		t.Fatalf("expected session ended after tool exit")
	}
}

func TestRun_MarksSessionActiveInChildEnv(t *testing.T) {
	requireSh(t)
	ts := startRelay(t)
	dir, _ := pairedConfig(t, ts)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--config-dir", dir, "sh", "-c", "echo active=$WRISTLINK_SESSION_ACTIVE"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "active=1") {
		t.Fatalf("expected WRISTLINK_SESSION_ACTIVE=1 in child env, got %q", stdout.String())
	}
}

func TestRun_WrapperFromConfig(t *testing.T) {
	requireSh(t)
	ts := startRelay(t)
	dir, _ := pairedConfig(t, ts)

	cfg, err := cliconfig.Load(cliconfig.File(dir))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Wrapper = "true"
	if err := cliconfig.Save(cliconfig.File(dir), cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"--config-dir", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected wrapper fallback to run, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestRun_MissingToolExitsOne(t *testing.T) {
	ts := startRelay(t)
	dir, _ := pairedConfig(t, ts)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--config-dir", dir, "wristlink-no-such-tool-xyz"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1 for missing tool, got %d", code)
	}
}
