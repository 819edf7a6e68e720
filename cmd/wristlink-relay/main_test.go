package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wristlink/wristlink/observability"
)

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := version
	t.Cleanup(func() { version = oldVersion })
	version = "v9.9.9"

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "v9.9.9") {
		t.Fatalf("expected version in output, got %q", stdout.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--no-such-flag"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestRun_InvalidLogLevel(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--log-level", "shout"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "log-level") {
		t.Fatalf("expected usage message about log level, got %q", stderr.String())
	}
}

func TestRun_PushKeyNeedsIDAndTeam(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--push-key-file", "key.pem"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "push-key-id") {
		t.Fatalf("expected usage message about push credentials, got %q", stderr.String())
	}
}

func TestRun_InvalidMetricsEnv(t *testing.T) {
	t.Setenv("WRISTLINK_METRICS", "banana")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "WRISTLINK_METRICS") {
		t.Fatalf("expected env var name in message, got %q", stderr.String())
	}
}

func TestMetricsController_ToggleSwapsHandler(t *testing.T) {
	t.Parallel()

	h := newSwitchHandler()
	relayObs := observability.NewAtomicRelayObserver()
	streamObs := observability.NewAtomicStreamObserver()
	mc := newMetricsController(h, relayObs, streamObs)

	req := httptest.NewRequest(http.MethodGet, "http://relay.local/metrics", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before enable, got %d", rec.Code)
	}

	if !mc.Toggle() {
		t.Fatalf("expected first toggle to enable")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after enable, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wristlink_stream_connections") {
		t.Fatalf("expected scrape body to contain stream connections gauge")
	}

	if mc.Toggle() {
		t.Fatalf("expected second toggle to disable")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after disable, got %d", rec.Code)
	}
}

func TestMetricsController_EnableTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newSwitchHandler()
	mc := newMetricsController(h, observability.NewAtomicRelayObserver(), observability.NewAtomicStreamObserver())

	mc.Enable()
	mc.Enable()
	if !mc.Enabled() {
		t.Fatalf("expected enabled after double enable")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
