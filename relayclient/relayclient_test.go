package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relay/server"
	"github.com/wristlink/wristlink/wlerrors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testRelay struct {
	client *Client
	clock  *testClock
	ts     *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	clock := newTestClock()
	store := kv.NewMemory(kv.MemoryConfig{JanitorInterval: 0, Now: clock.Now})
	cfg := server.DefaultConfig()
	cfg.Store = store
	cfg.Now = clock.Now
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		store.Close()
	})
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRelay{client: client, clock: clock, ts: ts}
}

func (tr *testRelay) pair(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	init, err := tr.client.PairInitiate(ctx, "apns-token", "watch-pub")
	if err != nil {
		t.Fatalf("PairInitiate: %v", err)
	}
	done, err := tr.client.PairComplete(ctx, init.Code, "", "cli-pub")
	if err != nil {
		t.Fatalf("PairComplete: %v", err)
	}
	return done.PairingID
}

func TestNewValidation(t *testing.T) {
	if _, err := New("ftp://relay.example"); err == nil {
		t.Fatal("ftp scheme accepted")
	}
	if _, err := New("http://"); err == nil {
		t.Fatal("missing host accepted")
	}
	c, err := New("https://relay.example/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != "https://relay.example" {
		t.Fatalf("BaseURL: %q", c.BaseURL())
	}
	if got := c.StreamURL("p1"); got != "wss://relay.example/stream/p1" {
		t.Fatalf("StreamURL: %q", got)
	}
	c, err = New("http://127.0.0.1:8787")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.StreamURL("p1"); got != "ws://127.0.0.1:8787/stream/p1" {
		t.Fatalf("StreamURL: %q", got)
	}
}

func TestPairingRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	init, err := tr.client.PairInitiate(ctx, "apns-token", "watch-pub")
	if err != nil {
		t.Fatalf("PairInitiate: %v", err)
	}
	status, err := tr.client.PairStatus(ctx, init.WatchID)
	if err != nil {
		t.Fatalf("PairStatus: %v", err)
	}
	if status.Paired {
		t.Fatal("paired before completion")
	}

	done, err := tr.client.PairComplete(ctx, init.Code, "", "cli-pub")
	if err != nil {
		t.Fatalf("PairComplete: %v", err)
	}
	status, err = tr.client.PairStatus(ctx, init.WatchID)
	if err != nil {
		t.Fatalf("PairStatus after complete: %v", err)
	}
	if !status.Paired || status.PairingID != done.PairingID || status.CLIPublicKey != "cli-pub" {
		t.Fatalf("status after complete: %+v", status)
	}

	if _, err := tr.client.PairComplete(ctx, "000000", "", ""); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestPairStatusExpiry(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	init, err := tr.client.PairInitiate(ctx, "", "")
	if err != nil {
		t.Fatalf("PairInitiate: %v", err)
	}
	tr.clock.Advance(5*time.Minute + time.Second)

	_, err = tr.client.PairStatus(ctx, init.WatchID)
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("status after expiry: %v", err)
	}
	if !wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		t.Fatalf("status after expiry code: %v", err)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()
	pid := tr.pair(t)

	id, err := tr.client.CreateApproval(ctx, pid, protocol.ApprovalRequest{
		ID:      "r1",
		Type:    "tool_approval",
		Title:   "Run command",
		Command: "make release",
	})
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	if id != "r1" {
		t.Fatalf("CreateApproval id: %q", id)
	}

	pending, err := tr.client.ApprovalQueue(ctx, pid)
	if err != nil {
		t.Fatalf("ApprovalQueue: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "r1" {
		t.Fatalf("queue: %+v", pending)
	}

	if err := tr.client.RespondApproval(ctx, pid, "r1", true); err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}
	status, err := tr.client.ApprovalStatus(ctx, pid, "r1")
	if err != nil {
		t.Fatalf("ApprovalStatus: %v", err)
	}
	if status.Status != protocol.StatusApproved || status.Approved == nil || !*status.Approved {
		t.Fatalf("status: %+v", status)
	}

	pending, err = tr.client.ApprovalQueue(ctx, pid)
	if err != nil {
		t.Fatalf("ApprovalQueue after respond: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue after respond: %+v", pending)
	}

	id, err = tr.client.CreateApproval(ctx, pid, protocol.ApprovalRequest{ID: "r2", Type: "tool_approval", Title: "Edit file"})
	if err != nil || id != "r2" {
		t.Fatalf("CreateApproval r2: %q, %v", id, err)
	}
	if err := tr.client.RemoveApproval(ctx, pid, "r2"); err != nil {
		t.Fatalf("RemoveApproval: %v", err)
	}
	if _, err := tr.client.ApprovalStatus(ctx, pid, "r2"); !wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		t.Fatalf("status after remove: %v", err)
	}
}

func TestQuestionRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()
	pid := tr.pair(t)

	id, err := tr.client.CreateQuestion(ctx, pid, protocol.QuestionRequest{
		QuestionID: "q1",
		Question:   "Deploy to which environment?",
		Options:    []protocol.QuestionOption{{Label: "staging"}, {Label: "production"}},
	})
	if err != nil || id != "q1" {
		t.Fatalf("CreateQuestion: %q, %v", id, err)
	}

	pending, err := tr.client.QuestionQueue(ctx, pid)
	if err != nil {
		t.Fatalf("QuestionQueue: %v", err)
	}
	if len(pending) != 1 || pending[0].QuestionID != "q1" {
		t.Fatalf("queue: %+v", pending)
	}

	if err := tr.client.AnswerQuestion(ctx, pid, "q1", protocol.AnswerIndex(1)); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	status, err := tr.client.QuestionStatus(ctx, pid, "q1")
	if err != nil {
		t.Fatalf("QuestionStatus: %v", err)
	}
	if status.Status != protocol.StatusAnswered || status.Answer == nil {
		t.Fatalf("status: %+v", status)
	}
	if got := status.Answer.StringIndices(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("answer: %v", got)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()
	pid := tr.pair(t)

	if err := tr.client.PutProgress(ctx, pid, protocol.ProgressSnapshot{CurrentTask: "Build", Progress: 0.25}); err != nil {
		t.Fatalf("PutProgress: %v", err)
	}
	prog, err := tr.client.Progress(ctx, pid)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if prog.Progress == nil || prog.Progress.CurrentTask != "Build" || prog.IsComplete {
		t.Fatalf("progress: %+v", prog)
	}

	intr, err := tr.client.Interrupt(ctx, pid, protocol.ActionStop)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !intr.Interrupted || intr.State != "paused" {
		t.Fatalf("interrupt: %+v", intr)
	}
	state, err := tr.client.InterruptState(ctx, pid)
	if err != nil {
		t.Fatalf("InterruptState: %v", err)
	}
	if !state.Interrupted || state.Action != protocol.ActionStop {
		t.Fatalf("interrupt state: %+v", state)
	}

	if err := tr.client.SetMode(ctx, pid, protocol.ModeAutoAccept); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	mode, err := tr.client.Mode(ctx, pid)
	if err != nil || mode != protocol.ModeAutoAccept {
		t.Fatalf("Mode: %q, %v", mode, err)
	}

	if err := tr.client.EndSession(ctx, pid); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	status, err := tr.client.SessionStatus(ctx, pid)
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status.SessionActive || status.State != "ended" {
		t.Fatalf("session status: %+v", status)
	}
	if _, err := tr.client.Interrupt(ctx, pid, protocol.ActionStop); !wlerrors.IsCode(err, wlerrors.CodeConflict) {
		t.Fatalf("interrupt after end: %v", err)
	}

	health, err := tr.client.Health(ctx)
	if err != nil || health.Status != "ok" {
		t.Fatalf("Health: %+v, %v", health, err)
	}
}

func TestErrorMapping(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()
	pid := tr.pair(t)

	_, err := tr.client.ApprovalStatus(ctx, pid, "missing")
	if !wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		t.Fatalf("unknown approval: %v", err)
	}
	err = tr.client.SetMode(ctx, pid, "turbo")
	if !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("bad mode: %v", err)
	}
	if !strings.Contains(err.Error(), "relay:") {
		t.Fatalf("error message: %v", err)
	}
}

func TestTransportError(t *testing.T) {
	tr := newTestRelay(t)
	tr.ts.Close()

	_, err := tr.client.Health(context.Background())
	if !wlerrors.IsCode(err, wlerrors.CodeTransport) {
		t.Fatalf("closed relay: %v", err)
	}
}
