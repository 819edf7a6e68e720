// Full-loop tests: a relay served over httptest, a bridge wired to a fake
// tool over pipes, and a sync engine in polling mode, all in one process.
// These follow the wire shapes end to end; unit behavior lives with each
// package.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wristlink/wristlink/bridge"
	"github.com/wristlink/wristlink/bridge/control"
	"github.com/wristlink/wristlink/crypto/e2ee"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relay/server"
	"github.com/wristlink/wristlink/relayclient"
	"github.com/wristlink/wristlink/watchsync"
)

const waitBudget = 5 * time.Second

// loop is one complete deployment: relay, paired identities, bridge over a
// fake tool's stdio, and a watch sync engine polling the same relay.
type loop struct {
	t *testing.T

	relay     *relayclient.Client
	pairingID string

	watchKey [e2ee.SessionKeySize]byte
	cliKey   [e2ee.SessionKeySize]byte

	engine *watchsync.Engine
	haptic *counter

	toolOut   *io.PipeWriter
	responses chan control.Response

	closeOnce  sync.Once
	stopEngine context.CancelFunc
	bridgeDone chan error
	engineDone chan error
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) bump() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type cliSealer struct {
	key [e2ee.SessionKeySize]byte
}

func (s cliSealer) Seal(plaintext []byte) (string, error) { return e2ee.Seal(s.key, plaintext) }

func startLoop(t *testing.T) *loop {
	t.Helper()

	store := kv.NewMemory(kv.MemoryConfig{JanitorInterval: 0})
	scfg := server.DefaultConfig()
	scfg.Store = store
	srv, err := server.New(scfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		store.Close()
	})

	client, err := relayclient.New(ts.URL)
	require.NoError(t, err)

	// Pair the two endpoints: the watch displays the code, the CLI redeems
	// it, and each side learns the other's public key through the relay.
	watchID, err := e2ee.GenerateIdentity()
	require.NoError(t, err)
	cliID, err := e2ee.GenerateIdentity()
	require.NoError(t, err)

	ctx := context.Background()
	init, err := client.PairInitiate(ctx, "device-token", watchID.PublicKeyB64())
	require.NoError(t, err)
	require.Len(t, init.Code, 6)

	comp, err := client.PairComplete(ctx, init.Code, "", cliID.PublicKeyB64())
	require.NoError(t, err)
	require.Equal(t, watchID.PublicKeyB64(), comp.WatchPublicKey)

	st, err := client.PairStatus(ctx, init.WatchID)
	require.NoError(t, err)
	require.True(t, st.Paired)
	require.Equal(t, comp.PairingID, st.PairingID)
	require.Equal(t, cliID.PublicKeyB64(), st.CLIPublicKey)

	watchKey, err := e2ee.DeriveSessionKey(watchID, st.CLIPublicKey)
	require.NoError(t, err)
	cliKey, err := e2ee.DeriveSessionKey(cliID, comp.WatchPublicKey)
	require.NoError(t, err)
	require.Equal(t, watchKey, cliKey, "both sides must derive the same session key")

	// Bridge side: a fake tool on pipes.
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	b, err := bridge.New(bridge.Config{
		PairingID:    comp.PairingID,
		Relay:        client,
		ToolStdout:   outR,
		ToolStdin:    inW,
		Passthrough:  io.Discard,
		Sealer:       cliSealer{key: cliKey},
		PollInterval: 20 * time.Millisecond,
		Retry: relayclient.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			Multiplier:     2,
			Jitter:         0.1,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- b.Run(context.Background()) }()

	responses := make(chan control.Response, 16)
	go func() {
		defer close(responses)
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			var resp control.Response
			if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
				t.Errorf("bad control response line %q: %v", sc.Text(), err)
				continue
			}
			responses <- resp
		}
	}()

	// Watch side: polling transport against the same relay.
	haptic := &counter{}
	eng, err := watchsync.New(watchsync.Config{
		PairingID:    comp.PairingID,
		Relay:        client,
		Transport:    watchsync.TransportPolling,
		PollInterval: 20 * time.Millisecond,
		Haptic:       haptic.bump,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	engCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(engCtx) }()

	l := &loop{
		t:          t,
		relay:      client,
		pairingID:  comp.PairingID,
		watchKey:   watchKey,
		cliKey:     cliKey,
		engine:     eng,
		haptic:     haptic,
		toolOut:    outW,
		responses:  responses,
		stopEngine: stopEngine,
		bridgeDone: bridgeDone,
		engineDone: engineDone,
	}
	t.Cleanup(func() {
		l.close()
		inW.Close()
		inR.Close()
	})
	return l
}

func (l *loop) close() {
	l.closeOnce.Do(func() {
		l.toolOut.Close()
		select {
		case <-l.bridgeDone:
		case <-time.After(waitBudget):
			l.t.Error("bridge did not stop after tool stdout closed")
		}
		l.stopEngine()
		select {
		case <-l.engineDone:
		case <-time.After(waitBudget):
			l.t.Error("sync engine did not stop")
		}
	})
}

// toolRequest emits one control_request on the fake tool's stdout.
func (l *loop) toolRequest(id, toolName string, input any) {
	l.t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(l.t, err)
	msg := control.Request{
		Type:      control.TypeControlRequest,
		RequestID: id,
		Request: &control.RequestBody{
			Subtype:  control.SubtypeCanUseTool,
			ToolName: toolName,
			Input:    raw,
		},
	}
	line, err := json.Marshal(msg)
	require.NoError(l.t, err)
	_, err = l.toolOut.Write(append(line, '\n'))
	require.NoError(l.t, err)
}

func (l *loop) toolCancel(id string) {
	l.t.Helper()
	line, err := json.Marshal(control.Request{Type: control.TypeControlCancelRequest, RequestID: id})
	require.NoError(l.t, err)
	_, err = l.toolOut.Write(append(line, '\n'))
	require.NoError(l.t, err)
}

// awaitResponse blocks for the bridge's next control_response.
func (l *loop) awaitResponse() control.Response {
	l.t.Helper()
	select {
	case resp, ok := <-l.responses:
		require.True(l.t, ok, "tool stdin closed before a response arrived")
		return resp
	case <-time.After(waitBudget):
		l.t.Fatal("no control response within budget")
		return control.Response{}
	}
}

// awaitState polls engine snapshots until pred holds.
func (l *loop) awaitState(pred func(watchsync.StateSnapshot) bool) watchsync.StateSnapshot {
	l.t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		snap := l.engine.Snapshot()
		if pred(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.t.Fatal("engine never reached the expected state")
	return watchsync.StateSnapshot{}
}

func TestApprovalRoundTrip(t *testing.T) {
	l := startLoop(t)

	l.toolRequest("r1", "Bash", map[string]any{"command": "npm install"})

	snap := l.awaitState(func(s watchsync.StateSnapshot) bool {
		return len(s.Approvals) == 1
	})
	req := snap.Approvals[0]
	require.Equal(t, "r1", req.ID)
	assert.Equal(t, "bash", req.Type)
	assert.Equal(t, "npm install", req.Title)
	assert.Equal(t, "npm install", req.Command)
	assert.Equal(t, protocol.StatusPending, req.Status)

	// The sealed detail the bridge attached opens with the watch's key.
	require.NotEmpty(t, req.EncryptedPayload)
	plain, err := e2ee.Open(l.watchKey, req.EncryptedPayload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"npm install"}`, string(plain))

	require.NoError(t, l.engine.Approve("r1"))

	resp := l.awaitResponse()
	require.Equal(t, control.TypeControlResponse, resp.Type)
	require.Equal(t, control.SubtypeSuccess, resp.Response.Subtype)
	require.Equal(t, "r1", resp.Response.RequestID)
	require.NotNil(t, resp.Response.Response)
	assert.Equal(t, control.BehaviorAllow, resp.Response.Response.Behavior)
	assert.JSONEq(t, `{"command":"npm install"}`, string(resp.Response.Response.UpdatedInput))

	// The optimistic removal holds on the watch: the entry stays gone.
	l.awaitState(func(s watchsync.StateSnapshot) bool {
		return len(s.Approvals) == 0
	})

	st, err := l.relay.ApprovalStatus(context.Background(), l.pairingID, "r1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusApproved, st.Status)
}

func TestRejectionReachesTool(t *testing.T) {
	l := startLoop(t)

	l.toolRequest("r-deny", "Write", map[string]any{"filePath": "/etc/passwd"})
	l.awaitState(func(s watchsync.StateSnapshot) bool { return len(s.Approvals) == 1 })
	require.NoError(t, l.engine.Reject("r-deny"))

	resp := l.awaitResponse()
	require.NotNil(t, resp.Response.Response)
	assert.Equal(t, control.BehaviorDeny, resp.Response.Response.Behavior)
	assert.Equal(t, "User rejected from wearable", resp.Response.Response.Message)
}

func TestEnqueueIdempotent(t *testing.T) {
	l := startLoop(t)
	ctx := context.Background()

	req := protocol.ApprovalRequest{ID: "dup", Type: "bash", Title: "ls", Command: "ls"}
	for i := 0; i < 3; i++ {
		id, err := l.relay.CreateApproval(ctx, l.pairingID, req)
		require.NoError(t, err)
		require.Equal(t, "dup", id)
	}

	queue, err := l.relay.ApprovalQueue(ctx, l.pairingID)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "dup", queue[0].ID)
}

func TestCancellationClearsRelayEntry(t *testing.T) {
	l := startLoop(t)
	ctx := context.Background()

	l.toolRequest("r-cancel", "Bash", map[string]any{"command": "sleep 600"})

	// Wait until the bridge's enqueue landed, then cancel before anyone
	// answers.
	require.Eventually(t, func() bool {
		queue, err := l.relay.ApprovalQueue(ctx, l.pairingID)
		return err == nil && len(queue) == 1
	}, waitBudget, 10*time.Millisecond)

	l.toolCancel("r-cancel")

	require.Eventually(t, func() bool {
		queue, err := l.relay.ApprovalQueue(ctx, l.pairingID)
		return err == nil && len(queue) == 0
	}, 2*time.Second, 10*time.Millisecond, "cancelled entry must leave the queue")

	// A cancelled request is never answered.
	select {
	case resp := <-l.responses:
		t.Fatalf("unexpected control response after cancel: %+v", resp)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMultiSelectQuestion(t *testing.T) {
	l := startLoop(t)

	l.toolRequest("q1", control.ToolAskUserQuestion, map[string]any{
		"question":    "Which targets?",
		"options":     []map[string]string{{"label": "a"}, {"label": "b"}, {"label": "c"}},
		"multiSelect": true,
	})

	snap := l.awaitState(func(s watchsync.StateSnapshot) bool {
		return len(s.Questions) == 1
	})
	q := snap.Questions[0]
	require.Equal(t, "q1", q.QuestionID)
	require.Len(t, q.Options, 3)
	require.True(t, q.MultiSelect)

	require.NoError(t, l.engine.Answer("q1", 0, 2))

	resp := l.awaitResponse()
	require.Equal(t, control.SubtypeSuccess, resp.Response.Subtype)
	require.NotNil(t, resp.Response.Response)
	assert.Equal(t, control.BehaviorAllow, resp.Response.Response.Behavior)

	var updated struct {
		Question string              `json:"question"`
		Answers  map[string][]string `json:"answers"`
	}
	require.NoError(t, json.Unmarshal(resp.Response.Response.UpdatedInput, &updated))
	assert.Equal(t, "Which targets?", updated.Question)
	assert.Equal(t, map[string][]string{"q1": {"0", "2"}}, updated.Answers)
}

func TestAutoAcceptConvergence(t *testing.T) {
	l := startLoop(t)

	require.NoError(t, l.engine.SetMode(protocol.ModeAutoAccept))
	l.awaitState(func(s watchsync.StateSnapshot) bool {
		return s.Mode == protocol.ModeAutoAccept
	})

	l.toolRequest("r-auto", "Bash", map[string]any{"command": "go test ./..."})

	// The wrist never touches it, yet the tool gets its allow.
	resp := l.awaitResponse()
	require.Equal(t, "r-auto", resp.Response.RequestID)
	require.NotNil(t, resp.Response.Response)
	assert.Equal(t, control.BehaviorAllow, resp.Response.Response.Behavior)

	snap := l.awaitState(func(s watchsync.StateSnapshot) bool {
		return len(s.Approvals) == 0
	})
	assert.Equal(t, protocol.ModeAutoAccept, snap.Mode)
	assert.GreaterOrEqual(t, l.haptic.value(), 1, "haptic must confirm the bulk approval")
}

func TestSessionEndDrainsAndDenies(t *testing.T) {
	l := startLoop(t)
	ctx := context.Background()

	_, err := l.relay.CreateApproval(ctx, l.pairingID, protocol.ApprovalRequest{
		ID: "stale", Type: "bash", Title: "ls",
	})
	require.NoError(t, err)

	require.NoError(t, l.relay.EndSession(ctx, l.pairingID))

	queue, err := l.relay.ApprovalQueue(ctx, l.pairingID)
	require.NoError(t, err)
	assert.Empty(t, queue, "session end drains the queues")

	st, err := l.relay.SessionStatus(ctx, l.pairingID)
	require.NoError(t, err)
	assert.False(t, st.SessionActive)

	// New prompts after the end are denied, not queued forever.
	l.toolRequest("r-late", "Bash", map[string]any{"command": "ls"})
	resp := l.awaitResponse()
	require.NotNil(t, resp.Response.Response)
	assert.Equal(t, control.BehaviorDeny, resp.Response.Response.Behavior)
	assert.Equal(t, "Session has ended", resp.Response.Response.Message)
}

func TestProgressFlowsToWatch(t *testing.T) {
	l := startLoop(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, l.relay.PutProgress(ctx, l.pairingID, protocol.ProgressSnapshot{
		CurrentTask:    "Refactor parser",
		Progress:       0.5,
		CompletedCount: 1,
		TotalCount:     2,
		Tasks: []protocol.Task{
			{Title: "Refactor parser", Completed: true},
			{Title: "Fix tests"},
		},
		UpdatedAt: now,
	}))

	snap := l.awaitState(func(s watchsync.StateSnapshot) bool {
		return s.Progress != nil
	})
	require.NotNil(t, snap.Progress)
	assert.Equal(t, "Refactor parser", snap.Progress.CurrentTask)
	assert.InDelta(t, 0.5, snap.Progress.Progress, 1e-9)
	assert.False(t, snap.ProgressComplete)

	// An older snapshot must never replace a newer one.
	require.NoError(t, l.relay.PutProgress(ctx, l.pairingID, protocol.ProgressSnapshot{
		CurrentTask: "Ancient",
		Progress:    0.1,
		UpdatedAt:   now.Add(-time.Minute),
	}))
	got, err := l.relay.Progress(ctx, l.pairingID)
	require.NoError(t, err)
	require.NotNil(t, got.Progress)
	assert.Equal(t, "Refactor parser", got.Progress.CurrentTask)
}

func TestSealTamperDetection(t *testing.T) {
	l := startLoop(t)

	wire, err := e2ee.Seal(l.cliKey, []byte(`{"command":"secret"}`))
	require.NoError(t, err)

	plain, err := e2ee.Open(l.watchKey, wire)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"secret"}`, string(plain))

	// Any flipped bit in the wire form must fail authentication.
	tampered := []byte(wire)
	tampered[len(tampered)/2] ^= 0x01
	_, err = e2ee.Open(l.watchKey, string(tampered))
	require.Error(t, err)
}
