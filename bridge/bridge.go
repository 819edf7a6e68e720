// Package bridge relays a wrapped tool's permission prompts to the wrist and
// feeds verdicts back on the tool's stdin.
//
// The tool speaks the newline-delimited control protocol from bridge/control
// on its stdio. A single reader goroutine drains stdout: control messages
// spawn one worker per request, everything else forwards to the launcher's
// stdout verbatim. Workers enqueue the prompt on the relay, poll for the
// wrist's verdict, and answer with exactly one control_response. A cancel
// message stops the worker and removes the relay entry; a cancelled request
// is never answered.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/bridge/control"
	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relay/session"
	"github.com/wristlink/wristlink/relayclient"
	"github.com/wristlink/wristlink/wlerrors"
)

// DefaultPollInterval is the verdict polling cadence against the relay.
const DefaultPollInterval = 2 * time.Second

const removeTimeout = 5 * time.Second

// User-facing deny reasons.
const (
	rejectMessage          = "User rejected from wearable"
	localRejectMessage     = "User rejected at the terminal"
	sessionEndedMessage    = "Session has ended"
	questionSkippedMessage = "Question skipped on watch; answer in the terminal"
)

// dangerousTitle replaces the command text on prompts for destructive
// primitives.
const dangerousTitle = "Run shell command"

var errSessionEnded = errors.New("session ended")

// Prompter answers permission prompts on the local terminal. Used for
// questions the wrist defers and, in fallback mode, when the relay is
// unreachable.
type Prompter interface {
	// Approve asks for a yes/no verdict on a tool invocation.
	Approve(ctx context.Context, req protocol.ApprovalRequest) (bool, error)
	// Choose picks option indices for a question, honoring MultiSelect.
	Choose(ctx context.Context, req protocol.QuestionRequest) ([]int, error)
}

// Sealer encrypts prompt detail end to end for the wrist. The relay stores
// the output opaque.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// Config wires a Bridge to its tool and relay.
type Config struct {
	// PairingID identifies the wrist pairing on the relay.
	PairingID string
	// Relay talks to the relay service. Required.
	Relay *relayclient.Client

	// ToolStdout is the wrapped tool's stdout, control messages mixed with
	// regular output. Required.
	ToolStdout io.Reader
	// ToolStdin is the wrapped tool's stdin, for control responses.
	// Required.
	ToolStdin io.Writer
	// Passthrough receives non-control stdout lines. Defaults to os.Stdout.
	Passthrough io.Writer

	// Prompter answers prompts locally. Optional.
	Prompter Prompter
	// LocalFallback answers prompts at the terminal once a relay retry
	// budget is spent instead of holding the tool until connectivity
	// returns.
	LocalFallback bool

	// Sealer attaches encrypted detail to relay entries when session keys
	// exist. Optional.
	Sealer Sealer

	// PollInterval is the verdict polling cadence. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration
	// Retry shapes backoff for relay calls. Zero value means defaults.
	Retry relayclient.RetryConfig

	Logger zerolog.Logger
	// Now returns wall-clock time. Defaults to time.Now.
	Now func() time.Time
}

// Bridge owns the stdio loop for one tool process.
type Bridge struct {
	cfg  Config
	log  zerolog.Logger
	out  *control.Writer
	pass io.Writer

	mu       sync.Mutex
	inflight map[string]*pendingRequest

	wg sync.WaitGroup
}

type pendingRequest struct {
	cancel context.CancelFunc
	kind   string
}

// New validates cfg and builds a Bridge. Run starts the loop.
func New(cfg Config) (*Bridge, error) {
	if cfg.Relay == nil {
		return nil, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("relay client is required"))
	}
	if err := pairingid.Validate(cfg.PairingID); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	if cfg.ToolStdout == nil || cfg.ToolStdin == nil {
		return nil, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("tool stdio is required"))
	}
	if cfg.Passthrough == nil {
		cfg.Passthrough = os.Stdout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("pairingId", cfg.PairingID).Logger(),
		out:      control.NewWriter(cfg.ToolStdin),
		pass:     cfg.Passthrough,
		inflight: make(map[string]*pendingRequest),
	}, nil
}

// Run drains the tool's stdout until it closes, then waits for in-flight
// workers. Cancelling ctx stops the workers; the read loop itself ends when
// the tool exits and closes its pipe.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc := control.NewScanner(b.cfg.ToolStdout)
	for {
		line, err := sc.Next()
		if err != nil {
			cancel()
			b.wg.Wait()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageDecode, wlerrors.CodeTransport, err)
		}
		msg, ok := control.Parse(line)
		if !ok {
			b.forward(line)
			continue
		}
		b.dispatch(ctx, msg)
	}
}

func (b *Bridge) forward(line []byte) {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := b.pass.Write(buf); err != nil {
		b.log.Warn().Err(err).Msg("passthrough write failed")
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg *control.Request) {
	if msg.Type == control.TypeControlCancelRequest {
		b.cancelRequest(msg.RequestID)
		return
	}
	if err := msg.Validate(); err != nil {
		b.log.Warn().Err(err).Msg("unusable control request")
		if msg.RequestID != "" {
			b.respondError(msg.RequestID, err)
		}
		return
	}

	kind := protocol.KindApproval
	if msg.Request.ToolName == control.ToolAskUserQuestion {
		kind = protocol.KindQuestion
	}

	reqCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if _, dup := b.inflight[msg.RequestID]; dup {
		b.mu.Unlock()
		cancel()
		b.log.Warn().Str("requestId", msg.RequestID).Msg("duplicate control request ignored")
		return
	}
	b.inflight[msg.RequestID] = &pendingRequest{cancel: cancel, kind: kind}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.finish(msg.RequestID, cancel)
		if kind == protocol.KindQuestion {
			b.serveQuestion(reqCtx, msg)
		} else {
			b.serveApproval(reqCtx, msg)
		}
	}()
}

func (b *Bridge) finish(requestID string, cancel context.CancelFunc) {
	b.mu.Lock()
	delete(b.inflight, requestID)
	b.mu.Unlock()
	cancel()
}

func (b *Bridge) cancelRequest(requestID string) {
	b.mu.Lock()
	p := b.inflight[requestID]
	b.mu.Unlock()
	if p == nil {
		b.log.Debug().Str("requestId", requestID).Msg("cancel for unknown request")
		return
	}
	b.log.Info().Str("requestId", requestID).Msg("control request cancelled")
	p.cancel()
}

// serveApproval answers one can_use_tool request. A cancelled request sends
// nothing and clears its relay entry.
func (b *Bridge) serveApproval(ctx context.Context, msg *control.Request) {
	req := b.approvalRequest(msg)
	verdict, err := b.resolveApproval(ctx, req)
	if ctx.Err() != nil {
		b.removeEntry(protocol.KindApproval, req.ID)
		return
	}
	if err != nil {
		b.log.Error().Err(err).Str("requestId", msg.RequestID).Msg("approval failed")
		b.respondError(msg.RequestID, err)
		return
	}
	if verdict.approved {
		b.log.Info().Str("requestId", msg.RequestID).Str("tool", msg.Request.ToolName).Msg("tool use approved")
		b.respond(msg.RequestID, control.Allow(msg.Request.Input))
		return
	}
	b.log.Info().Str("requestId", msg.RequestID).Str("tool", msg.Request.ToolName).Msg("tool use denied")
	b.respond(msg.RequestID, control.Deny(verdict.message))
}

type approvalVerdict struct {
	approved bool
	message  string
}

func (b *Bridge) resolveApproval(ctx context.Context, req protocol.ApprovalRequest) (approvalVerdict, error) {
	if err := b.holdWhilePaused(ctx); err != nil {
		if errors.Is(err, errSessionEnded) {
			return approvalVerdict{message: sessionEndedMessage}, nil
		}
		return approvalVerdict{}, err
	}
	err := b.submitApproval(ctx, req)
	if err == nil {
		verdict, perr := b.pollApproval(ctx, req)
		if perr == nil {
			return verdict, nil
		}
		err = perr
	}
	if b.canFallLocal(ctx, err) {
		approved, perr := b.cfg.Prompter.Approve(ctx, req)
		if perr != nil {
			return approvalVerdict{}, perr
		}
		b.removeEntry(protocol.KindApproval, req.ID)
		return approvalVerdict{approved: approved, message: localRejectMessage}, nil
	}
	return approvalVerdict{}, err
}

func (b *Bridge) submitApproval(ctx context.Context, req protocol.ApprovalRequest) error {
	return b.withRelayRetry(ctx, func(ctx context.Context) error {
		_, err := b.cfg.Relay.CreateApproval(ctx, b.cfg.PairingID, req)
		return err
	})
}

func (b *Bridge) pollApproval(ctx context.Context, req protocol.ApprovalRequest) (approvalVerdict, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return approvalVerdict{}, ctx.Err()
		case <-ticker.C:
		}
		st, err := b.cfg.Relay.ApprovalStatus(ctx, b.cfg.PairingID, req.ID)
		if err != nil {
			if wlerrors.IsCode(err, wlerrors.CodeNotFound) {
				// Entry expired unanswered. Re-enqueue to keep the prompt
				// alive; the wrist sees it as a fresh request.
				if err := b.submitApproval(ctx, req); err != nil {
					return approvalVerdict{}, err
				}
				continue
			}
			if transient(err) {
				continue
			}
			return approvalVerdict{}, err
		}
		switch st.Status {
		case protocol.StatusApproved:
			return approvalVerdict{approved: true}, nil
		case protocol.StatusRejected:
			return approvalVerdict{message: rejectMessage}, nil
		}
	}
}

// serveQuestion answers one AskUserQuestion request.
func (b *Bridge) serveQuestion(ctx context.Context, msg *control.Request) {
	req, err := questionRequest(msg)
	if err != nil {
		b.log.Warn().Err(err).Str("requestId", msg.RequestID).Msg("unusable question input")
		b.respondError(msg.RequestID, err)
		return
	}
	b.sealQuestion(&req, msg.Request.Input)
	result, err := b.resolveQuestion(ctx, msg, req)
	if ctx.Err() != nil {
		b.removeEntry(protocol.KindQuestion, req.QuestionID)
		return
	}
	if err != nil {
		b.log.Error().Err(err).Str("requestId", msg.RequestID).Msg("question failed")
		b.respondError(msg.RequestID, err)
		return
	}
	b.log.Info().Str("requestId", msg.RequestID).Str("behavior", result.Behavior).Msg("question resolved")
	b.respond(msg.RequestID, result)
}

func (b *Bridge) resolveQuestion(ctx context.Context, msg *control.Request, req protocol.QuestionRequest) (*control.PermissionResult, error) {
	if err := b.holdWhilePaused(ctx); err != nil {
		if errors.Is(err, errSessionEnded) {
			return control.Deny(sessionEndedMessage), nil
		}
		return nil, err
	}
	err := b.submitQuestion(ctx, req)
	if err == nil {
		ans, perr := b.pollQuestion(ctx, req)
		if perr == nil {
			return b.questionResult(ctx, msg, req, ans)
		}
		err = perr
	}
	if b.canFallLocal(ctx, err) {
		indices, perr := b.cfg.Prompter.Choose(ctx, req)
		if perr != nil {
			return nil, perr
		}
		b.removeEntry(protocol.KindQuestion, req.QuestionID)
		return allowWithIndices(msg, stringIndices(indices))
	}
	return nil, err
}

func (b *Bridge) submitQuestion(ctx context.Context, req protocol.QuestionRequest) error {
	return b.withRelayRetry(ctx, func(ctx context.Context) error {
		_, err := b.cfg.Relay.CreateQuestion(ctx, b.cfg.PairingID, req)
		return err
	})
}

func (b *Bridge) pollQuestion(ctx context.Context, req protocol.QuestionRequest) (*protocol.Answer, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		st, err := b.cfg.Relay.QuestionStatus(ctx, b.cfg.PairingID, req.QuestionID)
		if err != nil {
			if wlerrors.IsCode(err, wlerrors.CodeNotFound) {
				if err := b.submitQuestion(ctx, req); err != nil {
					return nil, err
				}
				continue
			}
			if transient(err) {
				continue
			}
			return nil, err
		}
		if st.Status == protocol.StatusAnswered && st.Answer != nil {
			return st.Answer, nil
		}
	}
}

// questionResult turns the wrist's answer into a control response. The tool
// receives the original input plus an answers map keyed by request id, with
// indices as strings.
func (b *Bridge) questionResult(ctx context.Context, msg *control.Request, req protocol.QuestionRequest, ans *protocol.Answer) (*control.PermissionResult, error) {
	if ans.HandleOnMac {
		if b.cfg.LocalFallback && b.cfg.Prompter != nil {
			indices, err := b.cfg.Prompter.Choose(ctx, req)
			if err != nil {
				return nil, err
			}
			return allowWithIndices(msg, stringIndices(indices))
		}
		return control.Deny(questionSkippedMessage), nil
	}
	return allowWithIndices(msg, ans.StringIndices())
}

func allowWithIndices(msg *control.Request, indices []string) (*control.PermissionResult, error) {
	updated, err := control.WithAnswers(msg.Request.Input, msg.RequestID, indices)
	if err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}
	return control.Allow(updated), nil
}

// holdWhilePaused blocks while the wrist has the session paused. Transport
// failures fall through; reachability is the submit path's problem.
func (b *Bridge) holdWhilePaused(ctx context.Context) error {
	for {
		st, err := b.cfg.Relay.SessionStatus(ctx, b.cfg.PairingID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		switch st.State {
		case session.StateEnded:
			return errSessionEnded
		case session.StatePaused:
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// withRelayRetry keeps a relay call alive across outages. Without local
// fallback the call holds for as long as the request lives; with it, one
// retry budget is spent and the terminal takes over.
func (b *Bridge) withRelayRetry(ctx context.Context, fn func(context.Context) error) error {
	for {
		err := relayclient.Retry(ctx, b.cfg.Retry, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !transient(err) || b.cfg.LocalFallback {
			return err
		}
		b.log.Warn().Err(err).Msg("relay unreachable, holding request")
	}
}

func (b *Bridge) canFallLocal(ctx context.Context, err error) bool {
	return b.cfg.LocalFallback && b.cfg.Prompter != nil && ctx.Err() == nil && transient(err)
}

func transient(err error) bool {
	return wlerrors.IsCode(err, wlerrors.CodeTransport) ||
		wlerrors.IsCode(err, wlerrors.CodeUpstreamUnavailable)
}

// removeEntry clears a relay entry the tool no longer waits on.
func (b *Bridge) removeEntry(kind, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	var err error
	if kind == protocol.KindQuestion {
		err = b.cfg.Relay.RemoveQuestion(ctx, b.cfg.PairingID, requestID)
	} else {
		err = b.cfg.Relay.RemoveApproval(ctx, b.cfg.PairingID, requestID)
	}
	if err != nil && !wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		b.log.Debug().Err(err).Str("requestId", requestID).Msg("relay entry removal failed")
	}
}

func (b *Bridge) respond(requestID string, result *control.PermissionResult) {
	if err := b.out.WriteResult(requestID, result); err != nil {
		b.log.Error().Err(err).Str("requestId", requestID).Msg("control response write failed")
	}
}

func (b *Bridge) respondError(requestID string, cause error) {
	if err := b.out.WriteError(requestID, cause.Error()); err != nil {
		b.log.Error().Err(err).Str("requestId", requestID).Msg("control error write failed")
	}
}

// approvalRequest shapes the relay prompt for a tool invocation. Shell
// commands become the title unless flagged dangerous; then only a kind
// label travels and the detail rides sealed, when a Sealer is wired.
func (b *Bridge) approvalRequest(msg *control.Request) protocol.ApprovalRequest {
	var in struct {
		Command     string `json:"command"`
		FilePath    string `json:"filePath"`
		Description string `json:"description"`
	}
	if len(msg.Request.Input) != 0 {
		// Best effort: unknown input shapes still get a generic prompt.
		_ = protocol.DecodeCompat(msg.Request.Input, &in)
	}

	req := protocol.ApprovalRequest{
		ID:    msg.RequestID,
		Type:  strings.ToLower(msg.Request.ToolName),
		Title: msg.Request.ToolName,
	}
	switch {
	case in.Command != "":
		req.Type = "bash"
		if DangerousCommand(in.Command) {
			req.Title = dangerousTitle
		} else {
			req.Title = in.Command
			req.Command = in.Command
			req.Description = in.Description
		}
	case in.FilePath != "":
		req.Title = msg.Request.ToolName + " " + in.FilePath
		req.FilePath = in.FilePath
		req.Description = in.Description
	default:
		req.Description = in.Description
	}

	if b.cfg.Sealer != nil && len(msg.Request.Input) != 0 {
		sealed, err := b.cfg.Sealer.Seal(msg.Request.Input)
		if err != nil {
			b.log.Warn().Err(err).Str("requestId", msg.RequestID).Msg("payload seal failed")
		} else {
			req.EncryptedPayload = sealed
		}
	}
	return req
}

func (b *Bridge) sealQuestion(req *protocol.QuestionRequest, input json.RawMessage) {
	if b.cfg.Sealer == nil || len(input) == 0 {
		return
	}
	sealed, err := b.cfg.Sealer.Seal(input)
	if err != nil {
		b.log.Warn().Err(err).Str("questionId", req.QuestionID).Msg("payload seal failed")
		return
	}
	req.EncryptedPayload = sealed
}

// questionRequest parses AskUserQuestion input. Both a bare question object
// and a questions array wrapper are accepted; the wrapper's first entry
// wins.
func questionRequest(msg *control.Request) (protocol.QuestionRequest, error) {
	type questionInput struct {
		Question          string                    `json:"question"`
		Header            string                    `json:"header"`
		Options           []protocol.QuestionOption `json:"options"`
		MultiSelect       bool                      `json:"multiSelect"`
		RecommendedAnswer string                    `json:"recommendedAnswer"`
		Questions         []json.RawMessage         `json:"questions"`
	}
	var in questionInput
	if len(msg.Request.Input) != 0 {
		if err := protocol.DecodeCompat(msg.Request.Input, &in); err != nil {
			return protocol.QuestionRequest{}, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageDecode, wlerrors.CodeInvalidInput, err)
		}
	}
	if in.Question == "" && len(in.Questions) > 0 {
		var first questionInput
		if err := protocol.DecodeCompat(in.Questions[0], &first); err != nil {
			return protocol.QuestionRequest{}, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageDecode, wlerrors.CodeInvalidInput, err)
		}
		in = first
	}
	if in.Question == "" || len(in.Options) == 0 {
		return protocol.QuestionRequest{}, wlerrors.Wrap(wlerrors.PathBridge, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("question and options are required"))
	}
	return protocol.QuestionRequest{
		QuestionID:        msg.RequestID,
		Question:          in.Question,
		Header:            in.Header,
		Options:           in.Options,
		MultiSelect:       in.MultiSelect,
		RecommendedAnswer: in.RecommendedAnswer,
	}, nil
}

func stringIndices(indices []int) []string {
	return protocol.AnswerIndices(indices...).StringIndices()
}
