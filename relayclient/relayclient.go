// Package relayclient is the typed HTTP client for the relay. Both sides of
// a pairing use it: the bridge publishes approvals and polls verdicts, the
// watch core fetches queues and session state when the stream is down.
//
// Every method maps non-2xx responses onto wlerrors codes, preferring the
// code carried in the response body over the bare HTTP status.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

// Sentinel errors surfaced through errors.Is on top of the wlerrors code.
var (
	// ErrNotPaired reports that the watch's pairing session is gone; the
	// watch should mint a fresh code.
	ErrNotPaired = errors.New("pairing session expired or unknown")
	// ErrCodeExpired reports that a pairing code cannot be redeemed.
	ErrCodeExpired = errors.New("pairing code expired or unknown")
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "wristlink-relayclient"

	// maxResponseBytes bounds how much of a relay response gets read.
	maxResponseBytes = 1 << 20
)

// Option configures a Client.
//
// Omit an option to use the library default.
type Option func(*options) error

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// WithHTTPClient sets a custom HTTP client (proxy/TLS/etc). Its timeout is
// left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return fmt.Errorf("http client must not be nil")
		}
		o.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout; 0 disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("timeout must be >= 0")
		}
		o.timeout = d
		return nil
	}
}

// WithUserAgent sets the User-Agent header for every request.
func WithUserAgent(ua string) Option {
	return func(o *options) error {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent must not be empty")
		}
		o.userAgent = ua
		return nil
	}
}

// Client talks to one relay.
type Client struct {
	baseURL   string
	hc        *http.Client
	userAgent string
}

// New validates baseURL and builds a Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("relay url %q: missing host", baseURL)
	}

	cfg := options{timeout: defaultTimeout, userAgent: defaultUserAgent}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Client{baseURL: u.String(), hc: hc, userAgent: cfg.userAgent}, nil
}

// BaseURL returns the normalized relay URL.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamURL returns the websocket URL for the pairing's stream.
func (c *Client) StreamURL(pairingID string) string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/stream/" + url.PathEscape(pairingID)
}

// do runs one JSON round trip. A nil in sends no body; a nil out discards
// the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeTransport, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	return nil
}

// statusError turns a non-2xx response into a coded error. The body's code
// wins over the HTTP status.
func statusError(status int, body []byte) error {
	code := wlerrors.FromHTTPStatus(status)
	msg := http.StatusText(status)
	var e protocol.ErrorResponse
	if json.Unmarshal(body, &e) == nil {
		if e.Code != "" {
			code = wlerrors.Code(e.Code)
		}
		if e.Error != "" {
			msg = e.Error
		}
	}
	return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, code, fmt.Errorf("relay: %s", msg))
}

// asSentinel swaps a NOT_FOUND error for the given sentinel, keeping the
// code so both errors.Is and wlerrors.IsCode work.
func asSentinel(err error, sentinel error) error {
	if wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeNotFound, sentinel)
	}
	return err
}

// PairInitiate requests a fresh pairing code for the watch to display.
func (c *Client) PairInitiate(ctx context.Context, deviceToken, publicKey string) (*protocol.PairInitiateResponse, error) {
	var out protocol.PairInitiateResponse
	err := c.do(ctx, http.MethodPost, "/pair/initiate", protocol.PairInitiateRequest{DeviceToken: deviceToken, PublicKey: publicKey}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PairStatus polls whether the code was redeemed. ErrNotPaired means the
// session expired and the watch should initiate again.
func (c *Client) PairStatus(ctx context.Context, watchID string) (*protocol.PairStatusResponse, error) {
	var out protocol.PairStatusResponse
	if err := c.do(ctx, http.MethodGet, "/pair/status/"+url.PathEscape(watchID), nil, &out); err != nil {
		return nil, asSentinel(err, ErrNotPaired)
	}
	return &out, nil
}

// PairComplete redeems a displayed code from the workstation side.
func (c *Client) PairComplete(ctx context.Context, code, deviceToken, publicKey string) (*protocol.PairCompleteResponse, error) {
	var out protocol.PairCompleteResponse
	err := c.do(ctx, http.MethodPost, "/pair/complete", protocol.PairCompleteRequest{Code: code, DeviceToken: deviceToken, PublicKey: publicKey}, &out)
	if err != nil {
		return nil, asSentinel(err, ErrCodeExpired)
	}
	return &out, nil
}

// Unpair tears the pairing down.
func (c *Client) Unpair(ctx context.Context, pairingID string) error {
	return c.do(ctx, http.MethodPost, "/unpair", protocol.UnpairRequest{PairingID: pairingID}, nil)
}

// CreateApproval enqueues an approval and returns its id. Re-submitting an
// id already queued is acknowledged without duplicating the entry.
func (c *Client) CreateApproval(ctx context.Context, pairingID string, req protocol.ApprovalRequest) (string, error) {
	var out protocol.AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/approval", protocol.ApprovalCreateRequest{PairingID: pairingID, ApprovalRequest: req}, &out)
	if err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// ApprovalQueue lists pending approvals, oldest first.
func (c *Client) ApprovalQueue(ctx context.Context, pairingID string) ([]protocol.ApprovalRequest, error) {
	var out protocol.ApprovalQueueResponse
	if err := c.do(ctx, http.MethodGet, "/approval-queue/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// RespondApproval records a verdict. Only the first verdict for an id
// counts; later ones are acknowledged as no-ops.
func (c *Client) RespondApproval(ctx context.Context, pairingID, requestID string, approved bool) error {
	return c.do(ctx, http.MethodPost, "/approval/"+url.PathEscape(requestID), protocol.ApprovalRespondRequest{PairingID: pairingID, Approved: approved}, nil)
}

// ApprovalStatus polls one approval's verdict.
func (c *Client) ApprovalStatus(ctx context.Context, pairingID, requestID string) (*protocol.ApprovalStatusResponse, error) {
	var out protocol.ApprovalStatusResponse
	if err := c.do(ctx, http.MethodGet, "/approval/"+url.PathEscape(pairingID)+"/"+url.PathEscape(requestID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveApproval cancels one approval without recording a verdict.
func (c *Client) RemoveApproval(ctx context.Context, pairingID, requestID string) error {
	return c.do(ctx, http.MethodDelete, "/approval/"+url.PathEscape(pairingID)+"/"+url.PathEscape(requestID), nil, nil)
}

// DrainApprovals removes the pairing's whole approval queue.
func (c *Client) DrainApprovals(ctx context.Context, pairingID string) error {
	return c.do(ctx, http.MethodDelete, "/approval-queue/"+url.PathEscape(pairingID), nil, nil)
}

// CreateQuestion enqueues a question and returns its id.
func (c *Client) CreateQuestion(ctx context.Context, pairingID string, req protocol.QuestionRequest) (string, error) {
	var out protocol.AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/question", protocol.QuestionCreateRequest{PairingID: pairingID, QuestionRequest: req}, &out)
	if err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// QuestionQueue lists pending questions, oldest first.
func (c *Client) QuestionQueue(ctx context.Context, pairingID string) ([]protocol.QuestionRequest, error) {
	var out protocol.QuestionQueueResponse
	if err := c.do(ctx, http.MethodGet, "/question-queue/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

// AnswerQuestion records an answer. Only the first answer counts.
func (c *Client) AnswerQuestion(ctx context.Context, pairingID, questionID string, answer protocol.Answer) error {
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(questionID), protocol.QuestionAnswerRequest{PairingID: pairingID, Answer: answer}, nil)
}

// QuestionStatus polls one question's answer.
func (c *Client) QuestionStatus(ctx context.Context, pairingID, questionID string) (*protocol.QuestionStatusResponse, error) {
	var out protocol.QuestionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/question/"+url.PathEscape(pairingID)+"/"+url.PathEscape(questionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveQuestion cancels one question without recording an answer.
func (c *Client) RemoveQuestion(ctx context.Context, pairingID, questionID string) error {
	return c.do(ctx, http.MethodDelete, "/question/"+url.PathEscape(pairingID)+"/"+url.PathEscape(questionID), nil, nil)
}

// DrainQuestions removes the pairing's whole question queue.
func (c *Client) DrainQuestions(ctx context.Context, pairingID string) error {
	return c.do(ctx, http.MethodDelete, "/question-queue/"+url.PathEscape(pairingID), nil, nil)
}

// PutProgress publishes a progress snapshot.
func (c *Client) PutProgress(ctx context.Context, pairingID string, snap protocol.ProgressSnapshot) error {
	return c.do(ctx, http.MethodPost, "/session-progress", protocol.ProgressPutRequest{PairingID: pairingID, ProgressSnapshot: snap}, nil)
}

// Progress fetches the current snapshot; Progress is nil when none is
// visible.
func (c *Client) Progress(ctx context.Context, pairingID string) (*protocol.ProgressGetResponse, error) {
	var out protocol.ProgressGetResponse
	if err := c.do(ctx, http.MethodGet, "/session-progress/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession marks the session terminal and drains its queues.
func (c *Client) EndSession(ctx context.Context, pairingID string) error {
	return c.do(ctx, http.MethodPost, "/session-end", protocol.SessionEndRequest{PairingID: pairingID}, nil)
}

// SessionStatus reports liveness, control state, and mode.
func (c *Client) SessionStatus(ctx context.Context, pairingID string) (*protocol.SessionStatusResponse, error) {
	var out protocol.SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/session-status/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interrupt applies a stop, resume, or clear action.
func (c *Client) Interrupt(ctx context.Context, pairingID, action string) (*protocol.InterruptResponse, error) {
	var out protocol.InterruptResponse
	if err := c.do(ctx, http.MethodPost, "/session-interrupt", protocol.InterruptRequest{PairingID: pairingID, Action: action}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InterruptState reads the pause flag and last applied action.
func (c *Client) InterruptState(ctx context.Context, pairingID string) (*protocol.InterruptResponse, error) {
	var out protocol.InterruptResponse
	if err := c.do(ctx, http.MethodGet, "/session-interrupt/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetMode switches the pairing between manual and auto-accept approval.
func (c *Client) SetMode(ctx context.Context, pairingID, mode string) error {
	return c.do(ctx, http.MethodPost, "/session-mode", protocol.ModeRequest{PairingID: pairingID, Mode: mode}, nil)
}

// Mode reads the pairing's approval mode.
func (c *Client) Mode(ctx context.Context, pairingID string) (string, error) {
	var out protocol.ModeResponse
	if err := c.do(ctx, http.MethodGet, "/session-mode/"+url.PathEscape(pairingID), nil, &out); err != nil {
		return "", err
	}
	return out.Mode, nil
}

// Health probes the relay.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var out protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
