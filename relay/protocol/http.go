package protocol

import "time"

// PairInitiateRequest starts a pairing session from the watch.
type PairInitiateRequest struct {
	DeviceToken string `json:"deviceToken,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// PairInitiateResponse carries the code the watch displays.
type PairInitiateResponse struct {
	Code      string    `json:"code"`
	WatchID   string    `json:"watchId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairStatusResponse reports whether a pairing session completed.
type PairStatusResponse struct {
	Paired       bool   `json:"paired"`
	PairingID    string `json:"pairingId,omitempty"`
	CLIPublicKey string `json:"cliPublicKey,omitempty"`
}

// PairCompleteRequest redeems a displayed code from the CLI side.
type PairCompleteRequest struct {
	Code        string `json:"code"`
	DeviceToken string `json:"deviceToken,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// PairCompleteResponse returns the durable pairing identity.
type PairCompleteResponse struct {
	PairingID      string `json:"pairingId"`
	WatchPublicKey string `json:"watchPublicKey,omitempty"`
}

// UnpairRequest tears a pairing down from either side.
type UnpairRequest struct {
	PairingID string `json:"pairingId"`
}

// ApprovalCreateRequest submits an approval to a pairing's queue.
type ApprovalCreateRequest struct {
	PairingID string `json:"pairingId"`
	ApprovalRequest
}

// QuestionCreateRequest submits a question to a pairing's queue.
type QuestionCreateRequest struct {
	PairingID string `json:"pairingId"`
	QuestionRequest
}

// AcceptedResponse acknowledges an enqueue.
type AcceptedResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId,omitempty"`
}

// ApprovalQueueResponse lists a pairing's pending approvals, oldest first.
type ApprovalQueueResponse struct {
	Requests   []ApprovalRequest `json:"requests"`
	TotalCount int               `json:"totalCount"`
}

// QuestionQueueResponse lists a pairing's pending questions, oldest first.
type QuestionQueueResponse struct {
	Questions  []QuestionRequest `json:"questions"`
	TotalCount int               `json:"totalCount"`
}

// ApprovalRespondRequest resolves one approval from the watch.
type ApprovalRespondRequest struct {
	PairingID string `json:"pairingId"`
	Approved  bool   `json:"approved"`
}

// QuestionAnswerRequest resolves one question from the watch.
type QuestionAnswerRequest struct {
	PairingID string `json:"pairingId"`
	Answer    Answer `json:"answer"`
}

// ApprovalStatusResponse is what the bridge polls for.
type ApprovalStatusResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Type        string     `json:"type,omitempty"`
	Title       string     `json:"title,omitempty"`
	Approved    *bool      `json:"approved,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// QuestionStatusResponse is the question poll result.
type QuestionStatusResponse struct {
	QuestionID  string     `json:"questionId"`
	Status      string     `json:"status"`
	Answer      *Answer    `json:"answer,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// SuccessResponse acknowledges a state-changing call.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ProgressPutRequest publishes a progress snapshot.
type ProgressPutRequest struct {
	PairingID string `json:"pairingId"`
	ProgressSnapshot
}

// ProgressGetResponse returns the current snapshot, null when absent or
// expired.
type ProgressGetResponse struct {
	Progress   *ProgressSnapshot `json:"progress"`
	IsComplete bool              `json:"isComplete"`
}

// SessionEndRequest marks a session terminal.
type SessionEndRequest struct {
	PairingID string `json:"pairingId"`
}

// SessionStatusResponse reports liveness for the watch UI.
type SessionStatusResponse struct {
	SessionActive bool   `json:"sessionActive"`
	State         string `json:"state"`
	Mode          string `json:"mode"`
}

// InterruptRequest changes the session control state.
type InterruptRequest struct {
	PairingID string `json:"pairingId"`
	Action    string `json:"action"`
}

// InterruptResponse echoes the applied action.
type InterruptResponse struct {
	Interrupted bool   `json:"interrupted"`
	Action      string `json:"action"`
	State       string `json:"state,omitempty"`
}

// ModeRequest switches a pairing between manual and auto-accept.
type ModeRequest struct {
	PairingID string `json:"pairingId"`
	Mode      string `json:"mode"`
}

// SetModeResponse acknowledges a mode switch.
type SetModeResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
}

// ModeResponse reports the pairing's current mode.
type ModeResponse struct {
	Mode string `json:"mode"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptimeSeconds"`
}

// ErrorResponse is the uniform error body for non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
