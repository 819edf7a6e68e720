// Package push signs short-lived provider tokens and sends content-free
// wake hints to paired watches. A hint never carries user content, only the
// pairing id, the request kind, and an opaque request id; the watch polls
// the relay to learn what to display. Delivery is best-effort.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/observability"
	"github.com/wristlink/wristlink/wlerrors"
)

// Hint kinds.
const (
	KindApproval = "approval"
	KindQuestion = "question"
	KindProgress = "progress"
)

// providerTokenLifetime keeps minted tokens inside the provider's accepted
// 20 to 60 minute window.
const providerTokenLifetime = 50 * time.Minute

var ErrBadPEM = errors.New("push: auth key is not a PEM-encoded EC key")

// Hint is the entire push payload besides the wake flag.
type Hint struct {
	PairingID string `json:"pairingId"`
	Kind      string `json:"kind"`
	ID        string `json:"id,omitempty"`
}

// hintPayload is the provider wire shape: the wake flag plus the hint, and
// nothing else.
type hintPayload struct {
	APS struct {
		ContentAvailable int `json:"content-available"`
	} `json:"aps"`
	Hint
}

// Config assembles a Dispatcher.
type Config struct {
	// AuthKeyPEM is the provider signing key (PKCS#8 or SEC1 PEM). Empty
	// disables dispatch entirely.
	AuthKeyPEM []byte
	// KeyID is the provider key identifier placed in the token header.
	KeyID string
	// TeamID is the token issuer.
	TeamID string
	// Topic is the app bundle identifier sent with each hint.
	Topic string
	// Endpoint is the provider base URL, e.g. https://api.push.apple.com.
	Endpoint string
	// HTTPClient overrides the transport. Nil means a 30 s client.
	HTTPClient *http.Client
	// Now is the clock, for tests. Nil means time.Now.
	Now func() time.Time

	Logger   zerolog.Logger
	Observer observability.RelayObserver
}

// Dispatcher sends wake hints. The zero-config dispatcher is disabled and
// drops every hint without error.
type Dispatcher struct {
	key      *ecdsa.PrivateKey
	keyID    string
	teamID   string
	topic    string
	endpoint string
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger
	obs      observability.RelayObserver

	mu          sync.Mutex
	token       string
	tokenMinted time.Time
}

// New validates cfg and builds a Dispatcher. A missing auth key yields a
// disabled dispatcher, not an error, so deployments without push credentials
// keep working.
func New(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		keyID:    cfg.KeyID,
		teamID:   cfg.TeamID,
		topic:    cfg.Topic,
		endpoint: cfg.Endpoint,
		client:   cfg.HTTPClient,
		now:      cfg.Now,
		log:      cfg.Logger,
		obs:      cfg.Observer,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.obs == nil {
		d.obs = observability.NoopRelayObserver
	}
	if len(cfg.AuthKeyPEM) == 0 {
		return d, nil
	}
	key, err := parseECKey(cfg.AuthKeyPEM)
	if err != nil {
		return nil, err
	}
	d.key = key
	return d, nil
}

// Enabled reports whether the dispatcher holds signing credentials.
func (d *Dispatcher) Enabled() bool { return d.key != nil && d.endpoint != "" }

// Dispatch sends one wake hint to deviceToken. Failures are logged and
// returned, but callers treat them as advisory; the queueing operation that
// triggered the hint has already succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceToken string, hint Hint) error {
	if !d.Enabled() {
		d.obs.Push(observability.PushResultDisabled)
		return nil
	}
	if deviceToken == "" {
		d.obs.Push(observability.PushResultNoToken)
		return nil
	}
	bearer, err := d.providerToken()
	if err != nil {
		d.obs.Push(observability.PushResultFail)
		d.log.Warn().Err(err).Msg("push token mint failed")
		return wlerrors.Wrap(wlerrors.PathPush, wlerrors.StageSign, wlerrors.CodeUpstreamUnavailable, err)
	}

	payload := hintPayload{Hint: hint}
	payload.APS.ContentAvailable = 1
	body, err := json.Marshal(payload)
	if err != nil {
		d.obs.Push(observability.PushResultFail)
		return wlerrors.Wrap(wlerrors.PathPush, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}

	url := d.endpoint + "/3/device/" + deviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.obs.Push(observability.PushResultFail)
		return wlerrors.Wrap(wlerrors.PathPush, wlerrors.StageDispatch, wlerrors.CodeUpstreamUnavailable, err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", d.topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("content-type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.obs.Push(observability.PushResultFail)
		d.log.Warn().Err(err).Str("kind", hint.Kind).Msg("push dispatch failed")
		return wlerrors.Wrap(wlerrors.PathPush, wlerrors.StageDispatch, wlerrors.CodeUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		d.obs.Push(observability.PushResultFail)
		err := fmt.Errorf("provider status %d", resp.StatusCode)
		d.log.Warn().Err(err).Str("kind", hint.Kind).Msg("push dispatch rejected")
		return wlerrors.Wrap(wlerrors.PathPush, wlerrors.StageDispatch, wlerrors.CodeUpstreamUnavailable, err)
	}
	d.obs.Push(observability.PushResultOK)
	return nil
}

// providerToken returns the cached bearer token, minting a fresh one when
// the cached token is older than the provider's refresh window.
func (d *Dispatcher) providerToken() (string, error) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && now.Sub(d.tokenMinted) < providerTokenLifetime {
		return d.token, nil
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: d.key},
		(&jose.SignerOptions{}).WithHeader("kid", d.keyID),
	)
	if err != nil {
		return "", err
	}
	claims := jwt.Claims{
		Issuer:   d.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", err
	}
	d.token = token
	d.tokenMinted = now
	return token, nil
}

func parseECKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrBadPEM
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPEM, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrBadPEM
	}
	return key, nil
}
