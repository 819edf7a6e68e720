package e2ee

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ContextInfo is the HKDF info string binding derived keys to this protocol.
// Both endpoints must use the identical string or their keys will not match.
const ContextInfo = "claude-watch-e2e"

// SessionKeySize is the derived symmetric key length in bytes.
const SessionKeySize = 32

var (
	// ErrBadPeerKey indicates the peer public key did not decode to a valid
	// X25519 point.
	ErrBadPeerKey = errors.New("invalid peer public key")
)

// DeriveSessionKey computes the shared symmetric key from our identity and
// the peer's base64 public key: X25519 agreement fed through HKDF-SHA256
// with an empty salt and ContextInfo. Both sides derive the same key.
func DeriveSessionKey(id *Identity, peerPublicKeyB64 string) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte

	raw, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return key, ErrBadPeerKey
	}
	peer, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return key, ErrBadPeerKey
	}
	secret, err := id.priv.ECDH(peer)
	if err != nil {
		return key, ErrBadPeerKey
	}

	r := hkdf.New(sha256.New, secret, nil, []byte(ContextInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
