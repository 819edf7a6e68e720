package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrCiphertextShort indicates a sealed payload too small to contain a
	// nonce and tag.
	ErrCiphertextShort = errors.New("sealed payload too short")
	// ErrDecrypt indicates AEAD authentication failed. Any modified bit in
	// the wire form produces this error.
	ErrDecrypt = errors.New("decrypt failed")
	// ErrBadEncoding indicates the wire form is not valid base64.
	ErrBadEncoding = errors.New("sealed payload not base64")
)

// MaxSealedPlaintext bounds payload size; sealed blobs ride inside relay
// JSON bodies and are never large.
const MaxSealedPlaintext = 256 * 1024

// ErrPlaintextTooLarge indicates the payload exceeds MaxSealedPlaintext.
var ErrPlaintextTooLarge = errors.New("plaintext too large")

// Seal encrypts plaintext under the session key with XChaCha20-Poly1305.
// Wire form is base64(nonce || ciphertext+tag); the 24-byte nonce is random
// per message and never reused.
func Seal(key [SessionKeySize]byte, plaintext []byte) (string, error) {
	if len(plaintext) > MaxSealedPlaintext {
		return "", ErrPlaintextTooLarge
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a wire-form payload produced by Seal.
func Open(key [SessionKeySize]byte, wire string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, ErrBadEncoding
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
