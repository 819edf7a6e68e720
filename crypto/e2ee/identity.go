package e2ee

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"time"

	"github.com/wristlink/wristlink/internal/securefile"
)

var (
	// ErrBadPrivateKey indicates persisted key material that does not decode
	// to a valid X25519 private key.
	ErrBadPrivateKey = errors.New("invalid persisted private key")
)

// Identity is an endpoint's long-term X25519 keypair. The private key never
// leaves the local machine; the relay only ever sees the public half.
type Identity struct {
	priv *ecdh.PrivateKey
}

// GenerateIdentity creates a fresh X25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

// PublicKeyB64 returns the standard-base64 public key sent during pairing.
func (id *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(id.priv.PublicKey().Bytes())
}

// identityFile is the on-disk envelope for a persisted identity.
type identityFile struct {
	Version    int    `json:"version"`
	PrivateKey string `json:"privateKey"` // base64, X25519 scalar
	CreatedAt  string `json:"createdAt"`
}

const identityFileVersion = 1

// LoadOrCreateIdentity loads the identity at path, creating and persisting a
// new one on first run. The file is written atomically with owner-only
// permissions.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	var f identityFile
	err := securefile.ReadJSON(path, &f)
	if err == nil {
		raw, derr := base64.StdEncoding.DecodeString(f.PrivateKey)
		if derr != nil {
			return nil, ErrBadPrivateKey
		}
		priv, perr := ecdh.X25519().NewPrivateKey(raw)
		if perr != nil {
			return nil, ErrBadPrivateKey
		}
		return &Identity{priv: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	f = identityFile{
		Version:    identityFileVersion,
		PrivateKey: base64.StdEncoding.EncodeToString(id.priv.Bytes()),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := securefile.WriteJSON(path, &f); err != nil {
		return nil, err
	}
	return id, nil
}

// PurgeIdentity removes the persisted identity. Called on unpair; a missing
// file is not an error.
func PurgeIdentity(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
