// Package cliconfig locates and persists the per-user pairing state shared by
// the CLI binaries: which relay to talk to, the pairing id, and the watch's
// public key. Private key material lives next to it in its own file, never
// inside the config.
package cliconfig

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/internal/securefile"
)

// ErrNotPaired reports that no pairing has been completed on this machine.
var ErrNotPaired = errors.New("not paired (run wristlink-pair first)")

// Config is the launcher's persisted state, written by wristlink-pair.
type Config struct {
	PairingID      string    `json:"pairingId"`
	CloudURL       string    `json:"cloudUrl"`
	CreatedAt      time.Time `json:"createdAt"`
	Wrapper        string    `json:"wrapper,omitempty"`
	WatchPublicKey string    `json:"watchPublicKey,omitempty"`
}

// Dir returns the state directory, honoring WRISTLINK_CONFIG_DIR so tests and
// multi-profile setups can relocate it.
func Dir() (string, error) {
	if v := strings.TrimSpace(os.Getenv("WRISTLINK_CONFIG_DIR")); v != "" {
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "wristlink"), nil
}

// File returns the config path inside dir.
func File(dir string) string {
	return filepath.Join(dir, "config.json")
}

// IdentityFile returns the CLI identity key path inside dir.
func IdentityFile(dir string) string {
	return filepath.Join(dir, "identity.json")
}

// Load reads and validates the config at path. A missing file returns
// ErrNotPaired.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := securefile.ReadJSON(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotPaired
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save validates cfg, stamps CreatedAt on first write, and persists it
// atomically with owner-only permissions.
func Save(path string, cfg *Config) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return securefile.WriteJSON(path, cfg)
}

// Validate checks the fields the binaries depend on.
func (cfg *Config) Validate() error {
	if err := pairingid.Validate(cfg.PairingID); err != nil {
		return err
	}
	u, err := url.Parse(cfg.CloudURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("cloudUrl must be an absolute http(s) URL")
	}
	return nil
}

// Purge removes the persisted config. A missing file is not an error.
func Purge(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
