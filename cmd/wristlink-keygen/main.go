// Command wristlink-keygen generates the ES256 provider key the relay signs
// wake-hint tokens with.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/wristlink/wristlink/internal/cmdutil"
	"github.com/wristlink/wristlink/internal/securefile"
	wlversion "github.com/wristlink/wristlink/internal/version"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	KeyID   string `json:"key_id"`
	KeyFile string `json:"key_file"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	out := cmdutil.EnvString("WRISTLINK_PUSH_KEY_FILE", "wristlink_push_key.pem")
	var overwrite bool

	fs := flag.NewFlagSet("wristlink-keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&out, "out", out, "output file for the P-256 signing key (env: WRISTLINK_PUSH_KEY_FILE)")
	fs.BoolVar(&overwrite, "overwrite", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, wlversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return usageErr("missing --out")
	}
	if err := cmdutil.RefuseOverwrite(out, overwrite); err != nil {
		if cmdutil.IsUsage(err) {
			return usageErr(err.Error())
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	keyPEM, keyID, err := generateKey()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := securefile.MkdirAllOwnerOnly(dir); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	if err := securefile.WriteFileAtomic(out, keyPEM, 0o600); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_ = cmdutil.WriteJSON(stdout, ready{
		Version: version,
		Commit:  commit,
		Date:    date,
		KeyID:   keyID,
		KeyFile: absOr(out),
	}, false)
	return 0
}

// generateKey returns a PKCS#8 PEM P-256 key plus a ten-character id derived
// from the public key, the shape provider consoles hand out.
func generateKey() ([]byte, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(pub)
	keyID := strings.ToUpper(hex.EncodeToString(sum[:5]))
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), keyID, nil
}

func absOr(path string) string {
	if path == "" {
		return ""
	}
	a, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return a
}
