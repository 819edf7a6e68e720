// Command wristlink-pair completes pairing from the workstation side: it
// redeems the code shown on the watch, persists the pairing config and the
// watch's public key, and prints the resulting pairingId.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wristlink/wristlink/crypto/e2ee"
	"github.com/wristlink/wristlink/internal/cliconfig"
	"github.com/wristlink/wristlink/internal/cmdutil"
	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/internal/securefile"
	wlversion "github.com/wristlink/wristlink/internal/version"
	"github.com/wristlink/wristlink/relayclient"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	PairingID  string `json:"pairing_id"`
	ConfigFile string `json:"config_file"`
}

type unpaired struct {
	PairingID string `json:"pairing_id"`
	Unpaired  bool   `json:"unpaired"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	relayURL := cmdutil.EnvString("WRISTLINK_CLOUD_URL", "")
	wrapper := cmdutil.EnvString("WRISTLINK_WRAPPER", "")
	configDir := ""
	var unpair bool

	fs := flag.NewFlagSet("wristlink-pair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&relayURL, "relay-url", relayURL, "relay base URL, e.g. https://relay.example.com (env: WRISTLINK_CLOUD_URL)")
	fs.StringVar(&wrapper, "wrapper", wrapper, "tool the launcher wraps; stored in the config (env: WRISTLINK_WRAPPER)")
	fs.StringVar(&configDir, "config-dir", configDir, "state directory (default: user config dir; env: WRISTLINK_CONFIG_DIR)")
	fs.BoolVar(&unpair, "unpair", false, "tear the current pairing down and purge local state")
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

	if configDir == "" {
		var err error
		configDir, err = cliconfig.Dir()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if unpair {
		if fs.NArg() != 0 {
			return usageErr("--unpair takes no code")
		}
		return runUnpair(ctx, configDir, stdout, stderr)
	}

	if fs.NArg() != 1 {
		return usageErr("usage: wristlink-pair [flags] <code>")
	}
	code := pairingid.Normalize(fs.Arg(0))
	if err := pairingid.ValidateCode(code); err != nil {
		return usageErr(err.Error())
	}
	if strings.TrimSpace(relayURL) == "" {
		return usageErr("missing --relay-url")
	}

	rc, err := relayclient.New(relayURL)
	if err != nil {
		return usageErr(err.Error())
	}

	if err := securefile.MkdirAllOwnerOnly(configDir); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	id, err := e2ee.LoadOrCreateIdentity(cliconfig.IdentityFile(configDir))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	resp, err := rc.PairComplete(ctx, code, "", id.PublicKeyB64())
	if err != nil {
		if errors.Is(err, relayclient.ErrCodeExpired) {
			fmt.Fprintln(stderr, "pairing code expired or unknown; display a fresh code on the watch and retry")
			return 1
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfgPath := cliconfig.File(configDir)
	cfg := &cliconfig.Config{
		PairingID:      resp.PairingID,
		CloudURL:       rc.BaseURL(),
		Wrapper:        wrapper,
		WatchPublicKey: resp.WatchPublicKey,
	}
	if err := cliconfig.Save(cfgPath, cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_ = cmdutil.WriteJSON(stdout, ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		PairingID:  resp.PairingID,
		ConfigFile: cfgPath,
	}, false)
	return 0
}

// runUnpair deletes the relay-side connection, then purges local state even
// when the relay call fails so a dead relay cannot wedge the machine in a
// paired state.
func runUnpair(ctx context.Context, configDir string, stdout io.Writer, stderr io.Writer) int {
	cfgPath := cliconfig.File(configDir)
	cfg, err := cliconfig.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if rc, rcErr := relayclient.New(cfg.CloudURL); rcErr == nil {
		if err := rc.Unpair(ctx, cfg.PairingID); err != nil {
			fmt.Fprintf(stderr, "relay unpair failed (continuing with local purge): %v\n", err)
		}
	}

	if err := cliconfig.Purge(cfgPath); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := e2ee.PurgeIdentity(cliconfig.IdentityFile(configDir)); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_ = cmdutil.WriteJSON(stdout, unpaired{PairingID: cfg.PairingID, Unpaired: true}, false)
	return 0
}
