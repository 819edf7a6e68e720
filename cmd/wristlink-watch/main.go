// Command wristlink-watch is a headless watch client for development and
// soak runs. It pairs with a relay (or resumes an existing pairing), runs the
// sync engine over the chosen transport, and drives it from a small readline
// console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/crypto/e2ee"
	"github.com/wristlink/wristlink/internal/cmdutil"
	"github.com/wristlink/wristlink/internal/pairingid"
	wlversion "github.com/wristlink/wristlink/internal/version"
	"github.com/wristlink/wristlink/relayclient"
	"github.com/wristlink/wristlink/watchsync"
	"github.com/wristlink/wristlink/watchsync/activity"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const pairPollInterval = 2 * time.Second

type ready struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	PairingID string `json:"pairing_id"`
	Transport string `json:"transport"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	relayURL := cmdutil.EnvString("WRISTLINK_CLOUD_URL", "")
	pairingID := cmdutil.EnvString("WRISTLINK_PAIRING_ID", "")
	transport := cmdutil.EnvString("WRISTLINK_TRANSPORT", string(watchsync.TransportStreaming))
	deviceToken := cmdutil.EnvString("WRISTLINK_DEVICE_TOKEN", "")
	activityFile := cmdutil.EnvString("WRISTLINK_ACTIVITY_FILE", "")
	logLevel := cmdutil.EnvString("WRISTLINK_LOG_LEVEL", "warn")
	pair := false

	fs := flag.NewFlagSet("wristlink-watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&relayURL, "relay-url", relayURL, "relay base URL (env: WRISTLINK_CLOUD_URL)")
	fs.StringVar(&pairingID, "pairing-id", pairingID, "resume an existing pairing (env: WRISTLINK_PAIRING_ID)")
	fs.BoolVar(&pair, "pair", pair, "start a fresh pairing: display a code and wait for the CLI to redeem it")
	fs.StringVar(&transport, "transport", transport, "sync transport: streaming or polling (env: WRISTLINK_TRANSPORT)")
	fs.StringVar(&deviceToken, "device-token", deviceToken, "push device token registered at pairing (env: WRISTLINK_DEVICE_TOKEN)")
	fs.StringVar(&activityFile, "activity-file", activityFile, "persist the activity feed to this CBOR file (env: WRISTLINK_ACTIVITY_FILE)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error (env: WRISTLINK_LOG_LEVEL)")
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

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return usageErr(fmt.Sprintf("invalid --log-level: %v", err))
	}
	kind := watchsync.TransportKind(transport)
	if kind != watchsync.TransportStreaming && kind != watchsync.TransportPolling {
		return usageErr(fmt.Sprintf("invalid --transport %q: want streaming or polling", transport))
	}
	if relayURL == "" {
		return usageErr("missing --relay-url")
	}
	if !pair && pairingID == "" {
		return usageErr("need --pairing-id or --pair")
	}
	if pair && pairingID != "" {
		return usageErr("--pair and --pairing-id are mutually exclusive")
	}

	rc, err := relayclient.New(relayURL)
	if err != nil {
		return usageErr(err.Error())
	}
	logger := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	var sessionKey [e2ee.SessionKeySize]byte
	haveKey := false
	if pair {
		pairingID, sessionKey, haveKey, err = runPairing(rc, deviceToken, stderr)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	} else if err := pairingid.Validate(pairingID); err != nil {
		return usageErr(fmt.Sprintf("invalid --pairing-id: %v", err))
	}

	var acts *activity.Store
	if activityFile != "" {
		acts, err = activity.Open(activity.Config{Path: activityFile, Logger: logger})
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	engCfg := watchsync.Config{
		PairingID: pairingID,
		Relay:     rc,
		Transport: kind,
		Haptic:    func() { fmt.Fprint(stderr, "\a") },
		Logger:    logger,
	}
	if acts != nil {
		engCfg.Activity = acts
	}
	eng, err := watchsync.New(engCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_ = cmdutil.WriteJSON(stdout, ready{
		Version:   version,
		Commit:    commit,
		Date:      date,
		PairingID: pairingID,
		Transport: string(kind),
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	code := runConsole(eng, acts, sessionKey, haveKey, stderr)
	cancel()
	<-done
	return code
}

// runPairing displays a fresh code and waits for the workstation to redeem
// it. The identity is ephemeral; sealed payload detail only decrypts within
// this process's lifetime.
func runPairing(rc *relayclient.Client, deviceToken string, stderr io.Writer) (string, [e2ee.SessionKeySize]byte, bool, error) {
	var key [e2ee.SessionKeySize]byte

	id, err := e2ee.GenerateIdentity()
	if err != nil {
		return "", key, false, err
	}

	ctx := context.Background()
	initiated, err := rc.PairInitiate(ctx, deviceToken, id.PublicKeyB64())
	if err != nil {
		return "", key, false, err
	}
	fmt.Fprintf(stderr, "pairing code: %s\n", initiated.Code)
	fmt.Fprintf(stderr, "run `wristlink-pair --relay-url %s %s` on the workstation (expires %s)\n",
		rc.BaseURL(), initiated.Code, initiated.ExpiresAt.Local().Format(time.Kitchen))

	for {
		status, err := rc.PairStatus(ctx, initiated.WatchID)
		if err != nil {
			if errors.Is(err, relayclient.ErrNotPaired) {
				return "", key, false, errors.New("pairing code expired before it was redeemed")
			}
			fmt.Fprintf(stderr, "pair status check failed, retrying: %v\n", err)
		} else if status.Paired {
			haveKey := false
			if status.CLIPublicKey != "" {
				if key, err = e2ee.DeriveSessionKey(id, status.CLIPublicKey); err == nil {
					haveKey = true
				}
			}
			return status.PairingID, key, haveKey, nil
		}
		time.Sleep(pairPollInterval)
	}
}

// runConsole owns the readline loop until quit or EOF.
func runConsole(eng *watchsync.Engine, acts *activity.Store, key [e2ee.SessionKeySize]byte, haveKey bool, stderr io.Writer) int {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "watch> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rl.Close()

	c := &console{
		eng:     eng,
		acts:    acts,
		out:     rl.Stdout(),
		key:     key,
		haveKey: haveKey,
	}

	snaps, unsub := eng.Subscribe(16)
	defer unsub()
	go c.announce(snaps)

	c.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return 0
		}
		if c.exec(line) {
			return 0
		}
	}
}
