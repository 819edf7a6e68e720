// Command wristlink-run launches the wrapped AI tool with the permission
// bridge attached to its stdio. Tool output passes through on stdout; control
// requests detour to the paired watch; the tool's exit code is propagated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/bridge"
	"github.com/wristlink/wristlink/crypto/e2ee"
	"github.com/wristlink/wristlink/internal/cliconfig"
	"github.com/wristlink/wristlink/internal/cmdutil"
	wlversion "github.com/wristlink/wristlink/internal/version"
	"github.com/wristlink/wristlink/relayclient"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const sessionEndTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	configDir := ""
	logLevel := cmdutil.EnvString("WRISTLINK_LOG_LEVEL", "warn")
	localFallback, err := cmdutil.EnvBool("WRISTLINK_LOCAL_FALLBACK", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WRISTLINK_LOCAL_FALLBACK: %v\n", err)
		return 2
	}
	pollInterval, err := cmdutil.EnvDuration("WRISTLINK_POLL_INTERVAL", bridge.DefaultPollInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WRISTLINK_POLL_INTERVAL: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("wristlink-run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configDir, "config-dir", configDir, "state directory (default: user config dir; env: WRISTLINK_CONFIG_DIR)")
	fs.BoolVar(&localFallback, "local-fallback", localFallback, "answer prompts at the terminal when the relay stays unreachable (env: WRISTLINK_LOCAL_FALLBACK)")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "verdict polling cadence (env: WRISTLINK_POLL_INTERVAL)")
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
	logger := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	if configDir == "" {
		configDir, err = cliconfig.Dir()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	cfg, err := cliconfig.Load(cliconfig.File(configDir))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	toolArgv := fs.Args()
	if len(toolArgv) == 0 && cfg.Wrapper != "" {
		toolArgv = []string{cfg.Wrapper}
	}
	if len(toolArgv) == 0 {
		return usageErr("usage: wristlink-run [flags] <tool> [tool args...] (or set wrapper in the config)")
	}

	rc, err := relayclient.New(cfg.CloudURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	return launch(configDir, cfg, rc, toolArgv, localFallback, pollInterval, logger, stdout, stderr)
}

// launch starts the tool, runs the bridge over its stdio until the tool
// exits, posts session-end, and returns the tool's exit code.
func launch(configDir string, cfg *cliconfig.Config, rc *relayclient.Client, toolArgv []string, localFallback bool, pollInterval time.Duration, logger zerolog.Logger, stdout io.Writer, stderr io.Writer) int {
	cmd := exec.Command(toolArgv[0], toolArgv[1:]...)
	cmd.Env = append(os.Environ(), "WRISTLINK_SESSION_ACTIVE=1")
	cmd.Stderr = stderr

	toolStdin, err := cmd.StdinPipe()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	toolStdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	b, err := bridge.New(bridge.Config{
		PairingID:     cfg.PairingID,
		Relay:         rc,
		ToolStdout:    toolStdout,
		ToolStdin:     toolStdin,
		Passthrough:   stdout,
		Prompter:      bridge.NewTerminalPrompter(),
		LocalFallback: localFallback,
		Sealer:        loadSealer(configDir, cfg, logger),
		PollInterval:  pollInterval,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	// The terminal stays usable: user keystrokes share the tool's stdin pipe
	// with the bridge's control responses.
	go func() { _, _ = io.Copy(toolStdin, os.Stdin) }()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		for s := range sig {
			_ = cmd.Process.Signal(s)
		}
	}()

	if err := b.Run(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("bridge stopped early")
		// Wait needs the pipe drained or a chatty tool blocks forever.
		go func() { _, _ = io.Copy(stdout, toolStdout) }()
	}

	waitErr := cmd.Wait()
	signal.Stop(sig)
	close(sig)

	endCtx, cancel := context.WithTimeout(context.Background(), sessionEndTimeout)
	if err := rc.EndSession(endCtx, cfg.PairingID); err != nil {
		logger.Warn().Err(err).Msg("session-end not delivered")
	}
	cancel()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return code
			}
			return 1
		}
		fmt.Fprintln(stderr, waitErr)
		return 1
	}
	return 0
}

// loadSealer derives the session sealer when both the local identity and the
// watch's public key exist. Sealed detail is optional; any failure just means
// plaintext-only entries.
func loadSealer(configDir string, cfg *cliconfig.Config, logger zerolog.Logger) bridge.Sealer {
	if cfg.WatchPublicKey == "" {
		return nil
	}
	id, err := e2ee.LoadOrCreateIdentity(cliconfig.IdentityFile(configDir))
	if err != nil {
		logger.Warn().Err(err).Msg("identity unavailable, sending plaintext entries only")
		return nil
	}
	key, err := e2ee.DeriveSessionKey(id, cfg.WatchPublicKey)
	if err != nil {
		logger.Warn().Err(err).Msg("session key derivation failed, sending plaintext entries only")
		return nil
	}
	return keySealer{key: key}
}

type keySealer struct {
	key [e2ee.SessionKeySize]byte
}

func (s keySealer) Seal(plaintext []byte) (string, error) {
	return e2ee.Seal(s.key, plaintext)
}
