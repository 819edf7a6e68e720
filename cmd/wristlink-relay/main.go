// Command wristlink-relay serves the rendezvous relay: pairing, approval and
// question queues, session state, wake hints, and the websocket stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/internal/cmdutil"
	wlversion "github.com/wristlink/wristlink/internal/version"
	"github.com/wristlink/wristlink/observability"
	"github.com/wristlink/wristlink/observability/prom"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/push"
	"github.com/wristlink/wristlink/relay/server"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// switchHandler lets SIGHUP swap the /metrics handler without rebuilding the
// mux.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController flips Prometheus collection on and off at runtime. Each
// enable starts a fresh registry so counters restart from zero rather than
// resuming a stale series.
type metricsController struct {
	mu        sync.Mutex
	enabled   bool
	handler   *switchHandler
	relayObs  *observability.AtomicRelayObserver
	streamObs *observability.AtomicStreamObserver
}

func newMetricsController(handler *switchHandler, relayObs *observability.AtomicRelayObserver, streamObs *observability.AtomicStreamObserver) *metricsController {
	return &metricsController{handler: handler, relayObs: relayObs, streamObs: streamObs}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	c.handler.Set(prom.Handler(reg))
	c.relayObs.Set(prom.NewRelayObserver(reg))
	c.streamObs.Set(prom.NewStreamObserver(reg))
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.relayObs.Set(observability.NoopRelayObserver)
	c.streamObs.Set(observability.NoopStreamObserver)
	c.enabled = false
}

// Toggle flips the state and reports whether metrics are now enabled.
func (c *metricsController) Toggle() bool {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if enabled {
		c.Disable()
		return false
	}
	c.Enable()
	return true
}

func (c *metricsController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

type ready struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Addr    string `json:"addr"`
	Store   string `json:"store"`
	Metrics bool   `json:"metrics"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	addr := cmdutil.EnvString("WRISTLINK_ADDR", "127.0.0.1:0")
	redisAddr := cmdutil.EnvString("WRISTLINK_REDIS_ADDR", "")
	pushKeyFile := cmdutil.EnvString("WRISTLINK_PUSH_KEY_FILE", "")
	pushKeyID := cmdutil.EnvString("WRISTLINK_PUSH_KEY_ID", "")
	pushTeam := cmdutil.EnvString("WRISTLINK_PUSH_TEAM", "")
	pushTopic := cmdutil.EnvString("WRISTLINK_PUSH_TOPIC", "")
	pushURL := cmdutil.EnvString("WRISTLINK_PUSH_URL", "https://api.push.apple.com")
	logLevel := cmdutil.EnvString("WRISTLINK_LOG_LEVEL", "info")
	metricsOn, err := cmdutil.EnvBool("WRISTLINK_METRICS", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WRISTLINK_METRICS: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("wristlink-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&addr, "addr", addr, "listen address (env: WRISTLINK_ADDR)")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "redis address; empty keeps all state in memory (env: WRISTLINK_REDIS_ADDR)")
	fs.StringVar(&pushKeyFile, "push-key-file", pushKeyFile, "provider token signing key PEM; empty disables wake hints (env: WRISTLINK_PUSH_KEY_FILE)")
	fs.StringVar(&pushKeyID, "push-key-id", pushKeyID, "provider key id for the token header (env: WRISTLINK_PUSH_KEY_ID)")
	fs.StringVar(&pushTeam, "push-team", pushTeam, "provider team id, the token issuer (env: WRISTLINK_PUSH_TEAM)")
	fs.StringVar(&pushTopic, "push-topic", pushTopic, "app bundle id sent with each hint (env: WRISTLINK_PUSH_TOPIC)")
	fs.StringVar(&pushURL, "push-url", pushURL, "provider endpoint base URL (env: WRISTLINK_PUSH_URL)")
	fs.BoolVar(&metricsOn, "metrics", metricsOn, "serve /metrics and record request metrics; SIGHUP toggles at runtime (env: WRISTLINK_METRICS)")
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
	if pushKeyFile != "" && (pushKeyID == "" || pushTeam == "") {
		return usageErr("a push key needs --push-key-id and --push-team")
	}

	logger := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	cfg := server.DefaultConfig()
	cfg.Logger = logger

	storeKind := "memory"
	var store kv.Store
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "redis unreachable at %s: %v\n", redisAddr, err)
			return 1
		}
		store = kv.NewRedis(client)
		storeKind = "redis"
	} else {
		mem := kv.NewMemory(kv.DefaultMemoryConfig())
		defer mem.Close()
		store = mem
	}
	cfg.Store = store

	relayObs := observability.NewAtomicRelayObserver()
	streamObs := observability.NewAtomicStreamObserver()
	metricsHandler := newSwitchHandler()
	metrics := newMetricsController(metricsHandler, relayObs, streamObs)
	cfg.Observer = relayObs
	cfg.StreamObserver = streamObs
	cfg.Metrics = metricsHandler
	if metricsOn {
		metrics.Enable()
	}

	var keyPEM []byte
	if pushKeyFile != "" {
		keyPEM, err = os.ReadFile(pushKeyFile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	dispatcher, err := push.New(push.Config{
		AuthKeyPEM: keyPEM,
		KeyID:      pushKeyID,
		TeamID:     pushTeam,
		Topic:      pushTopic,
		Endpoint:   pushURL,
		Logger:     logger,
		Observer:   relayObs,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg.Push = dispatcher

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	_ = cmdutil.WriteJSON(stdout, ready{
		Version: version,
		Commit:  commit,
		Date:    date,
		Addr:    ln.Addr().String(),
		Store:   storeKind,
		Metrics: metrics.Enabled(),
	}, false)
	logger.Info().Str("addr", ln.Addr().String()).Str("store", storeKind).Msg("relay listening")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		s := <-sig
		if handleSignal(s, logger, metrics) {
			continue
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
		logger.Info().Msg("relay stopped")
		return 0
	}
}
