//go:build windows

package main

import (
	"os"

	"github.com/rs/zerolog"
)

func notifySignals() []os.Signal {
	// Windows has no SIGHUP; CTRL+C is the only runtime signal.
	return []os.Signal{os.Interrupt}
}

// handleSignal returns true when the signal was handled and the relay should
// keep running. On Windows every signal means shutdown.
func handleSignal(_ os.Signal, _ zerolog.Logger, _ *metricsController) bool {
	return false
}
