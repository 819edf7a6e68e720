//go:build !windows

package main

import (
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
	}
}

// handleSignal returns true when the signal was handled and the relay should
// keep running.
func handleSignal(sig os.Signal, logger zerolog.Logger, metrics *metricsController) bool {
	if sig != syscall.SIGHUP {
		return false
	}
	if metrics.Toggle() {
		logger.Info().Msg("metrics enabled")
	} else {
		logger.Info().Msg("metrics disabled")
	}
	return true
}
