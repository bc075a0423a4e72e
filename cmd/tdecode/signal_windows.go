//go:build windows

package main

import "os"

// shutdownSignals are the signals that cancel a running evaluation.
// On Windows, only os.Interrupt (Ctrl+C) is supported; SIGTERM does not exist.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
