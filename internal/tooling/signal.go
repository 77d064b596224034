package tooling

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InstallSignalHandler wires interrupt and terminate to the build's
// cancellation. The handler's sole duty is to fire the cancel; teardown
// happens in the build's own control flow. A second signal exits
// immediately, unless teardown is mid-walk.
func InstallSignalHandler(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ch
		warnf("interrupted, cancelling build\n")
		cancel()

		<-ch
		if isCriticalAtomic.Load() == 1 {
			warnf("teardown in progress, not exiting\n")
			return
		}
		os.Exit(ExitFailure)
	}()
}
