package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// signalContext derives a context from parent that is cancelled by the first
// SIGINT or SIGTERM, logging which one arrived. The returned cancel stops
// signal delivery.
func (d *Daemon) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, shutdownSignals...)

	go func() {
		select {
		case sig := <-sigc:
			d.log.Infof("received %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigc)
		cancel()
	}
}
