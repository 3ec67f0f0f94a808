// Package shutdown cancels the pipeline context on SIGINT/SIGTERM. The run
// loop and the importer both watch ctx, so an interrupted build stops at the
// next batch boundary instead of mid-write.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext derives a context cancelled by the usual termination signals.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
