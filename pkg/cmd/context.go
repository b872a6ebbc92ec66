package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/testground/hostsync/pkg/logging"
)

// shutdownGrace is how long a command may take to wind down after the first
// signal before the process exits anyway.
const shutdownGrace = 15 * time.Second

var (
	processContext     context.Context
	processContextOnce sync.Once
)

// ProcessContext returns a context cancelled on the first SIGINT, SIGHUP or
// SIGTERM. A second signal, or a command that does not return within the
// shutdown grace period, terminates the process.
func ProcessContext() context.Context {
	processContextOnce.Do(func() {
		var cancel context.CancelFunc
		processContext, cancel = context.WithCancel(context.Background())

		notify := make(chan os.Signal, 2)
		signal.Notify(notify, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
		go func() {
			defer signal.Stop(notify)

			sig := <-notify
			logging.S().Infow("received signal; shutting down", "signal", sig)
			cancel()

			select {
			case <-time.After(shutdownGrace):
				logging.S().Warnw("timed out on shutdown, terminating")
			case <-notify:
				logging.S().Warnw("received another signal before graceful shutdown, terminating")
			}
			os.Exit(1)
		}()
	})
	return processContext
}
