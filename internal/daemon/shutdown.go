package daemon

import (
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// shutdownRequested is the single process-wide shutdown flag. It is set by
// the signal watcher, by the stdin monitor (worker mode), or by tests, and
// observed at the top of the accept and request loops. Once set it stays
// set for the life of the process.
var shutdownRequested atomic.Bool

// RequestShutdown sets the shutdown flag. Safe to call from any goroutine.
func RequestShutdown() {
	shutdownRequested.Store(true)
}

// ShutdownRequested reports whether shutdown has been requested.
func ShutdownRequested() bool {
	return shutdownRequested.Load()
}

// resetShutdown clears the flag. Test-only.
func resetShutdown() {
	shutdownRequested.Store(false)
}

// ArmSignalHandler installs handling for SIGTERM and SIGINT. On delivery
// the watcher goroutine stores the flag, invokes wake (which the caller
// uses to unblock a pending accept or read), and then logs the signal.
// wake may be nil.
func ArmSignalHandler(wake func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-ch
		RequestShutdown()
		if wake != nil {
			wake()
		}
		logrus.WithField("signal", sig.String()).Info("shutdown requested")
	}()
}

// stdin is swapped out by tests.
var stdin io.Reader = os.Stdin

// MonitorStdin starts the worker-mode parent-death monitor: a goroutine
// blocked on a one-byte read of standard input. The parent holds the write
// end of the pipe and never writes to it, so EOF means the parent died; a
// read error or unexpected data are treated the same way. The goroutine is
// never joined.
func MonitorStdin(wake func()) {
	go func() {
		var buf [1]byte
		n, err := stdin.Read(buf[:])
		switch {
		case n > 0:
			logrus.Warn("unexpected data on stdin, shutting down")
		case err == io.EOF:
			logrus.Info("stdin closed, parent process died")
		default:
			logrus.WithError(err).Warn("stdin read error")
		}
		RequestShutdown()
		if wake != nil {
			wake()
		}
	}()
}
