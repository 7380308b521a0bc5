package testutils

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// testLogWriter forwards log lines to t.Log until the test ends. Engines
// started by a test may still log from their goroutines after that.
type testLogWriter struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
}

func (w *testLogWriter) Write(b []byte) (int, error) {
	w.mtx.Lock()
	if !w.done {
		w.tb.Log(string(b[:len(b)-1]))
	}
	w.mtx.Unlock()
	return len(b), nil
}

func newTestBackend(t testing.TB) *slog.Backend {
	w := &testLogWriter{tb: t}
	t.Cleanup(func() {
		w.mtx.Lock()
		w.done = true
		w.mtx.Unlock()
	})
	return slog.NewBackend(w)
}

// testLogLevel is the level of test loggers. It defaults to trace and is
// overridden by $PROTOENGINE_TEST_LOGLEVEL.
func testLogLevel() slog.Level {
	if lvl, ok := slog.LevelFromString(os.Getenv("PROTOENGINE_TEST_LOGLEVEL")); ok {
		return lvl
	}
	return slog.LevelTrace
}

// TestLoggerSys returns an slog.Logger that logs by issuing t.Log calls.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	logg := newTestBackend(t).Logger(sys)
	logg.SetLevel(testLogLevel())
	return logg
}

// TestLoggerBackend returns a function that generates loggers for the
// subsystems of the named device. Every logger logs by calling t.Log.
func TestLoggerBackend(t testing.TB, name string) func(subsys string) slog.Logger {
	bknd := newTestBackend(t)
	lvl := testLogLevel()
	return func(subsys string) slog.Logger {
		logg := bknd.Logger(fmt.Sprintf("%7s - %s", name, subsys))
		logg.SetLevel(lvl)
		return logg
	}
}
