package logutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Backend is a log backend that writes to an optional stdout writer and an
// optional rotating log file. Each subsystem gets its own level.
type Backend struct {
	stdOut          io.Writer
	logRotator      *rotator.Rotator
	bknd            *slog.Backend
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level

	mtx     sync.Mutex
	loggers map[string]slog.Logger
}

// NewBackend creates a backend. debugLevel is either a single level applied
// to every subsystem or a comma separated list of level and subsys=level
// entries.
func NewBackend(logFile, debugLevel string, stdOut io.Writer) (*Backend, error) {
	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %v", err)
			}
		}
		var err error
		logRotator, err = rotator.New(logFile, 1024, false, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %v", err)
		}
	}

	b := &Backend{
		stdOut:          stdOut,
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)

	for _, v := range strings.Split(debugLevel, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLogLevel = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q for "+
					"subsystem %s", fields[1], fields[0])
			}
			b.logLevels[fields[0]] = level
		default:
			return nil, fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}

	return b, nil
}

func (bknd *Backend) Write(b []byte) (int, error) {
	if bknd.stdOut != nil {
		bknd.stdOut.Write(b)
	}
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}
	return len(b), nil
}

// Logger returns the logger of subsys, creating it on first use.
func (bknd *Backend) Logger(subsys string) slog.Logger {
	bknd.mtx.Lock()
	defer bknd.mtx.Unlock()
	if l, ok := bknd.loggers[subsys]; ok {
		return l
	}

	l := bknd.bknd.Logger(subsys)
	bknd.loggers[subsys] = l
	if level, ok := bknd.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(bknd.defaultLogLevel)
	}
	return l
}

// Close closes the log file, if any.
func (bknd *Backend) Close() error {
	if bknd.logRotator == nil {
		return nil
	}
	return bknd.logRotator.Close()
}
