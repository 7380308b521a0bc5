// Package lockfile provides the exclusive lock taken by processes that write
// to the protocol store of a root dir.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// Filename is the name of the lock file inside a root dir.
const Filename = "protoengine.lock"

// LockFile holds the lockfile.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// Create blocks until the lock file at filePath is acquired or ctx is done.
// The lock owner is recorded in the file.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Errors writing the owner are ignored: the lock is held
		// regardless.
		host, _ := os.Hostname()
		procName := ""
		if len(os.Args) > 0 {
			procName = filepath.Base(os.Args[0])
		}
		fmt.Fprintf(f, "PID=%d\nHost=%q\nProcess=%q\nSince=%s\n",
			os.Getpid(), host, procName, time.Now().Format(time.RFC3339))
		return &LockFile{f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The file may still open later on. Close it if it does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Acquire tries to acquire the lock file of rootDir for up to timeout. The
// returned error names the current owner when the lock is held by someone
// else.
func Acquire(ctx context.Context, rootDir string, timeout time.Duration) (*LockFile, error) {
	filePath := filepath.Join(rootDir, Filename)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lf, err := Create(ctx, filePath)
	if err == nil {
		return lf, nil
	}
	if ctx.Err() != nil {
		if owner := Owner(filePath); owner != "" {
			return nil, fmt.Errorf("%s is locked by %s: %w", rootDir, owner, err)
		}
		return nil, fmt.Errorf("%s is locked: %w", rootDir, err)
	}
	return nil, err
}

// Owner returns a one line description of the process that holds the lock
// file, as recorded by Create. It returns an empty string when unknown.
func Owner(filePath string) string {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(string(b)), " ")
}
