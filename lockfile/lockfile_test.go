package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/companyzero/protoengine/internal/assert"
)

func TestOwnerRecord(t *testing.T) {
	dir := t.TempDir()
	lf, err := Acquire(context.Background(), filepath.Join(dir, "root"), time.Second)
	assert.NilErr(t, err)
	defer lf.Close()

	owner := Owner(filepath.Join(dir, "root", Filename))
	assert.Substring(t, owner, "PID="+strconv.Itoa(os.Getpid()))
	assert.Substring(t, owner, "Process=")
	assert.DeepEqual(t, Owner(filepath.Join(dir, "missing")), "")
}

// TestSecondWriterWaits checks that a second writer of the same root dir
// waits for the first one to release the lock.
func TestSecondWriterWaits(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := Acquire(ctx, dir, time.Second)
	assert.NilErr(t, err)

	_, err = Acquire(ctx, dir, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Substring(t, err.Error(), "is locked by PID=")

	acquired := make(chan *LockFile, 1)
	failed := make(chan error, 1)
	go func() {
		lf, err := Create(ctx, filepath.Join(dir, Filename))
		if err != nil {
			failed <- err
			return
		}
		acquired <- lf
	}()
	assert.ChanNotWritten(t, acquired, 250*time.Millisecond)
	assert.ChanNotWritten(t, failed, time.Millisecond)

	assert.NilErr(t, first.Close())
	second := assert.ChanWritten(t, acquired)
	assert.NilErr(t, second.Close())
}
