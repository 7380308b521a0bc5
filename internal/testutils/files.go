package testutils

import (
	"os"
	"path/filepath"
	"testing"
)

// TempTestDir returns a temp dir for a test. The dir is kept for inspection
// when the test fails.
func TempTestDir(t testing.TB, prefix string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("Test data dir of %s: %s", t.Name(), dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			t.Logf("Unable to remove temp dir %s: %v", dir, err)
		}
	})
	return dir
}

// WriteTempFile writes data to a new file inside dir and returns its path.
// The file is removed after the test ends, unless the code under test
// removed it first.
func WriteTempFile(t testing.TB, dir string, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "test-file")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	name := filepath.Clean(f.Name())
	t.Cleanup(func() { os.Remove(name) })
	return name
}
