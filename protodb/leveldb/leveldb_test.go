package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/companyzero/protoengine/protodb"
	"github.com/companyzero/protoengine/protodb/protodbtest"
)

func TestConformanceMemStorage(t *testing.T) {
	protodbtest.Run(t, func(t *testing.T) protodb.DB {
		db, err := New(Config{Logger: testutils.TestLoggerSys(t, "LVDB")})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}

func TestConformanceFile(t *testing.T) {
	dir := testutils.TempTestDir(t, "protodb-leveldb")
	var n int
	protodbtest.Run(t, func(t *testing.T) protodb.DB {
		n++
		path := filepath.Join(dir, "db", string(rune('a'+n)))
		db, err := New(Config{Path: path})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}
