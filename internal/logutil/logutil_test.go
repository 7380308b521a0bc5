package logutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/decred/slog"
)

func TestBackendLevels(t *testing.T) {
	var buf bytes.Buffer
	bknd, err := NewBackend("", "warn,ENGN=debug", &buf)
	assert.NilErr(t, err)

	engn := bknd.Logger("ENGN")
	prot := bknd.Logger("PROT")
	assert.DeepEqual(t, engn.Level(), slog.LevelDebug)
	assert.DeepEqual(t, prot.Level(), slog.LevelWarn)

	engn.Debugf("engine line")
	prot.Infof("dropped line")
	prot.Warnf("protocol line")
	out := buf.String()
	assert.Substring(t, out, "engine line")
	assert.Substring(t, out, "protocol line")
	assert.BoolIs(t, strings.Contains(out, "dropped line"), false)

	if bknd.Logger("ENGN") != engn {
		t.Fatal("logger of a subsystem was not reused")
	}
}

func TestBackendBadLevel(t *testing.T) {
	_, err := NewBackend("", "ENGN=loud", nil)
	assert.NonNilErr(t, err)
	_, err = NewBackend("", "a=b=c", nil)
	assert.NonNilErr(t, err)
}

func TestBackendLogFile(t *testing.T) {
	dir := testutils.TempTestDir(t, "logutil")
	logFile := filepath.Join(dir, "logs", "protoengine.log")
	bknd, err := NewBackend(logFile, "info", nil)
	assert.NilErr(t, err)
	bknd.Logger("NTFN").Infof("to the file")
	assert.NilErr(t, bknd.Close())

	b, err := os.ReadFile(logFile)
	assert.NilErr(t, err)
	assert.Substring(t, string(b), "to the file")
}

func TestInstanceLogger(t *testing.T) {
	var buf bytes.Buffer
	bknd, err := NewBackend("", "debug", &buf)
	assert.NilErr(t, err)
	owned := obvidentity.Identity{Server: "example.com"}
	key := protocol.InstanceKey{Owned: owned, Protocol: protocol.FullRatchetID, UID: obvidentity.UID{0xaa}}
	log := InstanceLogger(bknd.Logger("PROT"), key)

	log.Infof("hello %d", 1)
	log.Warn("plain")
	log.Tracef("below level")
	out := buf.String()
	assert.Substring(t, out, key.String()+": hello 1")
	assert.Substring(t, out, key.String()+": plain")
	assert.BoolIs(t, strings.Contains(out, "below level"), false)

	// Level changes go to the subsystem logger.
	log.SetLevel(slog.LevelTrace)
	assert.DeepEqual(t, bknd.Logger("PROT").Level(), slog.LevelTrace)
}
